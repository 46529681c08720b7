package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sellerstudio/api/internal/client"
	"github.com/sellerstudio/api/internal/history"
	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
	"github.com/sellerstudio/api/internal/poller"
	"github.com/sellerstudio/api/internal/taskstore"
)

type fakeProvider struct {
	err      error
	payloads []json.RawMessage
}

func (p *fakeProvider) Submit(_ context.Context, _, _ string, payload json.RawMessage, onProgress client.ProgressFunc, _ model.TaskType) (*client.SubmitResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.payloads = append(p.payloads, payload)
	onProgress(client.StatusInQueue, 0, nil)
	return &client.SubmitResponse{RequestID: "req-42"}, nil
}

func (p *fakeProvider) Status(context.Context, string, string, string) (*client.QueueStatus, error) {
	return &client.QueueStatus{Status: client.StatusInProgress}, nil
}

func (p *fakeProvider) Result(context.Context, string, string, string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

type recordingStarter struct {
	jobs []poller.Job
}

func (r *recordingStarter) Start(_ context.Context, job poller.Job) {
	r.jobs = append(r.jobs, job)
}

func newService(provider client.Provider) (*GenerationService, *taskstore.Store, *history.MemoryStore, *recordingStarter) {
	store := taskstore.New(taskstore.WithLogger(logger.Discard()))
	hist := history.NewMemoryStore()
	starter := &recordingStarter{}
	svc := NewGenerationService(context.Background(), provider, store, hist, starter)
	svc.log = logger.Discard()
	return svc, store, hist, starter
}

func imageRequest() *model.GenerationRequest {
	return &model.GenerationRequest{
		Type:    model.TaskTypeImage,
		ModelID: "fal-ai/flux/dev",
		Payload: json.RawMessage(`{"prompt":"a red fox"}`),
		APIKey:  "override",
	}
}

func TestStart_CreatesTaskAndStartsPoller(t *testing.T) {
	svc, store, _, starter := newService(&fakeProvider{})

	resp, err := svc.Start(context.Background(), "u1", imageRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resp.RequestID != "req-42" || resp.Status != model.TaskStatusPending {
		t.Errorf("unexpected response %+v", resp)
	}

	task, ok := store.Get(resp.TaskID)
	if !ok {
		t.Fatal("expected task in store")
	}
	if task.Status != model.TaskStatusPending || task.UserID != "u1" || task.RequestID != "req-42" {
		t.Errorf("unexpected task %+v", task)
	}
	if task.Progress != "In queue" {
		t.Errorf("expected progress from submission callback, got %q", task.Progress)
	}
	if string(task.Params) != `{"prompt":"a red fox"}` {
		t.Errorf("params must be kept verbatim, got %s", task.Params)
	}

	if len(starter.jobs) != 1 {
		t.Fatalf("expected 1 poller, got %d", len(starter.jobs))
	}
	job := starter.jobs[0]
	if job.TaskID != resp.TaskID || job.APIKey != "override" || job.UserID != "u1" {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestStart_SubmissionErrorCreatesNoTask(t *testing.T) {
	submitErr := &client.APIError{StatusCode: 401, Body: "invalid key"}
	svc, store, _, starter := newService(&fakeProvider{err: submitErr})

	_, err := svc.Start(context.Background(), "u1", imageRequest())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if store.Len() != 0 {
		t.Error("no task may be created when submission fails")
	}
	if len(starter.jobs) != 0 {
		t.Error("no poller may be started when submission fails")
	}
}

func TestResumePending(t *testing.T) {
	svc, _, _, starter := newService(&fakeProvider{})
	tasks := []model.Task{
		{ID: "t1", Status: model.TaskStatusPending, RequestID: "r1", ModelID: "m/a", UserID: "u1"},
		{ID: "t2", Status: model.TaskStatusCompleted, RequestID: "r2"},
		{ID: "t3", Status: model.TaskStatusPending},
	}

	if n := svc.ResumePending(tasks); n != 1 {
		t.Errorf("expected 1 resumed, got %d", n)
	}
	if len(starter.jobs) != 1 || starter.jobs[0].TaskID != "t1" || starter.jobs[0].RequestID != "r1" {
		t.Errorf("unexpected jobs %+v", starter.jobs)
	}
}

func TestHistoryPassthrough(t *testing.T) {
	svc, _, hist, _ := newService(&fakeProvider{})
	ctx := context.Background()
	mine, _ := hist.AddItem(ctx, "u1", model.HistoryItem{Type: model.TaskTypeText})
	theirs, _ := hist.AddItem(ctx, "u2", model.HistoryItem{Type: model.TaskTypeText})

	list, err := svc.ListHistory(ctx, "u1")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if list.Count != 1 || list.Items[0].ID != mine.ID {
		t.Errorf("unexpected list %+v", list)
	}

	if err := svc.DeleteHistoryItem(ctx, "u1", theirs.ID); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another user's item, got %v", err)
	}
	if err := svc.DeleteHistoryItem(ctx, "u1", mine.ID); err != nil {
		t.Fatalf("DeleteHistoryItem: %v", err)
	}

	if err := svc.ClearHistory(ctx, "u2"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if items, _ := hist.GetAllItems(ctx, "u2"); len(items) != 0 {
		t.Error("expected u2 history cleared")
	}
}

type recordingRemover struct {
	removed []string
}

func (r *recordingRemover) Remove(_ context.Context, url string) error {
	r.removed = append(r.removed, url)
	return nil
}

func TestHistoryDeletion_RemovesArchivedMedia(t *testing.T) {
	store := taskstore.New(taskstore.WithLogger(logger.Discard()))
	hist := history.NewMemoryStore()
	remover := &recordingRemover{}
	svc := NewGenerationService(context.Background(), &fakeProvider{}, store, hist, &recordingStarter{}, WithMediaRemover(remover))
	svc.log = logger.Discard()

	ctx := context.Background()
	first, _ := hist.AddItem(ctx, "u1", model.HistoryItem{
		Type:    model.TaskTypeImage,
		Content: map[string]interface{}{model.ContentImageURL: "https://media.example.com/a.png"},
	})
	_, _ = hist.AddItem(ctx, "u1", model.HistoryItem{
		Type:    model.TaskTypeVideo,
		Content: map[string]interface{}{model.ContentVideoURL: "https://media.example.com/b.mp4"},
	})

	if err := svc.DeleteHistoryItem(ctx, "u1", first.ID); err != nil {
		t.Fatalf("DeleteHistoryItem: %v", err)
	}
	if len(remover.removed) != 1 || remover.removed[0] != "https://media.example.com/a.png" {
		t.Errorf("unexpected removals %v", remover.removed)
	}

	if err := svc.ClearHistory(ctx, "u1"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if len(remover.removed) != 2 || remover.removed[1] != "https://media.example.com/b.mp4" {
		t.Errorf("unexpected removals %v", remover.removed)
	}
}
