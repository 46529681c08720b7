package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sellerstudio/api/internal/client"
	"github.com/sellerstudio/api/internal/config"
	"github.com/sellerstudio/api/internal/events"
	"github.com/sellerstudio/api/internal/history"
	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
	"github.com/sellerstudio/api/internal/taskstore"
)

// scriptedQueue replays a fixed list of status responses; the last one repeats
type scriptedQueue struct {
	mu          sync.Mutex
	statuses    []*client.QueueStatus
	errs        []error
	result      map[string]interface{}
	statusCalls int
	resultCalls int
	onStatus    func(call int)
}

func (q *scriptedQueue) Status(context.Context, string, string, string) (*client.QueueStatus, error) {
	q.mu.Lock()
	call := q.statusCalls
	q.statusCalls++
	hook := q.onStatus
	var err error
	if call < len(q.errs) {
		err = q.errs[call]
	}
	idx := call
	if idx >= len(q.statuses) {
		idx = len(q.statuses) - 1
	}
	status := q.statuses[idx]
	q.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (q *scriptedQueue) Result(context.Context, string, string, string) (map[string]interface{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resultCalls++
	return q.result, nil
}

func (q *scriptedQueue) calls() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusCalls, q.resultCalls
}

// countingTracker records every status update forwarded to the store
type countingTracker struct {
	*taskstore.Store
	mu      sync.Mutex
	pending int
	final   []model.TaskStatus
}

func (c *countingTracker) UpdateTaskStatus(id string, status model.TaskStatus, progress, errMsg string) bool {
	ok := c.Store.UpdateTaskStatus(id, status, progress, errMsg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == model.TaskStatusPending {
		c.pending++
	} else if ok {
		c.final = append(c.final, status)
	}
	return ok
}

type fixture struct {
	store   *taskstore.Store
	tracker *countingTracker
	history *history.MemoryStore
	bus     *events.Bus
	sub     *events.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := taskstore.New(taskstore.WithLogger(logger.Discard()))
	bus := events.NewBus()
	sub := bus.Subscribe(nil)
	t.Cleanup(sub.Close)
	return &fixture{
		store:   store,
		tracker: &countingTracker{Store: store},
		history: history.NewMemoryStore(),
		bus:     bus,
		sub:     sub,
	}
}

func (f *fixture) poller(queue QueueReader, interval, timeout time.Duration, opts ...Option) *Poller {
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	return New(config.PollerConfig{Interval: interval, Timeout: timeout}, f.tracker, queue, f.history, f.bus, opts...)
}

func (f *fixture) job(kind model.TaskType, params string) Job {
	id := f.store.AddTask(model.TaskDescriptor{
		Type:     kind,
		Progress: "Submitted",
		Params:   json.RawMessage(params),
		UserID:   "u1",
	})
	return Job{
		TaskID:    id,
		ModelID:   "fal-ai/flux/dev",
		RequestID: "req-1",
		UserID:    "u1",
		Type:      kind,
		Params:    json.RawMessage(params),
	}
}

func (f *fixture) historyItems(t *testing.T) []model.HistoryItem {
	t.Helper()
	items, err := f.history.GetAllItems(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetAllItems: %v", err)
	}
	return items
}

func status(s string) *client.QueueStatus {
	return &client.QueueStatus{Status: s}
}

func TestPoller_ProgressThenCompleted(t *testing.T) {
	f := newFixture(t)
	const processing = 4
	statuses := make([]*client.QueueStatus, 0, processing+1)
	for i := 0; i < processing; i++ {
		statuses = append(statuses, status(client.StatusInProgress))
	}
	statuses = append(statuses, status(client.StatusCompleted))
	queue := &scriptedQueue{statuses: statuses, result: map[string]interface{}{"output": "hello"}}

	p := f.poller(queue, 5*time.Millisecond, time.Minute)
	job := f.job(model.TaskTypeText, `{"prompt":"say hi"}`)
	p.Start(context.Background(), job)
	p.Wait()

	if f.tracker.pending != processing {
		t.Errorf("expected %d progress updates, got %d", processing, f.tracker.pending)
	}
	if len(f.tracker.final) != 1 || f.tracker.final[0] != model.TaskStatusCompleted {
		t.Errorf("expected exactly one completed transition, got %v", f.tracker.final)
	}
	items := f.historyItems(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 history item, got %d", len(items))
	}
	if items[0].Content[model.ContentText] != "hello" || items[0].Content[model.ContentPrompt] != "say hi" {
		t.Errorf("unexpected content %v", items[0].Content)
	}
}

func TestPoller_ImageScenario(t *testing.T) {
	f := newFixture(t)
	queue := &scriptedQueue{
		statuses: []*client.QueueStatus{
			status(client.StatusInQueue),
			status(client.StatusInProgress),
			status(client.StatusCompleted),
		},
		result: map[string]interface{}{
			"images": []interface{}{map[string]interface{}{"url": "https://x/y.png"}},
		},
	}

	p := f.poller(queue, 5*time.Millisecond, time.Minute)
	job := f.job(model.TaskTypeImage, `{"prompt":"a cat"}`)
	p.Start(context.Background(), job)
	p.Wait()

	tasks := f.store.List()
	if len(tasks) != 1 || tasks[0].Status != model.TaskStatusCompleted {
		t.Fatalf("expected one completed task, got %+v", tasks)
	}
	items := f.historyItems(t)
	if len(items) != 1 {
		t.Fatalf("expected 1 history item, got %d", len(items))
	}
	if items[0].Content[model.ContentImageURL] != "https://x/y.png" {
		t.Errorf("expected imageUrl https://x/y.png, got %v", items[0].Content[model.ContentImageURL])
	}
	if items[0].Type != model.TaskTypeImage {
		t.Errorf("expected image item, got %s", items[0].Type)
	}

	select {
	case evt := <-f.sub.C:
		if evt.Kind != events.KindTaskCompleted || evt.TaskID != job.TaskID {
			t.Errorf("unexpected event %+v", evt)
		}
	default:
		t.Error("expected task.completed event")
	}
}

func TestPoller_TimesOut(t *testing.T) {
	f := newFixture(t)
	queue := &scriptedQueue{statuses: []*client.QueueStatus{status(client.StatusInProgress)}}

	const timeout = 60 * time.Millisecond
	p := f.poller(queue, 5*time.Millisecond, timeout)
	job := f.job(model.TaskTypeVideo, `{}`)

	started := time.Now()
	p.Start(context.Background(), job)

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
	elapsed := time.Since(started)

	if elapsed < timeout {
		t.Errorf("timed out too early: %v", elapsed)
	}
	task, _ := f.store.Get(job.TaskID)
	if task.Status != model.TaskStatusFailed || task.Error != TimedOutMessage {
		t.Errorf("expected failed/timed out, got %s/%s", task.Status, task.Error)
	}
	if len(f.historyItems(t)) != 0 {
		t.Error("timeout must not write history")
	}
}

// hangingQueue never answers until the caller gives up
type hangingQueue struct {
	scriptedQueue
	hangStatus bool
}

func (q *hangingQueue) Status(ctx context.Context, modelID, requestID, apiKey string) (*client.QueueStatus, error) {
	if q.hangStatus {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return q.scriptedQueue.Status(ctx, modelID, requestID, apiKey)
}

func (q *hangingQueue) Result(ctx context.Context, _, _, _ string) (map[string]interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPoller_HangingProviderTimesOut(t *testing.T) {
	for name, queue := range map[string]*hangingQueue{
		"status": {hangStatus: true},
		"result": {scriptedQueue: scriptedQueue{statuses: []*client.QueueStatus{status(client.StatusCompleted)}}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			p := f.poller(queue, 5*time.Millisecond, 50*time.Millisecond)
			job := f.job(model.TaskTypeImage, `{}`)
			p.Start(context.Background(), job)

			done := make(chan struct{})
			go func() {
				p.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("poller still running long after its bound")
			}

			task, _ := f.store.Get(job.TaskID)
			if task.Status != model.TaskStatusFailed || task.Error != TimedOutMessage {
				t.Errorf("expected failed/timed out, got %s/%s", task.Status, task.Error)
			}
			if len(f.historyItems(t)) != 0 {
				t.Error("timeout must not write history")
			}
		})
	}
}

func TestPoller_RemovedBeforeFirstTick(t *testing.T) {
	f := newFixture(t)
	queue := &scriptedQueue{
		statuses: []*client.QueueStatus{status(client.StatusCompleted)},
		result:   map[string]interface{}{"images": []interface{}{map[string]interface{}{"url": "https://x/y.png"}}},
	}

	p := f.poller(queue, 20*time.Millisecond, time.Minute)
	job := f.job(model.TaskTypeImage, `{}`)
	f.store.RemoveTask(job.TaskID)
	p.Start(context.Background(), job)
	p.Wait()

	if statusCalls, _ := queue.calls(); statusCalls != 0 {
		t.Errorf("expected no status queries, got %d", statusCalls)
	}
	if len(f.historyItems(t)) != 0 {
		t.Error("cancelled task must not write history")
	}
}

func TestPoller_RemovedDuringQuery(t *testing.T) {
	f := newFixture(t)
	job := f.job(model.TaskTypeImage, `{}`)
	queue := &scriptedQueue{
		statuses: []*client.QueueStatus{status(client.StatusCompleted)},
		result:   map[string]interface{}{"images": []interface{}{map[string]interface{}{"url": "https://x/y.png"}}},
		onStatus: func(int) { f.store.RemoveTask(job.TaskID) },
	}

	p := f.poller(queue, 5*time.Millisecond, time.Minute)
	p.Start(context.Background(), job)
	p.Wait()

	if _, resultCalls := queue.calls(); resultCalls != 0 {
		t.Errorf("expected result to be discarded, got %d fetches", resultCalls)
	}
	if len(f.historyItems(t)) != 0 {
		t.Error("cancelled task must not write history")
	}
	if f.store.Exists(job.TaskID) {
		t.Error("removed task must not reappear")
	}
}

func TestPoller_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	queue := &scriptedQueue{statuses: []*client.QueueStatus{
		{Status: client.StatusFailed, Error: "NSFW content detected"},
	}}

	p := f.poller(queue, 5*time.Millisecond, time.Minute)
	job := f.job(model.TaskTypeImage, `{}`)
	p.Start(context.Background(), job)
	p.Wait()

	task, _ := f.store.Get(job.TaskID)
	if task.Status != model.TaskStatusFailed || task.Error != "NSFW content detected" {
		t.Errorf("expected provider failure, got %s/%s", task.Status, task.Error)
	}
	if len(f.historyItems(t)) != 0 {
		t.Error("failure must not write history")
	}
	select {
	case evt := <-f.sub.C:
		if evt.Kind != events.KindTaskFailed || evt.Error != "NSFW content detected" {
			t.Errorf("unexpected event %+v", evt)
		}
	default:
		t.Error("expected task.failed event")
	}
}

func TestPoller_TransientStatusErrors(t *testing.T) {
	f := newFixture(t)
	netErr := errors.New("connection reset")
	queue := &scriptedQueue{
		statuses: []*client.QueueStatus{nil, nil, status(client.StatusCompleted)},
		errs:     []error{netErr, netErr},
		result:   map[string]interface{}{"audio": map[string]interface{}{"url": "https://x/a.mp3"}},
	}

	p := f.poller(queue, 5*time.Millisecond, time.Minute)
	job := f.job(model.TaskTypeVoice, `{"text":"hello"}`)
	p.Start(context.Background(), job)
	p.Wait()

	task, _ := f.store.Get(job.TaskID)
	if task.Status != model.TaskStatusCompleted {
		t.Fatalf("expected completed after transient errors, got %s", task.Status)
	}
	items := f.historyItems(t)
	if len(items) != 1 || items[0].Content[model.ContentAudioURL] != "https://x/a.mp3" {
		t.Errorf("unexpected history %+v", items)
	}
}

func TestPoller_ContextCancelStops(t *testing.T) {
	f := newFixture(t)
	queue := &scriptedQueue{statuses: []*client.QueueStatus{status(client.StatusInProgress)}}

	p := f.poller(queue, 5*time.Millisecond, time.Minute)
	job := f.job(model.TaskTypeImage, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, job)
	time.Sleep(20 * time.Millisecond)
	cancel()
	p.Wait()

	task, _ := f.store.Get(job.TaskID)
	if task.Status != model.TaskStatusPending {
		t.Errorf("shutdown must leave the task pending, got %s", task.Status)
	}
}

type stubArchiver struct {
	err error
}

func (a *stubArchiver) Mirror(_ context.Context, userID, taskID, src string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "https://media.example.com/" + userID + "/" + taskID + ".png", nil
}

func TestPoller_ArchivesMedia(t *testing.T) {
	for name, tc := range map[string]struct {
		archiver *stubArchiver
		wantHost string
	}{
		"mirrored": {archiver: &stubArchiver{}, wantHost: "https://media.example.com/"},
		"fallback": {archiver: &stubArchiver{err: errors.New("bucket unavailable")}, wantHost: "https://x/"},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			queue := &scriptedQueue{
				statuses: []*client.QueueStatus{status(client.StatusCompleted)},
				result:   map[string]interface{}{"images": []interface{}{map[string]interface{}{"url": "https://x/y.png"}}},
			}
			p := f.poller(queue, 5*time.Millisecond, time.Minute, WithArchiver(tc.archiver))
			job := f.job(model.TaskTypeImage, `{}`)
			p.Start(context.Background(), job)
			p.Wait()

			items := f.historyItems(t)
			if len(items) != 1 {
				t.Fatalf("expected 1 history item, got %d", len(items))
			}
			got, _ := items[0].Content[model.ContentImageURL].(string)
			if len(got) < len(tc.wantHost) || got[:len(tc.wantHost)] != tc.wantHost {
				t.Errorf("expected url under %s, got %s", tc.wantHost, got)
			}
		})
	}
}

func TestProgressText(t *testing.T) {
	pos := 3
	cases := []struct {
		status *client.QueueStatus
		want   string
	}{
		{&client.QueueStatus{Status: client.StatusInQueue}, "In queue"},
		{&client.QueueStatus{Status: client.StatusInQueue, QueuePosition: &pos}, "In queue (position 3)"},
		{&client.QueueStatus{Status: client.StatusInProgress}, "Generating..."},
		{&client.QueueStatus{
			Status: client.StatusInProgress,
			Logs:   []client.QueueLog{{Message: "step 1"}, {Message: "step 2"}},
		}, "Generating...: step 2"},
	}
	for _, tc := range cases {
		if got := progressText(tc.status); got != tc.want {
			t.Errorf("progressText(%+v) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestBuildContent(t *testing.T) {
	job := Job{ModelID: "fal-ai/kling", RequestID: "r1", Type: model.TaskTypeVideo, Params: json.RawMessage(`{"prompt":"waves"}`)}
	content := BuildContent(job, map[string]interface{}{"video": map[string]interface{}{"url": "https://x/v.mp4"}})

	if content[model.ContentVideoURL] != "https://x/v.mp4" {
		t.Errorf("unexpected videoUrl %v", content[model.ContentVideoURL])
	}
	if content[model.ContentPrompt] != "waves" || content[model.ContentModelID] != "fal-ai/kling" || content[model.ContentRequestID] != "r1" {
		t.Errorf("unexpected content %v", content)
	}
}
