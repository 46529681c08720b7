package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sellerstudio/api/internal/client"
	"github.com/sellerstudio/api/internal/history"
	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
	"github.com/sellerstudio/api/internal/poller"
)

// TaskRegistry is the part of the task store used on submission
type TaskRegistry interface {
	AddTask(d model.TaskDescriptor) string
}

// JobStarter launches background polling for a submitted job
type JobStarter interface {
	Start(ctx context.Context, job poller.Job)
}

// MediaRemover deletes archived media of removed history items
type MediaRemover interface {
	Remove(ctx context.Context, publicURL string) error
}

// Option configures a GenerationService
type Option func(*GenerationService)

// WithMediaRemover deletes archived copies together with history items
func WithMediaRemover(r MediaRemover) Option {
	return func(s *GenerationService) { s.media = r }
}

// GenerationService submits generation jobs and owns the history passthrough
type GenerationService struct {
	provider client.Provider
	tasks    TaskRegistry
	history  history.Store
	poller   JobStarter
	media    MediaRemover
	// pollers outlive the request that started them
	baseCtx context.Context
	log     *logrus.Entry
}

func NewGenerationService(baseCtx context.Context, provider client.Provider, tasks TaskRegistry, historyStore history.Store, jobs JobStarter, opts ...Option) *GenerationService {
	s := &GenerationService{
		provider: provider,
		tasks:    tasks,
		history:  historyStore,
		poller:   jobs,
		baseCtx:  baseCtx,
		log:      logger.For("generation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start submits a job to the provider, registers a pending task and starts
// polling. A submission error is returned as is and no task is created.
func (s *GenerationService) Start(ctx context.Context, userID string, req *model.GenerationRequest) (*model.GenerationStartResponse, error) {
	progress := "Submitted"
	onProgress := func(status string, _ int, _ []string) {
		if status == client.StatusInQueue {
			progress = "In queue"
		}
	}

	resp, err := s.provider.Submit(ctx, req.ModelID, req.APIKey, req.Payload, onProgress, req.Type)
	if err != nil {
		return nil, err
	}

	taskID := s.tasks.AddTask(model.TaskDescriptor{
		Type:      req.Type,
		Progress:  progress,
		Params:    req.Payload,
		UserID:    userID,
		ModelID:   req.ModelID,
		RequestID: resp.RequestID,
	})

	s.poller.Start(s.baseCtx, poller.Job{
		TaskID:    taskID,
		ModelID:   req.ModelID,
		RequestID: resp.RequestID,
		APIKey:    req.APIKey,
		UserID:    userID,
		Type:      req.Type,
		Params:    req.Payload,
	})

	s.log.WithFields(logrus.Fields{
		"task_id":    taskID,
		"request_id": resp.RequestID,
		"model_id":   req.ModelID,
		"type":       req.Type,
	}).Info("generation submitted")

	return &model.GenerationStartResponse{
		TaskID:    taskID,
		RequestID: resp.RequestID,
		Status:    model.TaskStatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// ResumePending restarts polling for tasks restored from a snapshot.
// Request-scoped API keys are not persisted, so resumed jobs use the
// configured provider key.
func (s *GenerationService) ResumePending(tasks []model.Task) int {
	resumed := 0
	for _, task := range tasks {
		if task.Status != model.TaskStatusPending || task.RequestID == "" {
			continue
		}
		s.poller.Start(s.baseCtx, poller.Job{
			TaskID:    task.ID,
			ModelID:   task.ModelID,
			RequestID: task.RequestID,
			UserID:    task.UserID,
			Type:      task.Type,
			Params:    task.Params,
		})
		resumed++
	}
	if resumed > 0 {
		s.log.Infof("resumed polling for %d pending tasks", resumed)
	}
	return resumed
}

// ListHistory returns a user's history, newest first
func (s *GenerationService) ListHistory(ctx context.Context, userID string) (*model.HistoryListResponse, error) {
	items, err := s.history.GetAllItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return &model.HistoryListResponse{Items: items, Count: len(items)}, nil
}

// DeleteHistoryItem removes one item owned by the user
func (s *GenerationService) DeleteHistoryItem(ctx context.Context, userID, itemID string) error {
	items, err := s.history.GetAllItems(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	for _, item := range items {
		if item.ID != itemID {
			continue
		}
		if err := s.history.RemoveItem(ctx, itemID); err != nil {
			return err
		}
		s.removeMedia(ctx, item)
		return nil
	}
	return history.ErrNotFound
}

// ClearHistory removes every history item of the user
func (s *GenerationService) ClearHistory(ctx context.Context, userID string) error {
	var items []model.HistoryItem
	if s.media != nil {
		var err error
		if items, err = s.history.GetAllItems(ctx, userID); err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
	}
	if err := s.history.ClearAll(ctx, userID); err != nil {
		return err
	}
	for _, item := range items {
		s.removeMedia(ctx, item)
	}
	return nil
}

// removeMedia deletes archived copies referenced by item. Failures are logged.
func (s *GenerationService) removeMedia(ctx context.Context, item model.HistoryItem) {
	if s.media == nil {
		return
	}
	for _, key := range []string{model.ContentImageURL, model.ContentVideoURL, model.ContentAudioURL} {
		url, ok := item.Content[key].(string)
		if !ok || url == "" {
			continue
		}
		if err := s.media.Remove(ctx, url); err != nil {
			s.log.WithError(err).WithField("item_id", item.ID).Warn("failed to delete archived media")
		}
	}
}
