package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sellerstudio/api/internal/client"
	"github.com/sellerstudio/api/internal/config"
	"github.com/sellerstudio/api/internal/events"
	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
)

const (
	defaultInterval = 3 * time.Second
	defaultTimeout  = 10 * time.Minute

	// TimedOutMessage is the error text recorded when the poll bound is exceeded
	TimedOutMessage = "timed out"
)

// TaskTracker is the part of the task store the poller mutates
type TaskTracker interface {
	Exists(id string) bool
	UpdateTaskStatus(id string, status model.TaskStatus, progress, errMsg string) bool
}

// HistoryWriter persists completed generations
type HistoryWriter interface {
	AddItem(ctx context.Context, userID string, item model.HistoryItem) (*model.HistoryItem, error)
}

// QueueReader queries a provider for job status and results
type QueueReader interface {
	Status(ctx context.Context, modelID, requestID, apiKey string) (*client.QueueStatus, error)
	Result(ctx context.Context, modelID, requestID, apiKey string) (map[string]interface{}, error)
}

// MediaArchiver copies a generated file into object storage
type MediaArchiver interface {
	Mirror(ctx context.Context, userID, taskID, srcURL string) (string, error)
}

// Job identifies one submitted provider request to follow
type Job struct {
	TaskID    string
	ModelID   string
	RequestID string
	APIKey    string
	UserID    string
	Type      model.TaskType
	Params    json.RawMessage
}

// Poller follows submitted jobs until they finish, fail, time out or are
// removed from the task store. Each job runs in its own goroutine.
type Poller struct {
	tasks    TaskTracker
	queue    QueueReader
	history  HistoryWriter
	events   events.Publisher
	archiver MediaArchiver
	interval time.Duration
	timeout  time.Duration
	log      *logrus.Entry
	now      func() time.Time
	wg       sync.WaitGroup
}

// Option configures a Poller
type Option func(*Poller)

// WithArchiver mirrors generated media before history is written
func WithArchiver(a MediaArchiver) Option {
	return func(p *Poller) { p.archiver = a }
}

func WithLogger(l *logrus.Entry) Option {
	return func(p *Poller) { p.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller. Zero config values fall back to 3s / 10m.
func New(cfg config.PollerConfig, tasks TaskTracker, queue QueueReader, history HistoryWriter, pub events.Publisher, opts ...Option) *Poller {
	p := &Poller{
		tasks:    tasks,
		queue:    queue,
		history:  history,
		events:   pub,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      logger.For("poller"),
		now:      time.Now,
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start follows job in the background. It returns immediately.
func (p *Poller) Start(ctx context.Context, job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, job)
	}()
}

// Wait blocks until every started job has stopped
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, job Job) {
	log := p.log.WithFields(logrus.Fields{
		"task_id":    job.TaskID,
		"request_id": job.RequestID,
		"model_id":   job.ModelID,
	})
	log.Debug("polling started")

	deadline := p.now().Add(p.timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			log.Debug("polling stopped: context cancelled")
			return
		case <-ticker.C:
		}

		attempt++
		if done := p.tick(ctx, job, deadline, attempt, log); done {
			return
		}
	}
}

// tick runs one poll iteration and reports whether polling is finished
func (p *Poller) tick(ctx context.Context, job Job, deadline time.Time, attempt int, log *logrus.Entry) bool {
	if !p.tasks.Exists(job.TaskID) {
		log.Info("task removed, polling cancelled")
		return true
	}

	if !p.now().Before(deadline) {
		p.timeOut(job, log)
		return true
	}

	qctx, cancel := p.boundedContext(ctx, deadline)
	status, err := p.queue.Status(qctx, job.ModelID, job.RequestID, job.APIKey)
	expired := qctx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	if err != nil {
		if expired {
			p.timeOut(job, log)
			return true
		}
		log.WithError(err).Warnf("status query #%d failed, retrying", attempt)
		return false
	}
	log.Debugf("status query #%d: %s", attempt, status.Status)

	// the task may have been removed while the query was in flight
	if !p.tasks.Exists(job.TaskID) {
		log.Info("task removed during status query, result discarded")
		return true
	}

	switch status.Status {
	case client.StatusCompleted:
		if status.Error != "" {
			p.fail(job, status.Error, log)
			return true
		}
		return p.complete(ctx, job, deadline, log)

	case client.StatusFailed, client.StatusError:
		msg := status.Error
		if msg == "" {
			msg = status.LastLog()
		}
		if msg == "" {
			msg = fmt.Sprintf("generation %s", status.Status)
		}
		p.fail(job, msg, log)
		return true

	default:
		p.tasks.UpdateTaskStatus(job.TaskID, model.TaskStatusPending, progressText(status), "")
		return false
	}
}

// complete fetches the result and records it. A result fetch error is
// retried on the next tick unless the deadline passed during the fetch.
func (p *Poller) complete(ctx context.Context, job Job, deadline time.Time, log *logrus.Entry) bool {
	qctx, cancel := p.boundedContext(ctx, deadline)
	result, err := p.queue.Result(qctx, job.ModelID, job.RequestID, job.APIKey)
	expired := qctx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	if err != nil {
		if expired {
			p.timeOut(job, log)
			return true
		}
		log.WithError(err).Warn("result fetch failed, retrying")
		return false
	}

	if !p.tasks.UpdateTaskStatus(job.TaskID, model.TaskStatusCompleted, "Completed", "") {
		log.Info("task no longer pending, result discarded")
		return true
	}

	content := BuildContent(job, result)
	p.mirrorMedia(ctx, job, content, log)

	item := model.HistoryItem{Type: job.Type, Content: content}
	if _, err := p.history.AddItem(ctx, job.UserID, item); err != nil {
		log.WithError(err).Error("failed to save history item")
	}

	p.events.Publish(events.Event{
		Kind:     events.KindTaskCompleted,
		TaskID:   job.TaskID,
		UserID:   job.UserID,
		TaskType: job.Type,
		Result:   content,
	})
	log.Info("generation completed")
	return true
}

// boundedContext limits a provider call to the remaining poll budget
func (p *Poller) boundedContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, deadline.Sub(p.now()))
}

// timeOut fails the task once the poll bound is exceeded, including while a
// provider call was still in flight
func (p *Poller) timeOut(job Job, log *logrus.Entry) {
	if p.tasks.UpdateTaskStatus(job.TaskID, model.TaskStatusFailed, "", TimedOutMessage) {
		log.Warnf("polling timed out after %v", p.timeout)
		p.publishFailure(job, TimedOutMessage)
	}
}

func (p *Poller) fail(job Job, msg string, log *logrus.Entry) {
	if !p.tasks.UpdateTaskStatus(job.TaskID, model.TaskStatusFailed, "", msg) {
		return
	}
	log.WithField("error", msg).Warn("generation failed")
	p.publishFailure(job, msg)
}

func (p *Poller) publishFailure(job Job, msg string) {
	p.events.Publish(events.Event{
		Kind:     events.KindTaskFailed,
		TaskID:   job.TaskID,
		UserID:   job.UserID,
		TaskType: job.Type,
		Error:    msg,
	})
}

// mirrorMedia replaces provider media URLs with archived copies. On failure
// the provider URL is kept.
func (p *Poller) mirrorMedia(ctx context.Context, job Job, content map[string]interface{}, log *logrus.Entry) {
	if p.archiver == nil {
		return
	}
	for _, key := range []string{model.ContentImageURL, model.ContentVideoURL, model.ContentAudioURL} {
		src, ok := content[key].(string)
		if !ok || src == "" {
			continue
		}
		stored, err := p.archiver.Mirror(ctx, job.UserID, job.TaskID, src)
		if err != nil {
			log.WithError(err).Warnf("failed to archive %s", key)
			continue
		}
		content[key] = stored
	}
}

func progressText(s *client.QueueStatus) string {
	var text string
	switch s.Status {
	case client.StatusInQueue:
		text = "In queue"
		if s.QueuePosition != nil {
			text = fmt.Sprintf("In queue (position %d)", *s.QueuePosition)
		}
	case client.StatusInProgress:
		text = "Generating..."
	default:
		text = s.Status
	}
	if last := s.LastLog(); last != "" {
		text += ": " + last
	}
	return text
}
