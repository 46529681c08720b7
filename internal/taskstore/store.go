package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
)

// ChangeKind describes what kind of mutation happened
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeUpdated  ChangeKind = "updated"
	ChangeRemoved  ChangeKind = "removed"
	ChangeCleared  ChangeKind = "cleared"
	ChangeRestored ChangeKind = "restored"
)

// Change is delivered to subscribers after every mutation
type Change struct {
	Kind   ChangeKind
	TaskID string
	UserID string
	Status model.TaskStatus
}

const subscriberBuffer = 64

// Store is the registry of in-flight and recently finished generation tasks.
// All operations are total: unknown ids are ignored, nothing returns an error.
type Store struct {
	mu    sync.RWMutex
	order []string // insertion order, oldest first
	tasks map[string]*model.Task

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int

	persister Persister
	dirty     chan struct{}
	log       *logrus.Entry
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithPersister enables snapshot persistence
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger overrides the store logger
func WithLogger(l *logrus.Entry) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source used for task timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		tasks: make(map[string]*model.Task),
		subs:  make(map[int]chan Change),
		dirty: make(chan struct{}, 1),
		log:   logger.For("taskstore"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask inserts a new pending task and returns its id
func (s *Store) AddTask(d model.TaskDescriptor) string {
	task := &model.Task{
		ID:        uuid.New().String(),
		Type:      d.Type,
		Status:    model.TaskStatusPending,
		Progress:  d.Progress,
		Params:    d.Params,
		Timestamp: s.now().UnixMilli(),
		UserID:    d.UserID,
		ModelID:   d.ModelID,
		RequestID: d.RequestID,
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeAdded, TaskID: task.ID, UserID: task.UserID, Status: task.Status})
	return task.ID
}

// UpdateTaskStatus moves a task to status, overwriting progress and error.
// An empty progress keeps the previous text. It returns false when the task
// is unknown or already terminal.
func (s *Store) UpdateTaskStatus(id string, status model.TaskStatus, progress, errMsg string) bool {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || task.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	task.Status = status
	if progress != "" {
		task.Progress = progress
	}
	if status == model.TaskStatusFailed {
		task.Error = errMsg
	}
	change := Change{Kind: ChangeUpdated, TaskID: id, UserID: task.UserID, Status: status}
	s.mu.Unlock()

	s.changed(change)
	return true
}

// RemoveTask deletes a task regardless of its status
func (s *Store) RemoveTask(id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, id)
	s.order = removeID(s.order, id)
	change := Change{Kind: ChangeRemoved, TaskID: id, UserID: task.UserID, Status: task.Status}
	s.mu.Unlock()

	s.changed(change)
}

// ClearCompletedTasks removes every task that is not pending and returns
// how many were removed
func (s *Store) ClearCompletedTasks() int {
	return s.clear(func(*model.Task) bool { return true }, "")
}

// ClearCompletedTasksFor removes the non-pending tasks owned by userID
func (s *Store) ClearCompletedTasksFor(userID string) int {
	return s.clear(func(t *model.Task) bool { return t.UserID == userID }, userID)
}

func (s *Store) clear(match func(*model.Task) bool, userID string) int {
	s.mu.Lock()
	kept := s.order[:0:0]
	removed := 0
	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status != model.TaskStatusPending && match(task) {
			delete(s.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	if removed > 0 {
		s.changed(Change{Kind: ChangeCleared, UserID: userID})
	}
	return removed
}

// Get returns a copy of the task
func (s *Store) Get(id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *task, true
}

// Exists reports whether the task is still registered
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	_, ok := s.tasks[id]
	s.mu.RUnlock()
	return ok
}

// List returns all tasks, newest first
func (s *Store) List() []model.Task {
	return s.list(func(*model.Task) bool { return true })
}

// ListFor returns the tasks of one user, newest first
func (s *Store) ListFor(userID string) []model.Task {
	return s.list(func(t *model.Task) bool { return t.UserID == userID })
}

func (s *Store) list(match func(*model.Task) bool) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		task := s.tasks[s.order[i]]
		if match(task) {
			out = append(out, *task)
		}
	}
	return out
}

// Len returns the number of registered tasks
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Subscribe registers for change notifications. Delivery is non-blocking:
// a subscriber that falls more than the buffer behind misses changes.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) changed(c Change) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.log.WithField("task_id", c.TaskID).Debug("Subscriber buffer full, dropping change")
		}
	}
	s.subMu.Unlock()

	if s.persister != nil {
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// snapshot returns the tasks in insertion order
func (s *Store) snapshot() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Restore replaces the store content with the persisted snapshot and returns
// the tasks that were still pending.
func (s *Store) Restore(ctx context.Context) ([]model.Task, error) {
	if s.persister == nil {
		return nil, nil
	}
	tasks, err := s.persister.Load(ctx)
	if err != nil {
		return nil, err
	}

	var pending []model.Task
	s.mu.Lock()
	s.tasks = make(map[string]*model.Task, len(tasks))
	s.order = s.order[:0]
	for i := range tasks {
		task := tasks[i]
		if _, dup := s.tasks[task.ID]; dup || task.ID == "" {
			continue
		}
		s.tasks[task.ID] = &task
		s.order = append(s.order, task.ID)
		if task.Status == model.TaskStatusPending {
			pending = append(pending, task)
		}
	}
	s.mu.Unlock()

	s.changed(Change{Kind: ChangeRestored})
	return pending, nil
}

// Run writes snapshots to the persister whenever the store changed, until
// ctx is done. A final snapshot is flushed on exit.
func (s *Store) Run(ctx context.Context) {
	if s.persister == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flush(flushCtx)
			cancel()
			return
		case <-s.dirty:
			s.flush(ctx)
		}
	}
}

func (s *Store) flush(ctx context.Context) {
	if err := s.persister.Save(ctx, s.snapshot()); err != nil {
		s.log.WithError(err).Warn("Failed to persist task snapshot")
	}
}
