package events

import (
	"sync"
	"time"

	"github.com/sellerstudio/api/internal/model"
)

// Kind identifies an event type
type Kind string

const (
	KindTaskCompleted Kind = "task.completed"
	KindTaskFailed    Kind = "task.failed"
)

// Event is published when a task reaches a terminal state
type Event struct {
	Kind     Kind                   `json:"kind"`
	TaskID   string                 `json:"taskId"`
	UserID   string                 `json:"userId"`
	TaskType model.TaskType         `json:"taskType"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	At       time.Time              `json:"at"`
}

// Publisher is the write side of the bus
type Publisher interface {
	Publish(evt Event)
}

const defaultBuffer = 32

// Bus is an in-process publish/subscribe channel. Delivery is fire-and-forget
// with no replay: a subscriber only sees events published after it joined.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// Subscription receives events until Close is called
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter func(Event) bool
	bus    *Bus
	id     int
	once   sync.Once
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscriber. A nil filter receives every event.
func (b *Bus) Subscribe(filter func(Event) bool) *Subscription {
	ch := make(chan Event, defaultBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b, id: b.nextID}
	b.subs[sub.id] = sub
	b.nextID++
	return sub
}

// ForUser is a filter matching events of one user
func ForUser(userID string) func(Event) bool {
	return func(e Event) bool { return e.UserID == userID }
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Len returns the number of active subscribers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unregisters the subscription and closes its channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
