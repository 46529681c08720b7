package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sellerstudio/api/internal/model"
)

// ErrNotFound is returned when an item does not exist
var ErrNotFound = errors.New("history item not found")

// Store is the durable per-user record of completed generations
type Store interface {
	AddItem(ctx context.Context, userID string, item model.HistoryItem) (*model.HistoryItem, error)
	GetAllItems(ctx context.Context, userID string) ([]model.HistoryItem, error)
	RemoveItem(ctx context.Context, id string) error
	ClearAll(ctx context.Context, userID string) error
}

// prepare fills the generated fields of a new item
func prepare(userID string, item model.HistoryItem) model.HistoryItem {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.UserID = userID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Content == nil {
		item.Content = map[string]interface{}{}
	}
	return item
}

// MemoryStore keeps history in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]model.HistoryItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]model.HistoryItem)}
}

func (s *MemoryStore) AddItem(_ context.Context, userID string, item model.HistoryItem) (*model.HistoryItem, error) {
	item = prepare(userID, item)
	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()
	return &item, nil
}

func (s *MemoryStore) GetAllItems(_ context.Context, userID string) ([]model.HistoryItem, error) {
	s.mu.RLock()
	out := make([]model.HistoryItem, 0)
	for _, item := range s.items {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RemoveItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) ClearAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if item.UserID == userID {
			delete(s.items, id)
		}
	}
	return nil
}
