package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sellerstudio/api/internal/model"
)

// RedisStore keeps each item as a JSON value and a per-user sorted set
// (score = creation time) as the index.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient, prefix: "history"}
}

func (s *RedisStore) itemKey(id string) string {
	return fmt.Sprintf("%s:item:%s", s.prefix, id)
}

func (s *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, userID)
}

func (s *RedisStore) AddItem(ctx context.Context, userID string, item model.HistoryItem) (*model.HistoryItem, error) {
	item = prepare(userID, item)
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history item: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.itemKey(item.ID), data, 0)
	pipe.ZAdd(ctx, s.userKey(userID), redis.Z{
		Score:  float64(item.CreatedAt.UnixNano()),
		Member: item.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to save history item: %w", err)
	}
	return &item, nil
}

func (s *RedisStore) GetAllItems(ctx context.Context, userID string) ([]model.HistoryItem, error) {
	ids, err := s.redis.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	items := make([]model.HistoryItem, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history items: %w", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // index entry without a value
		}
		var item model.HistoryItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to decode history item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *RedisStore) RemoveItem(ctx context.Context, id string) error {
	data, err := s.redis.Get(ctx, s.itemKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load history item: %w", err)
	}
	var item model.HistoryItem
	if err := json.Unmarshal(data, &item); err != nil {
		return fmt.Errorf("failed to decode history item: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, s.itemKey(id))
	pipe.ZRem(ctx, s.userKey(item.UserID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove history item: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearAll(ctx context.Context, userID string) error {
	ids, err := s.redis.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.itemKey(id))
	}
	keys = append(keys, s.userKey(userID))
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
