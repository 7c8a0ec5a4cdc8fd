package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/task"
)

// RedisStore keeps tasks as JSON strings with sorted-set indexes. Mutate
// uses WATCH/MULTI so concurrent writers on one task never interleave.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed store. keyPrefix defaults to "mediaflow:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "mediaflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
		logger:    logger.With(zap.String("component", "redis_task_store")),
	}
}

func (s *RedisStore) dataKey(id string) string { return s.keyPrefix + "data:" + id }

func (s *RedisStore) externalKey(provider, externalID string) string {
	return s.keyPrefix + "ext:" + provider + ":" + externalID
}

func (s *RedisStore) userKey(userID string) string { return s.keyPrefix + "user:" + userID }

func (s *RedisStore) activeKey() string { return s.keyPrefix + "active" }

func (s *RedisStore) Create(ctx context.Context, t *task.Task) error {
	if err := validate(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.dataKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writeIndexes(ctx, pipe, t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

func (s *RedisStore) writeIndexes(ctx context.Context, pipe redis.Pipeliner, t *task.Task) {
	if t.UserID != "" {
		pipe.ZAdd(ctx, s.userKey(t.UserID), redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.ID})
	}
	if t.ExternalID != "" {
		pipe.Set(ctx, s.externalKey(t.Provider, t.ExternalID), t.ID, 0)
	}
	if t.IsTerminal() {
		pipe.ZRem(ctx, s.activeKey(), t.ID)
	} else {
		pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(t.UpdatedAt.UnixNano()), Member: t.ID})
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*task.Task, error) {
	data, err := c.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// Mutate runs fn inside a WATCH on the task key and retries when another
// writer commits first.
func (s *RedisStore) Mutate(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	key := s.dataKey(id)
	var result *task.Task

	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, task.ErrNoChange) {
				result = cur
				return nil
			}
			return err
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.writeIndexes(ctx, pipe, next)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < MaxMutateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("task mutate retry", zap.String("task_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

func (s *RedisStore) GetByExternalID(ctx context.Context, provider, externalID string) (*task.Task, error) {
	id, err := s.client.Get(ctx, s.externalKey(provider, externalID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get external index: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string, filter task.Filter) ([]*task.Task, error) {
	filter.UserID = userID
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list user tasks: %w", err)
	}
	tasks, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *RedisStore) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*task.Task, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(updatedBefore.UnixNano(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	tasks, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if !t.IsTerminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dataKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var t task.Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			s.logger.Warn("skip undecodable task", zap.String("task_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the client belongs to the caller.
func (s *RedisStore) Close() error { return nil }
