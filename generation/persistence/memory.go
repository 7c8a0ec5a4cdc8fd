package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/mediaflow/generation/task"
)

// MemoryStore keeps tasks in process memory. Suitable for development and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*task.Task
	external map[string]string
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*task.Task),
		external: make(map[string]string),
	}
}

func externalKey(provider, externalID string) string { return provider + ":" + externalID }

func (s *MemoryStore) Create(ctx context.Context, t *task.Task) error {
	if err := validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.tasks[t.ID]; ok {
		return ErrAlreadyExists
	}
	s.tasks[t.ID] = t.Clone()
	if t.ExternalID != "" {
		s.external[externalKey(t.Provider, t.ExternalID)] = t.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Mutate applies fn under the store lock.
func (s *MemoryStore) Mutate(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	cur, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, task.ErrNoChange) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	s.tasks[id] = next
	if next.ExternalID != "" {
		s.external[externalKey(next.Provider, next.ExternalID)] = id
	}
	return next.Clone(), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, provider, externalID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	id, ok := s.external[externalKey(provider, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, filter task.Filter) ([]*task.Task, error) {
	filter.UserID = userID
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*task.Task
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*task.Task, error) {
	filter := task.Filter{Statuses: task.ActiveStatuses, UpdatedBefore: updatedBefore}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*task.Task
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, 0, limit), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
