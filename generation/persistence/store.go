package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/mediaflow/generation/task"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	// ErrConflict means a mutation lost the optimistic race too many times.
	ErrConflict = errors.New("concurrent modification")
)

// StoreType names a task store backend.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
	StoreTypeMongoDB  StoreType = "mongodb"
)

// MaxMutateAttempts bounds optimistic retries of Mutate.
const MaxMutateAttempts = 10

// Store persists generation tasks. Tasks are never deleted.
type Store interface {
	task.Store

	// GetByExternalID looks a task up by its provider job id.
	GetByExternalID(ctx context.Context, provider, externalID string) (*task.Task, error)

	// ListByUser returns the user's tasks, newest first.
	ListByUser(ctx context.Context, userID string, filter task.Filter) ([]*task.Task, error)

	// ListActive returns non-terminal tasks last updated before the given
	// instant, oldest update first.
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*task.Task, error)

	Ping(ctx context.Context) error
	Close() error
}

func validate(t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	return nil
}

// page applies offset and limit to a slice already in order.
func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
