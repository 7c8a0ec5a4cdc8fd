package task

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/mediaflow/generation/extract"
)

// ErrNoChange is returned by a mutation function to leave the stored task
// untouched. Stores treat it as success and return the current task.
var ErrNoChange = errors.New("task: no change")

// Status is the canonical task status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Rank orders statuses along the lifecycle: pending < processing < terminal.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Task is one generation job. Only the Manager changes it after creation.
type Task struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id,omitempty"`
	UserID     string `json:"user_id"`

	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	MediaKind extract.MediaKind `json:"media_kind"`
	Scene     string            `json:"scene,omitempty"`
	Prompt    string            `json:"prompt,omitempty"`

	// ReferenceImages are the caller's input images. They never count as results.
	ReferenceImages   []string       `json:"reference_images,omitempty"`
	RequestParameters map[string]any `json:"request_parameters,omitempty"`

	Status             Status          `json:"status"`
	RawProviderPayload json.RawMessage `json:"raw_provider_payload,omitempty"`
	ResultMedia        extract.Result  `json:"result_media"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	CostUnits          int64           `json:"cost_units"`

	// Version increases on every stored mutation.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task reached success or failed.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ReferenceImages = append([]string(nil), t.ReferenceImages...)
	if t.RequestParameters != nil {
		// parameters are JSON shaped; a round trip gives a deep copy
		if b, err := json.Marshal(t.RequestParameters); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil {
				c.RequestParameters = m
			}
		}
	}
	c.RawProviderPayload = append(json.RawMessage(nil), t.RawProviderPayload...)
	c.ResultMedia = extract.Result{
		Images: append([]string(nil), t.ResultMedia.Images...),
		Videos: append([]string(nil), t.ResultMedia.Videos...),
	}
	if t.SubmittedAt != nil {
		v := *t.SubmittedAt
		c.SubmittedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Filter selects tasks for listing.
type Filter struct {
	UserID    string
	MediaKind extract.MediaKind
	Statuses  []Status
	// UpdatedBefore keeps tasks not touched since the given instant.
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// Matches reports whether t satisfies every set field of f.
func (f Filter) Matches(t *Task) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.MediaKind != "" && t.MediaKind != f.MediaKind {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}
