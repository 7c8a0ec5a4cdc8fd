package generation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/catalog"
	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/persistence"
	"github.com/BaSui01/mediaflow/generation/poll"
	"github.com/BaSui01/mediaflow/generation/task"
	"github.com/BaSui01/mediaflow/types"
)

// History page limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Media lists result URLs by kind.
type Media struct {
	ImageURLs []string `json:"imageUrls"`
	VideoURLs []string `json:"videoUrls"`
}

// View is the caller-facing state of a task.
type View struct {
	TaskID         string            `json:"taskId"`
	ExternalTaskID string            `json:"externalTaskId,omitempty"`
	Provider       string            `json:"provider"`
	Model          string            `json:"model"`
	MediaKind      extract.MediaKind `json:"mediaKind"`
	Scene          string            `json:"scene,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
	Status         task.Status       `json:"status"`
	ResultMedia    Media             `json:"resultMedia"`
	IsProcessing   bool              `json:"isProcessing"`
	HumanMessage   string            `json:"humanMessage"`
	CostUnits      int64             `json:"costUnits"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// NewView renders t at now.
func NewView(t *task.Task, now time.Time) View {
	return View{
		TaskID:         t.ID,
		ExternalTaskID: t.ExternalID,
		Provider:       t.Provider,
		Model:          t.Model,
		MediaKind:      t.MediaKind,
		Scene:          t.Scene,
		Prompt:         t.Prompt,
		Status:         t.Status,
		ResultMedia: Media{
			ImageURLs: nonNil(t.ResultMedia.Images),
			VideoURLs: nonNil(t.ResultMedia.Videos),
		},
		IsProcessing: !t.IsTerminal(),
		HumanMessage: task.HumanMessage(t, now),
		CostUnits:    t.CostUnits,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// Query returns the task after one reconcile step. A failed status fetch
// is logged and the stored state returned; the next query retries.
func (s *Service) Query(ctx context.Context, userID, taskID string) (View, error) {
	ctx, span := s.tracer.Start(ctx, "generation.query", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	t, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return View{}, err
	}
	if !t.IsTerminal() {
		stepped, err := s.Step(ctx, taskID)
		if err != nil {
			s.logger.Debug("reconcile step failed", zap.String("task_id", taskID), zap.Error(err))
		}
		if stepped != nil {
			t = stepped
		}
	}
	span.SetAttributes(attribute.String("task.status", string(t.Status)))
	return NewView(t, s.now()), nil
}

// Step fetches the provider status of a non-terminal task and reconciles
// it. Terminal tasks and tasks without an external id are returned as is.
// On a fetch error the stored task is returned with the error.
func (s *Service) Step(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.manager.Get(ctx, taskID)
	if err != nil {
		return nil, notFound(taskID, err)
	}
	if t.IsTerminal() || t.ExternalID == "" {
		return t, nil
	}
	adapter, err := s.registry.Get(t.Provider)
	if err != nil {
		return t, err
	}
	raw, err := adapter.FetchStatus(ctx, t.ExternalID, t.Model)
	if err != nil {
		return t, err
	}
	out, tr, err := s.manager.OnPolled(ctx, taskID, raw)
	if err != nil {
		return t, err
	}
	if !tr.Changed {
		return out, nil
	}
	s.recordTransition(out.Provider, tr.From, tr.To)
	switch tr.To {
	case task.StatusSuccess:
		out = s.persistMedia(ctx, out)
	case task.StatusFailed:
		s.chargedFailure(SubmitRequest{UserID: out.UserID, Provider: out.Provider, Model: out.Model},
			"generation", out.CostUnits, errors.New(out.ErrorMessage))
	}
	return out, nil
}

// Watch polls a task until it ends and calls fn with the view after every
// attempt. A task that is already terminal is reported once.
func (s *Service) Watch(ctx context.Context, userID, taskID string, fn func(View)) (poll.Result, error) {
	t, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return poll.Result{}, err
	}
	if t.IsTerminal() {
		fn(NewView(t, s.now()))
		outcome := poll.OutcomeSucceeded
		if t.Status == task.StatusFailed {
			outcome = poll.OutcomeFailed
		}
		return poll.Result{Outcome: outcome, Task: t}, nil
	}

	last := t
	res := s.engine.Run(ctx, taskID, s.Step,
		poll.WithMediaKind(t.MediaKind),
		poll.WithObserver(func(a poll.Attempt) {
			if a.Task != nil {
				last = a.Task
			}
			fn(NewView(last, s.now()))
		}))
	if res.Outcome == poll.OutcomeDegraded {
		return res, types.NewError(types.ErrDegraded, "provider status unavailable").WithCause(res.Err)
	}
	return res, nil
}

// History lists the user's tasks, newest first.
func (s *Service) History(ctx context.Context, userID string, filter task.Filter) ([]View, error) {
	if userID == "" {
		return nil, types.NewError(types.ErrUnauthorized, "user is required")
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultHistoryLimit
	}
	if filter.Limit > MaxHistoryLimit {
		filter.Limit = MaxHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	tasks, err := s.store.ListByUser(ctx, userID, filter)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list tasks").WithCause(err)
	}
	now := s.now()
	out := make([]View, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, NewView(t, now))
	}
	return out, nil
}

// ModelInfo describes one catalog entry.
type ModelInfo struct {
	Provider     string                `json:"provider"`
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Type         string                `json:"type,omitempty"`
	Description  string                `json:"description,omitempty"`
	Capabilities *catalog.Capabilities `json:"capabilities,omitempty"`
}

// Models lists catalog entries of one provider, or of all when provider
// is empty, filtered by media ("image"/"video") or explicit types.
func (s *Service) Models(ctx context.Context, providerName, media string, modelTypes []string) ([]ModelInfo, error) {
	names := s.resolver.Providers()
	if providerName != "" {
		names = []string{providerName}
	}
	var out []ModelInfo
	for _, name := range names {
		cat, ok := s.resolver.Catalog(name)
		if !ok {
			return nil, types.NewError(types.ErrUnknownProvider, "unknown provider: "+name)
		}
		snap, err := cat.Snapshot(ctx)
		if err != nil {
			if _, ok := types.AsError(err); ok {
				return nil, err
			}
			return nil, types.NewError(types.ErrCatalogUnavailable, "model catalog unavailable").WithProvider(name).WithCause(err)
		}
		for _, d := range snap.Models() {
			if !catalog.MatchesMedia(d, media, modelTypes) {
				continue
			}
			label := d.Name
			if label == "" {
				label = d.ModelID
			}
			out = append(out, ModelInfo{
				Provider:     name,
				ID:           d.ModelID,
				Name:         label,
				Type:         d.Type,
				Description:  d.Description,
				Capabilities: catalog.DeriveCapabilities(d),
			})
		}
	}
	return out, nil
}

func (s *Service) owned(ctx context.Context, userID, taskID string) (*task.Task, error) {
	if taskID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task id is required")
	}
	t, err := s.manager.Get(ctx, taskID)
	if err != nil {
		return nil, notFound(taskID, err)
	}
	if t.UserID != userID {
		return nil, types.NewError(types.ErrForbidden, "task belongs to another user")
	}
	return t, nil
}

func notFound(taskID string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return types.NewError(types.ErrTaskNotFound, "task not found: "+taskID)
	}
	return types.NewError(types.ErrInternalError, "failed to load task").WithCause(err)
}

// persistMedia replaces temporary provider URLs of a successful task.
// Failures keep the provider URLs and never change the status.
func (s *Service) persistMedia(ctx context.Context, t *task.Task) *task.Task {
	if s.media == nil || t.ResultMedia.Empty() {
		return t
	}
	images := s.media.Persist(ctx, t.ID, t.Provider, t.ResultMedia.Images, extract.MediaImage)
	videos := s.media.Persist(ctx, t.ID, t.Provider, t.ResultMedia.Videos, extract.MediaVideo)
	if s.recorder != nil {
		s.recorder.RecordMediaPersistence(images.Persisted+videos.Persisted,
			images.Skipped+videos.Skipped, len(images.Errors)+len(videos.Errors))
	}
	if images.Persisted+videos.Persisted == 0 {
		return t
	}
	out, err := s.manager.ReplaceMedia(ctx, t.ID, extract.Result{Images: images.URLs, Videos: videos.URLs})
	if err != nil {
		s.logger.Warn("failed to store persisted media", zap.String("task_id", t.ID), zap.Error(err))
		return t
	}
	return out
}
