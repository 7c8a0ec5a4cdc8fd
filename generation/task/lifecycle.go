package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/types"
)

// Store is the persistence the Manager needs. Mutate must apply fn to the
// current stored task atomically with respect to other Mutate calls on the
// same id; when fn returns ErrNoChange nothing is written.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Mutate(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
}

// Policy tunes how media presence and the provider's status token interact.
type Policy struct {
	// ForceSuccessOnMedia finalizes a task as soon as media is extracted,
	// whatever the status token says.
	ForceSuccessOnMedia bool `json:"force_success_on_media" yaml:"force_success_on_media" env:"FORCE_SUCCESS_ON_MEDIA"`
	// HoldSuccessWithoutMedia keeps a task processing when the provider
	// reports success before its media is visible.
	HoldSuccessWithoutMedia bool `json:"hold_success_without_media" yaml:"hold_success_without_media" env:"HOLD_SUCCESS_WITHOUT_MEDIA"`
}

// DefaultPolicy enables both behaviours.
func DefaultPolicy() Policy {
	return Policy{ForceSuccessOnMedia: true, HoldSuccessWithoutMedia: true}
}

// Transition describes the effect of one lifecycle call.
type Transition struct {
	From    Status
	To      Status
	Changed bool
}

// Spec carries the fields fixed at creation.
type Spec struct {
	UserID            string
	Provider          string
	Model             string
	MediaKind         extract.MediaKind
	Scene             string
	Prompt            string
	ReferenceImages   []string
	RequestParameters map[string]any
	CostUnits         int64
}

// Manager owns every status change of a task.
type Manager struct {
	store  Store
	policy Policy
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator sets the task id generator.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a lifecycle manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		policy: DefaultPolicy(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "task_lifecycle"))
	return m
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy { return m.policy }

// Get loads a task.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.store.Get(ctx, id)
}

// Create stores a new pending task without an external id.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Task, error) {
	now := m.now().UTC()
	t := &Task{
		ID:                m.newID(),
		UserID:            spec.UserID,
		Provider:          spec.Provider,
		Model:             spec.Model,
		MediaKind:         spec.MediaKind,
		Scene:             spec.Scene,
		Prompt:            spec.Prompt,
		ReferenceImages:   append([]string(nil), spec.ReferenceImages...),
		RequestParameters: spec.RequestParameters,
		Status:            StatusPending,
		CostUnits:         spec.CostUnits,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.logger.Debug("task created",
		zap.String("task_id", t.ID),
		zap.String("provider", t.Provider),
		zap.String("model", t.Model))
	return t, nil
}

// OnSubmitted records the provider job id and the submission response. The
// task moves to processing unless the response says the job is still queued.
func (m *Manager) OnSubmitted(ctx context.Context, id, externalID string, raw []byte) (*Task, Transition, error) {
	var tr Transition
	v, _ := extract.Parse(raw)
	out, err := m.store.Mutate(ctx, id, func(t *Task) error {
		tr = Transition{From: t.Status, To: t.Status}
		if t.IsTerminal() {
			return ErrNoChange
		}
		if t.ExternalID != "" && t.ExternalID != externalID {
			m.logger.Warn("external id already set",
				zap.String("task_id", id),
				zap.String("stored", t.ExternalID),
				zap.String("received", externalID))
			return ErrNoChange
		}
		now := m.now().UTC()
		t.ExternalID = externalID
		if t.SubmittedAt == nil {
			t.SubmittedAt = &now
		}
		next, media, obs := m.evaluate(t, v, raw)
		if next == StatusPending && !(obs.Reported && obs.Status == StatusPending) {
			next = StatusProcessing
		}
		m.apply(t, next, media, obs, raw, now)
		tr.To = t.Status
		tr.Changed = tr.From != tr.To
		return nil
	})
	if err != nil {
		return nil, Transition{}, fmt.Errorf("record submission: %w", err)
	}
	return out, tr, nil
}

// OnSubmitFailed moves a task straight to failed and captures the error in
// the raw payload.
func (m *Manager) OnSubmitFailed(ctx context.Context, id string, cause error) (*Task, Transition, error) {
	msg := "submission failed"
	if cause != nil {
		msg = cause.Error()
		if e, ok := types.AsError(cause); ok && e.Message != "" {
			msg = e.Message
		}
	}
	var tr Transition
	out, err := m.store.Mutate(ctx, id, func(t *Task) error {
		tr = Transition{From: t.Status, To: t.Status}
		if t.IsTerminal() {
			return ErrNoChange
		}
		now := m.now().UTC()
		raw, _ := json.Marshal(map[string]string{"error": msg, "at": now.Format(time.RFC3339)})
		t.RawProviderPayload = raw
		t.Status = StatusFailed
		t.ErrorMessage = msg
		t.CompletedAt = &now
		t.UpdatedAt = now
		tr.To, tr.Changed = StatusFailed, true
		return nil
	})
	if err != nil {
		return nil, Transition{}, fmt.Errorf("record submission failure: %w", err)
	}
	m.logger.Info("task failed at submission", zap.String("task_id", id), zap.String("error", msg))
	return out, tr, nil
}

// OnPolled reconciles a status response. Terminal tasks are never touched
// and a task never moves back to a lower-ranked status.
func (m *Manager) OnPolled(ctx context.Context, id string, raw []byte) (*Task, Transition, error) {
	v, err := extract.Parse(raw)
	if err != nil {
		return nil, Transition{}, types.NewError(types.ErrPollTransient, "provider response is not valid JSON").WithCause(err)
	}
	var tr Transition
	out, err := m.store.Mutate(ctx, id, func(t *Task) error {
		tr = Transition{From: t.Status, To: t.Status}
		if t.IsTerminal() {
			return ErrNoChange
		}
		next, media, obs := m.evaluate(t, v, raw)
		if next == t.Status && bytes.Equal(raw, t.RawProviderPayload) && media.Len() == t.ResultMedia.Len() {
			return ErrNoChange
		}
		m.apply(t, next, media, obs, raw, m.now().UTC())
		tr.To = t.Status
		tr.Changed = tr.From != tr.To
		return nil
	})
	if err != nil {
		return nil, Transition{}, fmt.Errorf("reconcile poll: %w", err)
	}
	if tr.Changed {
		m.logger.Info("task transitioned",
			zap.String("task_id", id),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)))
	}
	return out, tr, nil
}

// evaluate derives the next status and the merged media for t.
func (m *Manager) evaluate(t *Task, v extract.Value, raw []byte) (Status, extract.Result, Observation) {
	obs := Observe(v)
	found := withoutReferences(extract.ExtractJSON(raw, t.MediaKind), t.ReferenceImages)
	media := mergeMedia(t.ResultMedia, found)

	var next Status
	switch {
	case !found.Empty() && m.policy.ForceSuccessOnMedia:
		next = StatusSuccess
	case obs.Status == StatusSuccess:
		if media.Empty() && m.policy.HoldSuccessWithoutMedia {
			next = StatusProcessing
		} else {
			next = StatusSuccess
		}
	default:
		next = obs.Status
	}
	if next.Rank() < t.Status.Rank() {
		next = t.Status
	}
	return next, media, obs
}

func (m *Manager) apply(t *Task, next Status, media extract.Result, obs Observation, raw []byte, now time.Time) {
	t.RawProviderPayload = append(json.RawMessage(nil), raw...)
	t.ResultMedia = media
	t.Status = next
	t.UpdatedAt = now
	if next == StatusFailed && obs.ErrorMessage != "" {
		t.ErrorMessage = obs.ErrorMessage
	}
	if next.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
}

// ReplaceMedia swaps result URLs of a successful task, typically for
// persisted copies. It never changes the status.
func (m *Manager) ReplaceMedia(ctx context.Context, id string, media extract.Result) (*Task, error) {
	return m.store.Mutate(ctx, id, func(t *Task) error {
		if t.Status != StatusSuccess || media.Empty() {
			return ErrNoChange
		}
		t.ResultMedia = media
		t.UpdatedAt = m.now().UTC()
		return nil
	})
}

func mergeMedia(base, add extract.Result) extract.Result {
	out := extract.Result{}
	seen := make(map[string]struct{})
	push := func(dst *[]string, urls []string) {
		for _, u := range urls {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			*dst = append(*dst, u)
		}
	}
	push(&out.Images, base.Images)
	push(&out.Images, add.Images)
	push(&out.Videos, base.Videos)
	push(&out.Videos, add.Videos)
	return out
}

func withoutReferences(r extract.Result, refs []string) extract.Result {
	if len(refs) == 0 {
		return r
	}
	skip := make(map[string]struct{}, len(refs))
	for _, u := range refs {
		skip[u] = struct{}{}
	}
	keep := func(in []string) []string {
		var out []string
		for _, u := range in {
			if _, ok := skip[u]; !ok {
				out = append(out, u)
			}
		}
		return out
	}
	return extract.Result{Images: keep(r.Images), Videos: keep(r.Videos)}
}
