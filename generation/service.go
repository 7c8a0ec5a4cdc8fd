package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/admission"
	"github.com/BaSui01/mediaflow/generation/catalog"
	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/mediastore"
	"github.com/BaSui01/mediaflow/generation/params"
	"github.com/BaSui01/mediaflow/generation/persistence"
	"github.com/BaSui01/mediaflow/generation/poll"
	"github.com/BaSui01/mediaflow/generation/provider"
	"github.com/BaSui01/mediaflow/generation/task"
	"github.com/BaSui01/mediaflow/types"
)

const instrumentationName = "github.com/BaSui01/mediaflow/generation"

// Submission results reported to the Recorder.
const (
	SubmitAccepted = "accepted"
	SubmitRejected = "rejected"
	SubmitBlocked  = "blocked"
	SubmitFailed   = "failed"
)

// Moderator screens prompts before they are charged.
type Moderator interface {
	Check(ctx context.Context, text string) error
}

// MediaPersister copies provider media to durable storage.
type MediaPersister interface {
	Persist(ctx context.Context, taskID, provider string, urls []string, kind extract.MediaKind) mediastore.Result
}

// Uploader stores user reference images.
type Uploader interface {
	Upload(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64) (string, error)
}

// Previewer is implemented by adapters that shape their own request body.
// The previewed body is what gets stored as the task's request parameters.
type Previewer interface {
	Preview(req provider.SubmitRequest) (map[string]any, error)
}

// Recorder receives service level metrics.
type Recorder interface {
	RecordSubmission(provider, model, mediaKind, result string)
	RecordTransition(provider, from, to string)
	RecordChargedFailure(provider, stage string, cost int64)
	RecordMediaPersistence(persisted, skipped, failed int)
}

// SubmitRequest is a provider-neutral generation request.
type SubmitRequest struct {
	UserID             string            `json:"-" validate:"required"`
	Provider           string            `json:"provider" validate:"required"`
	Model              string            `json:"model" validate:"required,max=200"`
	MediaKind          extract.MediaKind `json:"mediaKind,omitempty" validate:"omitempty,oneof=image video"`
	Scene              string            `json:"scene,omitempty" validate:"omitempty,oneof=text-to-image image-to-image text-to-video image-to-video"`
	Prompt             string            `json:"prompt" validate:"max=8000"`
	Options            params.Options    `json:"options,omitempty"`
	ReferenceImageURLs []string          `json:"referenceImageUrls,omitempty" validate:"max=10,dive,url"`
}

// Kind returns the requested media kind, inferred from the scene and model
// when not given.
func (r SubmitRequest) Kind() extract.MediaKind {
	if r.MediaKind != "" {
		return r.MediaKind
	}
	if strings.Contains(strings.ToLower(r.Scene), "video") || strings.Contains(strings.ToLower(r.Model), "video") {
		return extract.MediaVideo
	}
	return extract.MediaImage
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	InternalTaskID string      `json:"internalTaskId"`
	ExternalTaskID string      `json:"externalTaskId,omitempty"`
	Status         task.Status `json:"status"`
	CostUnits      int64       `json:"costUnits"`
	Model          string      `json:"model,omitempty"`
	ErrorMessage   string      `json:"errorMessage,omitempty"`
}

// Deps are the collaborators of a Service. Moderator, Media, Uploader,
// Engine and Recorder are optional.
type Deps struct {
	Registry  *provider.Registry
	Resolver  *catalog.Resolver
	Manager   *task.Manager
	Store     persistence.Store
	Gate      *admission.Gate
	Prices    admission.PriceTable
	Moderator Moderator
	Media     MediaPersister
	Uploader  Uploader
	Engine    *poll.Engine
	Recorder  Recorder
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Service orchestrates submission, reconciliation and queries.
type Service struct {
	registry  *provider.Registry
	resolver  *catalog.Resolver
	manager   *task.Manager
	store     persistence.Store
	gate      *admission.Gate
	prices    atomic.Pointer[admission.PriceTable]
	moderator Moderator
	media     MediaPersister
	uploader  Uploader
	engine    *poll.Engine
	recorder  Recorder
	validate  *validator.Validate
	tracer    trace.Tracer
	charged   metric.Int64Counter
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires a Service.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("generation: provider registry is required")
	case deps.Resolver == nil:
		return nil, errors.New("generation: resolver is required")
	case deps.Manager == nil:
		return nil, errors.New("generation: task manager is required")
	case deps.Store == nil:
		return nil, errors.New("generation: task store is required")
	case deps.Gate == nil:
		return nil, errors.New("generation: admission gate is required")
	}
	if deps.Prices.Image == nil && deps.Prices.Video == nil {
		deps.Prices = admission.DefaultPriceTable()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Engine == nil {
		deps.Engine = poll.NewEngine(poll.DefaultPolicy(), poll.WithLogger(logger))
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	charged, err := otel.Meter(instrumentationName).Int64Counter("mediaflow.generation.charged_credits",
		metric.WithDescription("Credits charged for submissions that created a task"),
		metric.WithUnit("{credit}"))
	if err != nil {
		return nil, fmt.Errorf("generation: create charged credits counter: %w", err)
	}
	s := &Service{
		registry:  deps.Registry,
		resolver:  deps.Resolver,
		manager:   deps.Manager,
		store:     deps.Store,
		gate:      deps.Gate,
		moderator: deps.Moderator,
		media:     deps.Media,
		uploader:  deps.Uploader,
		engine:    deps.Engine,
		recorder:  deps.Recorder,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		tracer:    otel.Tracer(instrumentationName),
		charged:   charged,
		logger:    logger.With(zap.String("component", "generation")),
		now:       deps.Clock,
	}
	s.prices.Store(&deps.Prices)
	return s, nil
}

// SetPrices swaps the price table. Requests already past pricing keep
// the cost they were charged.
func (s *Service) SetPrices(prices admission.PriceTable) {
	s.prices.Store(&prices)
	s.logger.Info("price table updated",
		zap.Int("image_models", len(prices.Image)),
		zap.Int("video_models", len(prices.Video)))
}

// Prices returns the active price table.
func (s *Service) Prices() admission.PriceTable {
	return *s.prices.Load()
}

// Submit admits, charges and submits a request. When the provider rejects
// the job the task is already stored as failed; the returned result then
// carries its id alongside the error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "generation.submit", trace.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
		attribute.String("user.id", req.UserID),
	))
	defer span.End()

	res, err := s.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if res != nil {
		span.SetAttributes(
			attribute.String("task.id", res.InternalTaskID),
			attribute.String("task.status", string(res.Status)),
			attribute.Int64("cost_units", res.CostUnits),
		)
		s.charged.Add(ctx, res.CostUnits, metric.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("status", string(res.Status)),
		))
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Model = strings.TrimSpace(req.Model)
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	kind := req.Kind()
	cost := s.prices.Load().Cost(kind, req.Model, req.Scene, len(req.ReferenceImageURLs) > 0)

	if err := s.gate.Check(ctx, req.UserID, cost); err != nil {
		s.recordSubmission(req, kind, SubmitRejected)
		return nil, err
	}
	if req.Provider == provider.NameWaveSpeed && s.moderator != nil {
		if err := s.moderator.Check(ctx, req.Prompt); err != nil {
			s.recordSubmission(req, kind, SubmitBlocked)
			return nil, err
		}
	}
	if err := s.gate.Charge(ctx, req.UserID, cost); err != nil {
		s.recordSubmission(req, kind, SubmitRejected)
		return nil, err
	}

	resolution, err := s.resolver.Resolve(ctx, req.Provider, req.Model)
	if err != nil {
		s.chargedFailure(req, "resolve", cost, err)
		s.recordSubmission(req, kind, SubmitRejected)
		return nil, err
	}
	if req.MediaKind == "" && strings.Contains(resolution.Descriptor.Type, "video") {
		kind = extract.MediaVideo
	}

	body := params.Synthesize(resolution.Descriptor, params.Request{
		Prompt:          req.Prompt,
		MediaKind:       string(kind),
		Scene:           req.Scene,
		Options:         req.Options,
		ReferenceImages: req.ReferenceImageURLs,
	})
	sreq := provider.SubmitRequest{
		Model:     resolution.ModelID,
		Params:    body,
		MediaKind: kind,
		Scene:     req.Scene,
		Prompt:    req.Prompt,
		ImageURLs: req.ReferenceImageURLs,
		Options:   req.Options,
	}
	stored := body
	if p, ok := adapter.(Previewer); ok {
		if preview, err := p.Preview(sreq); err == nil {
			stored = preview
		}
	}

	t, err := s.manager.Create(ctx, task.Spec{
		UserID:            req.UserID,
		Provider:          req.Provider,
		Model:             resolution.ModelID,
		MediaKind:         kind,
		Scene:             req.Scene,
		Prompt:            req.Prompt,
		ReferenceImages:   req.ReferenceImageURLs,
		RequestParameters: stored,
		CostUnits:         cost,
	})
	if err != nil {
		s.chargedFailure(req, "create", cost, err)
		return nil, types.NewError(types.ErrInternalError, "failed to create task").WithCause(err)
	}

	result := &SubmitResult{InternalTaskID: t.ID, Status: t.Status, CostUnits: cost, Model: resolution.ModelID}

	externalID, raw, submitErr := adapter.Submit(ctx, sreq)
	if submitErr != nil {
		failed, _, err := s.manager.OnSubmitFailed(ctx, t.ID, submitErr)
		if err != nil {
			s.logger.Error("failed to record submission failure", zap.String("task_id", t.ID), zap.Error(err))
		} else {
			result.Status = failed.Status
			result.ErrorMessage = failed.ErrorMessage
		}
		s.recordTransition(req.Provider, task.StatusPending, task.StatusFailed)
		s.chargedFailure(req, "submit", cost, submitErr)
		s.recordSubmission(req, kind, SubmitFailed)
		return result, submitErr
	}

	out, tr, err := s.manager.OnSubmitted(ctx, t.ID, externalID, raw)
	if err != nil {
		return result, types.NewError(types.ErrInternalError, "failed to record submission").WithCause(err)
	}
	if tr.Changed {
		s.recordTransition(req.Provider, tr.From, tr.To)
	}
	if tr.To == task.StatusSuccess {
		out = s.persistMedia(ctx, out)
	}

	s.recordSubmission(req, kind, SubmitAccepted)
	s.logger.Info("generation submitted",
		zap.String("task_id", out.ID),
		zap.String("external_id", externalID),
		zap.String("provider", req.Provider),
		zap.String("model", resolution.ModelID),
		zap.String("match", resolution.Method),
		zap.Int64("cost", cost))

	result.ExternalTaskID = out.ExternalID
	result.Status = out.Status
	return result, nil
}

// Upload stores a reference image and returns its URL.
func (s *Service) Upload(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64) (string, error) {
	if s.uploader == nil {
		return "", types.NewError(types.ErrUnavailable, "media storage is not configured")
	}
	if userID == "" {
		return "", types.NewError(types.ErrUnauthorized, "user is required")
	}
	return s.uploader.Upload(ctx, userID, filename, contentType, r, size)
}

func (s *Service) chargedFailure(req SubmitRequest, stage string, cost int64, cause error) {
	if cost <= 0 {
		return
	}
	s.logger.Warn("request failed after charge, no refund issued",
		zap.String("user_id", req.UserID),
		zap.String("provider", req.Provider),
		zap.String("model", req.Model),
		zap.String("stage", stage),
		zap.Int64("cost", cost),
		zap.Error(cause))
	if s.recorder != nil {
		s.recorder.RecordChargedFailure(req.Provider, stage, cost)
	}
}

func (s *Service) recordSubmission(req SubmitRequest, kind extract.MediaKind, result string) {
	if s.recorder != nil {
		s.recorder.RecordSubmission(req.Provider, req.Model, string(kind), result)
	}
}

func (s *Service) recordTransition(provider string, from, to task.Status) {
	if s.recorder != nil {
		s.recorder.RecordTransition(provider, string(from), string(to))
	}
}

func invalidRequest(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return types.NewError(types.ErrInvalidRequest, "invalid fields: "+strings.Join(fields, ", ")).WithCause(err)
	}
	return types.NewError(types.ErrInvalidRequest, "invalid request").WithCause(err)
}
