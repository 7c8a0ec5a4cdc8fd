package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/task"
)

// =============================================================================
// 🗄️ SQL 任务存储
// =============================================================================

// TaskRow is the generation_tasks table row.
type TaskRow struct {
	ID                 string     `gorm:"primaryKey;size:64"`
	ExternalID         string     `gorm:"size:191;index:idx_generation_tasks_external,priority:2"`
	Provider           string     `gorm:"size:32;not null;index:idx_generation_tasks_external,priority:1"`
	UserID             string     `gorm:"size:128;not null;index:idx_generation_tasks_user"`
	Model              string     `gorm:"size:191;not null"`
	MediaKind          string     `gorm:"size:16;not null"`
	Scene              string     `gorm:"size:64"`
	Prompt             string     `gorm:"type:text"`
	ReferenceImages    string     `gorm:"type:text"`
	RequestParameters  string     `gorm:"type:text"`
	Status             string     `gorm:"size:16;not null;index:idx_generation_tasks_status"`
	RawProviderPayload string     `gorm:"type:text"`
	ResultMedia        string     `gorm:"type:text"`
	ErrorMessage       string     `gorm:"type:text"`
	CostUnits          int64      `gorm:"not null;default:0"`
	Version            int64      `gorm:"not null;default:1"`
	CreatedAt          time.Time  `gorm:"not null;index:idx_generation_tasks_user"`
	UpdatedAt          time.Time  `gorm:"not null"`
	SubmittedAt        *time.Time
	CompletedAt        *time.Time
}

// TableName pins the table name used by the migrations.
func (TaskRow) TableName() string { return "generation_tasks" }

// GormStore persists tasks in a SQL database. Mutate is a compare-and-swap
// on the version column.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a SQL-backed store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "gorm_task_store"))}
}

// AutoMigrate creates the table from the row model. Production schemas come
// from internal/migration; this is for tests and sqlite development setups.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&TaskRow{})
}

func (s *GormStore) Create(ctx context.Context, t *task.Task) error {
	if err := validate(t); err != nil {
		return err
	}
	row, err := toRow(t)
	if err != nil {
		return err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&TaskRow{}).Where("id = ?", t.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if count > 0 {
		return ErrAlreadyExists
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var row TaskRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return fromRow(&row)
}

// Mutate reads the row, applies fn and writes back only if the version is
// unchanged, retrying on a lost race.
func (s *GormStore) Mutate(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	for attempt := 0; attempt < MaxMutateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, task.ErrNoChange) {
				return cur, nil
			}
			return nil, err
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1

		row, err := toRow(next)
		if err != nil {
			return nil, err
		}
		res := s.db.WithContext(ctx).Model(&TaskRow{}).
			Where("id = ? AND version = ?", id, cur.Version).
			Updates(rowColumns(row))
		if res.Error != nil {
			return nil, fmt.Errorf("update task: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		s.logger.Debug("task version conflict", zap.String("task_id", id), zap.Int("attempt", attempt+1))
	}
	return nil, ErrConflict
}

func (s *GormStore) GetByExternalID(ctx context.Context, provider, externalID string) (*task.Task, error) {
	var row TaskRow
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by external id: %w", err)
	}
	return fromRow(&row)
}

func (s *GormStore) ListByUser(ctx context.Context, userID string, filter task.Filter) ([]*task.Task, error) {
	q := s.db.WithContext(ctx).Model(&TaskRow{}).Where("user_id = ?", userID)
	if filter.MediaKind != "" {
		q = q.Where("media_kind = ?", string(filter.MediaKind))
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(filter.Statuses))
	}
	q = q.Order("created_at DESC").Order("id DESC")
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []TaskRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list user tasks: %w", err)
	}
	return fromRows(rows)
}

func (s *GormStore) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*task.Task, error) {
	q := s.db.WithContext(ctx).Model(&TaskRow{}).
		Where("status IN ?", statusStrings(task.ActiveStatuses)).
		Where("updated_at < ?", updatedBefore).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []TaskRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return fromRows(rows)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op: the connection pool belongs to the caller.
func (s *GormStore) Close() error { return nil }

// =============================================================================
// 行转换
// =============================================================================

func statusStrings(in []task.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func toRow(t *task.Task) (*TaskRow, error) {
	refs, err := marshalText(t.ReferenceImages)
	if err != nil {
		return nil, err
	}
	params, err := marshalText(t.RequestParameters)
	if err != nil {
		return nil, err
	}
	media, err := marshalText(t.ResultMedia)
	if err != nil {
		return nil, err
	}
	return &TaskRow{
		ID:                 t.ID,
		ExternalID:         t.ExternalID,
		Provider:           t.Provider,
		UserID:             t.UserID,
		Model:              t.Model,
		MediaKind:          string(t.MediaKind),
		Scene:              t.Scene,
		Prompt:             t.Prompt,
		ReferenceImages:    refs,
		RequestParameters:  params,
		Status:             string(t.Status),
		RawProviderPayload: string(t.RawProviderPayload),
		ResultMedia:        media,
		ErrorMessage:       t.ErrorMessage,
		CostUnits:          t.CostUnits,
		Version:            t.Version,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		SubmittedAt:        t.SubmittedAt,
		CompletedAt:        t.CompletedAt,
	}, nil
}

// rowColumns lists every mutable column so zero values are written too.
func rowColumns(r *TaskRow) map[string]any {
	return map[string]any{
		"external_id":          r.ExternalID,
		"status":               r.Status,
		"raw_provider_payload": r.RawProviderPayload,
		"result_media":         r.ResultMedia,
		"error_message":        r.ErrorMessage,
		"request_parameters":   r.RequestParameters,
		"version":              r.Version,
		"updated_at":           r.UpdatedAt,
		"submitted_at":         r.SubmittedAt,
		"completed_at":         r.CompletedAt,
	}
}

func fromRow(r *TaskRow) (*task.Task, error) {
	t := &task.Task{
		ID:           r.ID,
		ExternalID:   r.ExternalID,
		UserID:       r.UserID,
		Provider:     r.Provider,
		Model:        r.Model,
		MediaKind:    extract.MediaKind(r.MediaKind),
		Scene:        r.Scene,
		Prompt:       r.Prompt,
		Status:       task.Status(r.Status),
		ErrorMessage: r.ErrorMessage,
		CostUnits:    r.CostUnits,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		SubmittedAt:  r.SubmittedAt,
		CompletedAt:  r.CompletedAt,
	}
	if r.RawProviderPayload != "" {
		t.RawProviderPayload = json.RawMessage(r.RawProviderPayload)
	}
	if err := unmarshalText(r.ReferenceImages, &t.ReferenceImages); err != nil {
		return nil, fmt.Errorf("decode reference_images of %s: %w", r.ID, err)
	}
	if err := unmarshalText(r.RequestParameters, &t.RequestParameters); err != nil {
		return nil, fmt.Errorf("decode request_parameters of %s: %w", r.ID, err)
	}
	if err := unmarshalText(r.ResultMedia, &t.ResultMedia); err != nil {
		return nil, fmt.Errorf("decode result_media of %s: %w", r.ID, err)
	}
	return t, nil
}

func fromRows(rows []TaskRow) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func unmarshalText(s string, dst any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
