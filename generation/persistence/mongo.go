package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/task"
)

// MongoConfig 连接配置
type MongoConfig struct {
	URI        string        `yaml:"uri" json:"uri" env:"URI"`
	Database   string        `yaml:"database" json:"database" env:"DATABASE"`
	Collection string        `yaml:"collection" json:"collection" env:"COLLECTION"`
	Username   string        `yaml:"username" json:"username" env:"USERNAME"`
	Password   string        `yaml:"password" json:"-" env:"PASSWORD"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// DefaultMongoConfig 返回默认 Mongo 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "mediaflow",
		Collection: "generation_tasks",
		Timeout:    10 * time.Second,
	}
}

// mongoTask is the stored document.
type mongoTask struct {
	ID                 string         `bson:"_id"`
	ExternalID         string         `bson:"external_id,omitempty"`
	UserID             string         `bson:"user_id"`
	Provider           string         `bson:"provider"`
	Model              string         `bson:"model"`
	MediaKind          string         `bson:"media_kind"`
	Scene              string         `bson:"scene,omitempty"`
	Prompt             string         `bson:"prompt,omitempty"`
	ReferenceImages    []string       `bson:"reference_images,omitempty"`
	RequestParameters  string         `bson:"request_parameters,omitempty"`
	Status             string         `bson:"status"`
	RawProviderPayload string         `bson:"raw_provider_payload,omitempty"`
	Images             []string       `bson:"images,omitempty"`
	Videos             []string       `bson:"videos,omitempty"`
	ErrorMessage       string         `bson:"error_message,omitempty"`
	CostUnits          int64          `bson:"cost_units"`
	Version            int64          `bson:"version"`
	CreatedAt          time.Time      `bson:"created_at"`
	UpdatedAt          time.Time      `bson:"updated_at"`
	SubmittedAt        *time.Time     `bson:"submitted_at,omitempty"`
	CompletedAt        *time.Time     `bson:"completed_at,omitempty"`
}

// MongoStore persists tasks in MongoDB. Mutate replaces the document only
// when its version still matches.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
	logger *zap.Logger
}

// NewMongoStore connects to MongoDB and ensures the indexes exist.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	if cfg.Timeout > 0 {
		opts.SetTimeout(cfg.Timeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	s := NewMongoStoreWithCollection(client.Database(cfg.Database).Collection(cfg.Collection), logger)
	s.client, s.owned = client, true
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("mongodb task store ready",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection))
	return s, nil
}

// NewMongoStoreWithCollection wraps an existing collection.
func NewMongoStoreWithCollection(coll *mongo.Collection, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{coll: coll, logger: logger.With(zap.String("component", "mongo_task_store"))}
}

// EnsureIndexes creates the lookup indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "external_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create mongodb indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, t *task.Task) error {
	if err := validate(t); err != nil {
		return err
	}
	doc, err := toDoc(t)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D) (*task.Task, error) {
	var doc mongoTask
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task: %w", err)
	}
	return fromDoc(&doc)
}

// Mutate applies fn and replaces the document filtered on the version read.
func (s *MongoStore) Mutate(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
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

		doc, err := toDoc(next)
		if err != nil {
			return nil, err
		}
		res, err := s.coll.ReplaceOne(ctx, versionFilter(id, cur.Version), doc)
		if err != nil {
			return nil, fmt.Errorf("replace task: %w", err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
		s.logger.Debug("task version conflict", zap.String("task_id", id), zap.Int("attempt", attempt+1))
	}
	return nil, ErrConflict
}

func versionFilter(id string, version int64) bson.D {
	return bson.D{{Key: "_id", Value: id}, {Key: "version", Value: version}}
}

func (s *MongoStore) GetByExternalID(ctx context.Context, provider, externalID string) (*task.Task, error) {
	return s.findOne(ctx, bson.D{{Key: "provider", Value: provider}, {Key: "external_id", Value: externalID}})
}

func (s *MongoStore) ListByUser(ctx context.Context, userID string, filter task.Filter) ([]*task.Task, error) {
	q := userFilter(userID, filter)
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return s.find(ctx, q, opts)
}

func userFilter(userID string, filter task.Filter) bson.D {
	q := bson.D{{Key: "user_id", Value: userID}}
	if filter.MediaKind != "" {
		q = append(q, bson.E{Key: "media_kind", Value: string(filter.MediaKind)})
	}
	if len(filter.Statuses) > 0 {
		q = append(q, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: statusStrings(filter.Statuses)}}})
	}
	return q
}

func (s *MongoStore) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*task.Task, error) {
	q := bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: statusStrings(task.ActiveStatuses)}}},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: updatedBefore}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, q, opts)
}

func (s *MongoStore) find(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]*task.Task, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	defer cur.Close(ctx)

	var docs []mongoTask
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	out := make([]*task.Task, 0, len(docs))
	for i := range docs {
		t, err := fromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// Close disconnects the client when the store opened it.
func (s *MongoStore) Close() error {
	if !s.owned || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDoc(t *task.Task) (*mongoTask, error) {
	params, err := marshalText(t.RequestParameters)
	if err != nil {
		return nil, err
	}
	return &mongoTask{
		ID:                 t.ID,
		ExternalID:         t.ExternalID,
		UserID:             t.UserID,
		Provider:           t.Provider,
		Model:              t.Model,
		MediaKind:          string(t.MediaKind),
		Scene:              t.Scene,
		Prompt:             t.Prompt,
		ReferenceImages:    t.ReferenceImages,
		RequestParameters:  params,
		Status:             string(t.Status),
		RawProviderPayload: string(t.RawProviderPayload),
		Images:             t.ResultMedia.Images,
		Videos:             t.ResultMedia.Videos,
		ErrorMessage:       t.ErrorMessage,
		CostUnits:          t.CostUnits,
		Version:            t.Version,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		SubmittedAt:        t.SubmittedAt,
		CompletedAt:        t.CompletedAt,
	}, nil
}

func fromDoc(d *mongoTask) (*task.Task, error) {
	t := &task.Task{
		ID:                d.ID,
		ExternalID:        d.ExternalID,
		UserID:            d.UserID,
		Provider:          d.Provider,
		Model:             d.Model,
		MediaKind:         extract.MediaKind(d.MediaKind),
		Scene:             d.Scene,
		Prompt:            d.Prompt,
		ReferenceImages:   d.ReferenceImages,
		Status:            task.Status(d.Status),
		ResultMedia:       extract.Result{Images: d.Images, Videos: d.Videos},
		ErrorMessage:      d.ErrorMessage,
		CostUnits:         d.CostUnits,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		SubmittedAt:       d.SubmittedAt,
		CompletedAt:       d.CompletedAt,
	}
	if d.RawProviderPayload != "" {
		t.RawProviderPayload = json.RawMessage(d.RawProviderPayload)
	}
	if err := unmarshalText(d.RequestParameters, &t.RequestParameters); err != nil {
		return nil, fmt.Errorf("decode request_parameters of %s: %w", d.ID, err)
	}
	return t, nil
}
