package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/task"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*GormStore)(nil)
	_ Store = (*MongoStore)(nil)
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newTask(id, user string, kind extract.MediaKind, created time.Time) *task.Task {
	return &task.Task{
		ID:                id,
		UserID:            user,
		Provider:          "kie",
		Model:             "veo3_fast",
		MediaKind:         kind,
		Scene:             "text-to-video",
		Prompt:            "sunset",
		ReferenceImages:   []string{"https://cdn.x/ref.png"},
		RequestParameters: map[string]any{"prompt": "sunset", "aspectRatio": "16:9"},
		Status:            task.StatusPending,
		CostUnits:         10,
		Version:           1,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func newMiniredisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:", nil)
}

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 单连接保证所有操作落在同一个内存库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewGormStore(db, nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis":  newMiniredisStore,
		"gorm":   newSQLiteStore,
	}
}

func TestStores(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
			t.Run("Mutate", func(t *testing.T) { testMutate(t, factory(t)) })
			t.Run("ExternalID", func(t *testing.T) { testExternalID(t, factory(t)) })
			t.Run("ListByUser", func(t *testing.T) { testListByUser(t, factory(t)) })
			t.Run("ListActive", func(t *testing.T) { testListActive(t, factory(t)) })
			t.Run("ConcurrentMutate", func(t *testing.T) { testConcurrentMutate(t, factory(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	in := newTask("t1", "u1", extract.MediaVideo, epoch)
	require.NoError(t, s.Create(ctx, in))
	assert.ErrorIs(t, s.Create(ctx, in), ErrAlreadyExists)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, extract.MediaVideo, got.MediaKind)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, []string{"https://cdn.x/ref.png"}, got.ReferenceImages)
	assert.Equal(t, "16:9", got.RequestParameters["aspectRatio"])
	assert.Equal(t, int64(10), got.CostUnits)
	assert.True(t, got.CreatedAt.Equal(epoch))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Create(ctx, &task.Task{}), ErrInvalidInput)
}

func testMutate(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "u1", extract.MediaImage, epoch)))

	out, err := s.Mutate(ctx, "t1", func(tk *task.Task) error {
		tk.Status = task.StatusSuccess
		tk.RawProviderPayload = []byte(`{"status":"success"}`)
		tk.ResultMedia = extract.Result{Images: []string{"https://cdn.x/1.png"}}
		done := epoch.Add(time.Minute)
		tk.CompletedAt = &done
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Version)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, []string{"https://cdn.x/1.png"}, got.ResultMedia.Images)
	assert.JSONEq(t, `{"status":"success"}`, string(got.RawProviderPayload))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(2), got.Version)

	// ErrNoChange 不写入
	same, err := s.Mutate(ctx, "t1", func(*task.Task) error { return task.ErrNoChange })
	require.NoError(t, err)
	assert.Equal(t, int64(2), same.Version)

	boom := errors.New("boom")
	_, err = s.Mutate(ctx, "t1", func(*task.Task) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = s.Mutate(ctx, "missing", func(*task.Task) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func testExternalID(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "u1", extract.MediaVideo, epoch)))

	_, err := s.GetByExternalID(ctx, "kie", "job-9")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Mutate(ctx, "t1", func(tk *task.Task) error {
		tk.ExternalID = "job-9"
		tk.Status = task.StatusProcessing
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetByExternalID(ctx, "kie", "job-9")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	_, err = s.GetByExternalID(ctx, "wavespeed", "job-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testListByUser(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		kind := extract.MediaImage
		if i%2 == 1 {
			kind = extract.MediaVideo
		}
		require.NoError(t, s.Create(ctx, newTask(fmt.Sprintf("t%d", i), "u1", kind, epoch.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Create(ctx, newTask("other", "u2", extract.MediaImage, epoch)))

	all, err := s.ListByUser(ctx, "u1", task.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "t4", all[0].ID)
	assert.Equal(t, "t0", all[4].ID)

	paged, err := s.ListByUser(ctx, "u1", task.Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "t3", paged[0].ID)
	assert.Equal(t, "t2", paged[1].ID)

	videos, err := s.ListByUser(ctx, "u1", task.Filter{MediaKind: extract.MediaVideo})
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, "t3", videos[0].ID)

	none, err := s.ListByUser(ctx, "nobody", task.Filter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListActive(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("old", "u1", extract.MediaImage, epoch)))
	require.NoError(t, s.Create(ctx, newTask("new", "u1", extract.MediaImage, epoch.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, newTask("done", "u1", extract.MediaImage, epoch)))
	_, err := s.Mutate(ctx, "done", func(tk *task.Task) error {
		tk.Status = task.StatusFailed
		return nil
	})
	require.NoError(t, err)

	active, err := s.ListActive(ctx, epoch.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "old", active[0].ID)

	active, err = s.ListActive(ctx, epoch.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "old", active[0].ID)
}

func testConcurrentMutate(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "u1", extract.MediaImage, epoch)))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, "t1", func(tk *task.Task) error {
				tk.CostUnits++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(10+writers), got.CostUnits)
	assert.Equal(t, int64(1+writers), got.Version)
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, Config{}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(ctx, Config{Type: StoreTypeRedis}, Deps{})
	assert.Error(t, err)

	_, err = NewStore(ctx, Config{Type: StoreTypeDatabase}, Deps{})
	assert.Error(t, err)

	_, err = NewStore(ctx, Config{Type: "etcd"}, Deps{})
	assert.Error(t, err)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
	assert.ErrorIs(t, s.Create(context.Background(), newTask("t", "u", extract.MediaImage, epoch)), ErrStoreClosed)
}

func TestMongoDocumentMapping(t *testing.T) {
	in := newTask("t1", "u1", extract.MediaVideo, epoch)
	in.RawProviderPayload = []byte(`{"data":{"state":"success"}}`)
	in.ResultMedia = extract.Result{Videos: []string{"https://cdn.x/v.mp4"}}

	doc, err := toDoc(in)
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.ID)
	assert.Equal(t, []string{"https://cdn.x/v.mp4"}, doc.Videos)

	out, err := fromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, in.RequestParameters, out.RequestParameters)
	assert.Equal(t, in.ResultMedia, out.ResultMedia)
	assert.JSONEq(t, string(in.RawProviderPayload), string(out.RawProviderPayload))

	f := userFilter("u1", task.Filter{MediaKind: extract.MediaImage, Statuses: task.ActiveStatuses})
	require.Len(t, f, 3)
	assert.Equal(t, "media_kind", f[1].Key)
	assert.Equal(t, int64(4), versionFilter("t1", 4)[1].Value)
}
