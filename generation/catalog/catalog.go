package catalog

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/mediaflow/types"
)

// DefaultTTL is how long a fetched catalog is considered fresh.
const DefaultTTL = time.Hour

// Fetcher loads the full model list of one provider.
type Fetcher interface {
	FetchModels(ctx context.Context) ([]Descriptor, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]Descriptor, error)

// FetchModels calls f.
func (f FetcherFunc) FetchModels(ctx context.Context) ([]Descriptor, error) { return f(ctx) }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// SnapshotCache is an optional second tier shared between processes.
type SnapshotCache interface {
	Load(ctx context.Context, provider string) (models []Descriptor, fetchedAt time.Time, err error)
	Store(ctx context.Context, provider string, models []Descriptor, fetchedAt time.Time, ttl time.Duration) error
}

// Observer receives cache events, typically the metrics collector.
type Observer interface {
	ObserveCatalog(provider, event string)
}

// Snapshot is an immutable view of a provider catalog.
type Snapshot struct {
	Provider  string
	FetchedAt time.Time
	byID      map[string]Descriptor
	ordered   []Descriptor
}

func newSnapshot(provider string, models []Descriptor, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		Provider:  provider,
		FetchedAt: fetchedAt,
		byID:      make(map[string]Descriptor, len(models)),
		ordered:   make([]Descriptor, 0, len(models)),
	}
	for _, m := range models {
		if _, dup := s.byID[m.ModelID]; dup {
			continue
		}
		s.byID[m.ModelID] = m
		s.ordered = append(s.ordered, m)
	}
	sort.SliceStable(s.ordered, func(i, j int) bool {
		if a, b := s.ordered[i].sortKey(), s.ordered[j].sortKey(); a != b {
			return a < b
		}
		return s.ordered[i].ModelID < s.ordered[j].ModelID
	})
	return s
}

// Get looks a model up by canonical id.
func (s *Snapshot) Get(id string) (Descriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// Models returns the models ordered by sort order then id.
func (s *Snapshot) Models() []Descriptor {
	out := make([]Descriptor, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// IDs returns the canonical ids in listing order.
func (s *Snapshot) IDs() []string {
	out := make([]string, len(s.ordered))
	for i, d := range s.ordered {
		out[i] = d.ModelID
	}
	return out
}

// Len returns the number of models.
func (s *Snapshot) Len() int { return len(s.ordered) }

// Options configures a Catalog.
type Options struct {
	TTL            time.Duration
	Clock          Clock
	Second         SnapshotCache
	Observer       Observer
	RefreshTimeout time.Duration
	Logger         *zap.Logger
}

// Catalog caches one provider's model list with a TTL. Readers always get a
// complete snapshot; a stale snapshot keeps being served while a single
// background refresh replaces it.
type Catalog struct {
	provider string
	fetcher  Fetcher
	opts     Options
	logger   *zap.Logger

	current    atomic.Pointer[Snapshot]
	refreshing atomic.Bool
	group      singleflight.Group
}

// New creates a catalog for provider.
func New(provider string, fetcher Fetcher, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		provider: provider,
		fetcher:  fetcher,
		opts:     opts,
		logger:   logger.With(zap.String("component", "catalog"), zap.String("provider", provider)),
	}
}

// Provider returns the provider name.
func (c *Catalog) Provider() string { return c.provider }

// Snapshot returns the current catalog, fetching it when none is cached.
// A stale snapshot is returned immediately and refreshed in the background.
func (c *Catalog) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := c.current.Load()
	if snap != nil {
		if c.opts.Clock.Now().Sub(snap.FetchedAt) < c.opts.TTL {
			c.observe("hit")
			return snap, nil
		}
		c.observe("stale")
		c.refreshInBackground()
		return snap, nil
	}

	c.observe("miss")
	return c.Refresh(ctx)
}

// Refresh loads a new snapshot synchronously. Concurrent callers share one
// fetch, which runs detached from any single caller's cancellation and is
// bounded by RefreshTimeout. On failure the previous snapshot, if any, stays
// in place.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := c.group.DoChan(c.provider, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
		defer cancel()
		return c.load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCatalogUnavailable, "model catalog unavailable").
			WithCause(ctx.Err()).
			WithProvider(c.provider)
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Snapshot), nil
	}
}

// Invalidate drops the in-process snapshot.
func (c *Catalog) Invalidate() {
	c.current.Store(nil)
}

func (c *Catalog) refreshInBackground() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RefreshTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx); err != nil {
			c.logger.Warn("catalog refresh failed, serving stale snapshot", zap.Error(err))
		}
	}()
}

func (c *Catalog) load(ctx context.Context) (*Snapshot, error) {
	now := c.opts.Clock.Now()

	if c.opts.Second != nil {
		models, fetchedAt, err := c.opts.Second.Load(ctx, c.provider)
		if err == nil && len(models) > 0 && now.Sub(fetchedAt) < c.opts.TTL {
			snap := newSnapshot(c.provider, models, fetchedAt)
			if c.swap(snap) {
				c.observe("shared_hit")
			}
			return c.current.Load(), nil
		}
	}

	models, err := c.fetcher.FetchModels(ctx)
	if err != nil {
		c.observe("fetch_error")
		if prev := c.current.Load(); prev != nil {
			c.logger.Warn("catalog fetch failed, keeping previous snapshot", zap.Error(err))
		}
		return nil, types.NewError(types.ErrCatalogUnavailable, "model catalog unavailable").
			WithCause(err).
			WithProvider(c.provider)
	}

	snap := newSnapshot(c.provider, models, now)
	c.swap(snap)
	c.observe("refreshed")
	c.logger.Debug("catalog refreshed", zap.Int("models", snap.Len()))

	if c.opts.Second != nil {
		if err := c.opts.Second.Store(ctx, c.provider, models, now, c.opts.TTL); err != nil {
			c.logger.Warn("failed to share catalog snapshot", zap.Error(err))
		}
	}
	return c.current.Load(), nil
}

// swap installs snap unless a newer snapshot is already in place.
func (c *Catalog) swap(snap *Snapshot) bool {
	for {
		prev := c.current.Load()
		if prev != nil && prev.FetchedAt.After(snap.FetchedAt) {
			return false
		}
		if c.current.CompareAndSwap(prev, snap) {
			return true
		}
	}
}

func (c *Catalog) observe(event string) {
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveCatalog(c.provider, event)
	}
}
