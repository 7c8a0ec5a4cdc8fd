package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/types"
)

type creditLedger interface {
	Ledger
	Credit(ctx context.Context, userID string, amount int64) error
}

func newGormLedger(t *testing.T) creditLedger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	l := NewGormLedger(db)
	require.NoError(t, l.AutoMigrate(context.Background()))
	return l
}

func ledgers() map[string]func(t *testing.T) creditLedger {
	return map[string]func(t *testing.T) creditLedger{
		"memory": func(*testing.T) creditLedger { return NewMemoryLedger(nil) },
		"gorm":   newGormLedger,
	}
}

type countingRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *countingRecorder) RecordAdmission(result string, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]int{}
	}
	r.results[result]++
}

func TestPriceTable_Cost(t *testing.T) {
	p := DefaultPriceTable()
	tests := []struct {
		name  string
		kind  extract.MediaKind
		model string
		scene string
		refs  bool
		want  int64
	}{
		{"image text", extract.MediaImage, "google/nano-banana", "text-to-image", false, 5},
		{"image edit", extract.MediaImage, "google/nano-banana", "image-to-image", false, 10},
		{"image refs", extract.MediaImage, "gpt4o-image", "text-to-image", true, 12},
		{"image default text", extract.MediaImage, "unknown", "text-to-image", false, 2},
		{"image default edit", extract.MediaImage, "unknown", "image-to-image", false, 4},
		{"grok flat", extract.MediaImage, "grok-imagine", "image-to-image", false, 3},
		{"video", extract.MediaVideo, "veo3_fast", "text-to-video", false, 10},
		{"video i2v", extract.MediaVideo, "sora-2-pro", "image-to-video", true, 20},
		{"video default", extract.MediaVideo, "new-video", "text-to-video", false, 15},
		{"video grok", extract.MediaVideo, "grok-imagine", "text-to-video", false, 12},
		{"case insensitive", extract.MediaVideo, "VEO3", "text-to-video", false, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Cost(tt.kind, tt.model, tt.scene, tt.refs))
		})
	}
}

func TestPriceTable_Merge(t *testing.T) {
	base := DefaultPriceTable()
	merged := base.Merge(PriceTable{
		Image:        map[string]Price{"z-image": {Text: 9, Image: 9}, "new": {Text: 7, Image: 8}},
		VideoDefault: Price{Text: 30, Image: 30},
	})
	assert.Equal(t, int64(9), merged.Cost(extract.MediaImage, "z-image", "", false))
	assert.Equal(t, int64(8), merged.Cost(extract.MediaImage, "new", "image-to-image", false))
	assert.Equal(t, int64(30), merged.Cost(extract.MediaVideo, "other", "", false))
	assert.Equal(t, Price{Text: 2, Image: 4}, merged.ImageDefault)
	// 原表不受影响
	assert.Equal(t, int64(1), base.Cost(extract.MediaImage, "z-image", "", false))
}

func TestLedgers(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := factory(t)

			bal, err := l.Balance(ctx, "u1")
			require.NoError(t, err)
			assert.Zero(t, bal)
			assert.ErrorIs(t, l.Debit(ctx, "u1", 1), ErrInsufficientFunds)

			require.NoError(t, l.Credit(ctx, "u1", 10))
			require.NoError(t, l.Credit(ctx, "u1", 5))
			bal, err = l.Balance(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(15), bal)

			require.NoError(t, l.Debit(ctx, "u1", 15))
			assert.ErrorIs(t, l.Debit(ctx, "u1", 1), ErrInsufficientFunds)
			bal, _ = l.Balance(ctx, "u1")
			assert.Zero(t, bal)
		})
	}
}

func TestMemoryLedger_OpeningBalance(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(map[string]int64{"seeded": 3})
	l.SetOpeningBalance(20)

	bal, err := l.Balance(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)

	bal, _ = l.Balance(ctx, "seeded")
	assert.Equal(t, int64(3), bal)

	require.NoError(t, l.Debit(ctx, "new", 15))
	bal, _ = l.Balance(ctx, "new")
	assert.Equal(t, int64(5), bal)
	assert.ErrorIs(t, l.Debit(ctx, "new", 6), ErrInsufficientFunds)

	require.NoError(t, l.Credit(ctx, "other", 1))
	bal, _ = l.Balance(ctx, "other")
	assert.Equal(t, int64(21), bal)
}

func TestLedgers_ConcurrentDebitNeverOverdraws(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := factory(t)
			require.NoError(t, l.Credit(ctx, "u1", 10))

			var ok int32
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.Debit(ctx, "u1", 1) == nil {
						atomic.AddInt32(&ok, 1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(10), atomic.LoadInt32(&ok))
			bal, err := l.Balance(ctx, "u1")
			require.NoError(t, err)
			assert.Zero(t, bal)
		})
	}
}

// 余额 3，花费 4：拒绝且不扣费
func TestGate_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(map[string]int64{"u1": 3})
	rec := &countingRecorder{}
	g := NewGate(ledger, WithRecorder(rec))

	err := g.CheckAndCharge(ctx, "u1", 4)
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInsufficientBalance, e.Code)
	assert.Equal(t, 402, e.HTTPStatus)
	assert.Contains(t, e.Message, "have 3")

	bal, _ := ledger.Balance(ctx, "u1")
	assert.Equal(t, int64(3), bal)
	assert.Equal(t, 1, rec.results[ResultInsufficient])
}

func TestGate_Admits(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(map[string]int64{"u1": 10})
	rec := &countingRecorder{}
	g := NewGate(ledger, WithRecorder(rec))

	require.NoError(t, g.CheckAndCharge(ctx, "u1", 4))
	bal, _ := ledger.Balance(ctx, "u1")
	assert.Equal(t, int64(6), bal)

	require.NoError(t, g.CheckAndCharge(ctx, "u1", 0))
	assert.Equal(t, 2, rec.results[ResultAdmitted])
}

func TestGate_ChargeRace(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(map[string]int64{"u1": 5})
	g := NewGate(ledger)

	require.NoError(t, g.Check(ctx, "u1", 5))
	// 另一个请求在 Check 与 Charge 之间花掉了余额
	require.NoError(t, ledger.Debit(ctx, "u1", 3))

	err := g.Charge(ctx, "u1", 5)
	assert.True(t, types.IsCode(err, types.ErrInsufficientBalance))
}

type brokenLedger struct{}

func (brokenLedger) Balance(context.Context, string) (int64, error) { return 0, errors.New("db down") }
func (brokenLedger) Debit(context.Context, string, int64) error     { return errors.New("db down") }

func TestGate_LedgerErrors(t *testing.T) {
	g := NewGate(brokenLedger{})
	err := g.Check(context.Background(), "u1", 1)
	assert.True(t, types.IsCode(err, types.ErrUnavailable))
	err = g.Charge(context.Background(), "u1", 1)
	assert.True(t, types.IsCode(err, types.ErrUnavailable))
}
