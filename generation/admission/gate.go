package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/types"
)

// ErrInsufficientFunds is returned by a Ledger when a debit would overdraw.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger is the credit store the gate charges against.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	// Debit subtracts amount atomically, failing with ErrInsufficientFunds
	// when the balance is lower than amount.
	Debit(ctx context.Context, userID string, amount int64) error
}

// Recorder receives admission decisions for metrics.
type Recorder interface {
	RecordAdmission(result string, cost int64)
}

// Admission results.
const (
	ResultAdmitted     = "admitted"
	ResultInsufficient = "insufficient"
	ResultError        = "error"
)

// Gate checks and charges credits before a generation starts.
type Gate struct {
	ledger   Ledger
	recorder Recorder
	logger   *zap.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate creates a gate over ledger.
func NewGate(ledger Ledger, opts ...GateOption) *Gate {
	g := &Gate{ledger: ledger, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "admission"))
	return g
}

// Check fails with INSUFFICIENT_BALANCE when the user cannot afford cost.
func (g *Gate) Check(ctx context.Context, userID string, cost int64) error {
	if cost <= 0 {
		return nil
	}
	balance, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		g.record(ResultError, cost)
		return types.NewError(types.ErrUnavailable, "credit ledger unavailable").WithCause(err)
	}
	if balance < cost {
		g.record(ResultInsufficient, cost)
		g.logger.Info("insufficient balance",
			zap.String("user_id", userID),
			zap.Int64("balance", balance),
			zap.Int64("cost", cost))
		return insufficient(balance, cost)
	}
	return nil
}

// Charge debits cost. A concurrent spend that drained the balance since
// Check surfaces as INSUFFICIENT_BALANCE.
func (g *Gate) Charge(ctx context.Context, userID string, cost int64) error {
	if cost <= 0 {
		g.record(ResultAdmitted, cost)
		return nil
	}
	if err := g.ledger.Debit(ctx, userID, cost); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			g.record(ResultInsufficient, cost)
			return insufficient(-1, cost)
		}
		g.record(ResultError, cost)
		return types.NewError(types.ErrUnavailable, "credit ledger unavailable").WithCause(err)
	}
	g.record(ResultAdmitted, cost)
	return nil
}

// CheckAndCharge runs Check then Charge.
func (g *Gate) CheckAndCharge(ctx context.Context, userID string, cost int64) error {
	if err := g.Check(ctx, userID, cost); err != nil {
		return err
	}
	return g.Charge(ctx, userID, cost)
}

func (g *Gate) record(result string, cost int64) {
	if g.recorder != nil {
		g.recorder.RecordAdmission(result, cost)
	}
}

func insufficient(balance, cost int64) *types.Error {
	msg := fmt.Sprintf("insufficient balance: need %d credits", cost)
	if balance >= 0 {
		msg = fmt.Sprintf("insufficient balance: need %d credits, have %d", cost, balance)
	}
	return types.NewError(types.ErrInsufficientBalance, msg)
}
