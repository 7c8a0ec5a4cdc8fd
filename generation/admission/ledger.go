package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// MemoryLedger keeps balances in process memory.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	opening  int64
}

// NewMemoryLedger creates a ledger seeded with balances.
func NewMemoryLedger(seed map[string]int64) *MemoryLedger {
	l := &MemoryLedger{balances: make(map[string]int64, len(seed))}
	for k, v := range seed {
		l.balances[k] = v
	}
	return l
}

// SetOpeningBalance sets the balance users not yet in the ledger start with.
func (l *MemoryLedger) SetOpeningBalance(amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opening = amount
}

func (l *MemoryLedger) balance(userID string) int64 {
	if v, ok := l.balances[userID]; ok {
		return v
	}
	return l.opening
}

// Balance implements Ledger.
func (l *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(userID), nil
}

// Debit implements Ledger.
func (l *MemoryLedger) Debit(_ context.Context, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.balance(userID)
	if current < amount {
		return ErrInsufficientFunds
	}
	l.balances[userID] = current - amount
	return nil
}

// Credit adds amount to a balance.
func (l *MemoryLedger) Credit(_ context.Context, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = l.balance(userID) + amount
	return nil
}

// CreditAccount is one user's balance row.
type CreditAccount struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:64"`
	Balance   int64     `gorm:"column:balance;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName implements gorm's tabler.
func (CreditAccount) TableName() string { return "credit_accounts" }

// GormLedger stores balances in the credit_accounts table.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger creates a ledger over db.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// AutoMigrate creates the credit_accounts table. Production schemas come
// from the migration runner.
func (l *GormLedger) AutoMigrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&CreditAccount{})
}

// Balance implements Ledger. A user without a row has zero credits.
func (l *GormLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var acct CreditAccount
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return acct.Balance, nil
}

// Debit implements Ledger with a single conditional UPDATE, so concurrent
// debits can never take the balance below zero.
func (l *GormLedger) Debit(ctx context.Context, userID string, amount int64) error {
	res := l.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("debit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Credit adds amount, creating the account on first use.
func (l *GormLedger) Credit(ctx context.Context, userID string, amount int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CreditAccount{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("credit: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}
		if err := tx.Create(&CreditAccount{UserID: userID, Balance: amount, UpdatedAt: time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		return nil
	})
}
