package ledger

import (
	"context"

	"github.com/cmdgate/cmdgate/storage/model"
)

// Ledger changes credit balances. Every change for a principal is serialized
// in-process and guarded by a conditional update in the store, so no update
// is lost and no balance drops below MinBalance through a charge.
type Ledger struct {
	store      model.LedgerStore
	minBalance int64
	locks      stripedLock
}

// New creates a Ledger
func New(store model.LedgerStore, minBalance int64) *Ledger {
	return &Ledger{
		store:      store,
		minBalance: minBalance,
	}
}

// MinBalance returns the lowest balance a charge may leave behind
func (l *Ledger) MinBalance() int64 {
	return l.minBalance
}

// Affordable reports whether a balance can pay amount
func (l *Ledger) Affordable(balance, amount int64) bool {
	return balance-amount >= l.minBalance
}

// Charge debits amount from the principal. If entry is not nil it is written
// to the audit log in the same transaction. An InsufficientCreditsError is
// returned if the balance would drop below MinBalance; nothing is written then.
func (l *Ledger) Charge(ctx context.Context, principalID uint, amount int64, entry *model.LogEntry) (int64, error) {
	if amount < 0 {
		return 0, model.ValidationError("charge amount must not be negative")
	}
	unlock := l.locks.lock(principalID)
	defer unlock()
	return l.store.Apply(ctx, principalID, -amount, l.minBalance, entry)
}

// Credit adds amount to the principal's balance
func (l *Ledger) Credit(ctx context.Context, principalID uint, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, model.ValidationError("credit amount must be positive")
	}
	unlock := l.locks.lock(principalID)
	defer unlock()
	return l.store.Apply(ctx, principalID, amount, 0, nil)
}

// Balance returns the current balance of a principal
func (l *Ledger) Balance(ctx context.Context, principalID uint) (int64, error) {
	return l.store.Balance(ctx, principalID)
}

// Locked runs fn while holding the principal's lock. It is used for balance
// changes that go through other stores, e.g. an admin setting credits.
func (l *Ledger) Locked(principalID uint, fn func() error) error {
	unlock := l.locks.lock(principalID)
	defer unlock()
	return fn()
}
