package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/cmdgate/cmdgate/storage/model"
)

// LedgerStorage returns a LedgerStorage
func (s *Storage) LedgerStorage() *LedgerStorage {
	return &LedgerStorage{db: s.db, chainMu: &s.chainMu}
}

// LedgerStorage implements model.LedgerStore using GORM. Balance changes are
// a single conditional UPDATE, so concurrent writers can never lose an update.
type LedgerStorage struct {
	db      *gorm.DB
	chainMu *sync.Mutex
}

// Apply changes the balance by delta and optionally appends a log entry in
// the same transaction. A transaction that loses the chain head to another
// process is rolled back and retried as a whole.
func (s *LedgerStorage) Apply(
	ctx context.Context, principalID uint, delta, floor int64, entry *model.LogEntry,
) (int64, error) {
	if entry != nil {
		s.chainMu.Lock()
		defer s.chainMu.Unlock()
	}
	var balance int64
	err := retryChainConflict(
		func() error {
			return s.db.WithContext(ctx).Transaction(
				func(tx *gorm.DB) error {
					current, err := applyDelta(tx, principalID, delta, floor)
					if err != nil {
						return err
					}
					balance = current
					return appendIfAny(tx, entry, delta, balance)
				},
			)
		},
	)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func applyDelta(tx *gorm.DB, principalID uint, delta, floor int64) (int64, error) {
	if delta == 0 {
		return balanceOf(tx, principalID)
	}
	update := tx.Model(&model.Principal{}).Where("id = ?", principalID)
	if delta < 0 {
		update = update.Where("credits + ? >= ?", delta, floor)
	}
	res := update.Update("credits", gorm.Expr("credits + ?", delta))
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "ledger: update failed")
	}
	current, err := balanceOf(tx, principalID)
	if err != nil {
		return 0, err
	}
	if res.RowsAffected == 0 {
		return 0, model.InsufficientCreditsError{
			Balance: current,
			Amount:  -delta,
		}
	}
	return current, nil
}

// Balance returns the current balance of a principal
func (s *LedgerStorage) Balance(ctx context.Context, principalID uint) (int64, error) {
	return balanceOf(s.db.WithContext(ctx), principalID)
}

func balanceOf(db *gorm.DB, principalID uint) (int64, error) {
	var p model.Principal
	if err := db.Select("id", "credits").First(&p, principalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, model.NotFoundErrorFmt("principal not found: %d", principalID)
		}
		return 0, errors.Wrap(err, "ledger: read balance failed")
	}
	return p.Credits, nil
}

func appendIfAny(tx *gorm.DB, entry *model.LogEntry, delta, balance int64) error {
	if entry == nil {
		return nil
	}
	entry.CreditDelta = delta
	entry.BalanceAfter = balance
	return appendEntry(tx, entry)
}
