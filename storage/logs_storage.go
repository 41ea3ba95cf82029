package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/cmdgate/cmdgate/storage/model"
)

const iterateBatchSize = 500

// chainAppendAttempts bounds how often an append is retried after another
// writer extended the chain head first
const chainAppendAttempts = 5

// errChainConflict is returned by appendEntry when the head it read was
// taken by a concurrent append
var errChainConflict = errors.New("logs: chain head moved")

// LogStorage returns a LogStorage
func (s *Storage) LogStorage() *LogStorage {
	return &LogStorage{db: s.db, chainMu: &s.chainMu}
}

// LogStorage implements model.LogStore using GORM
type LogStorage struct {
	db      *gorm.DB
	chainMu *sync.Mutex
}

// Append adds an entry to the end of the hash chain
func (s *LogStorage) Append(ctx context.Context, entry *model.LogEntry) error {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	return retryChainConflict(
		func() error {
			return s.db.WithContext(ctx).Transaction(
				func(tx *gorm.DB) error {
					return appendEntry(tx, entry)
				},
			)
		},
	)
}

// retryChainConflict runs txn until it no longer loses the chain head to
// another process. chainMu only orders writers inside this process; the
// unique prev_hash index orders everyone else.
func retryChainConflict(txn func() error) error {
	var err error
	for attempt := 1; attempt <= chainAppendAttempts; attempt++ {
		err = txn()
		if !errors.Is(err, errChainConflict) {
			return err
		}
		log.WithField("attempt", attempt).Debug("chain head moved, retrying append")
	}
	return errors.Wrapf(err, "logs: gave up after %d attempts", chainAppendAttempts)
}

// appendEntry must run inside a transaction while chainMu is held. It returns
// errChainConflict if the head it read was extended before the insert.
func appendEntry(tx *gorm.DB, entry *model.LogEntry) error {
	entry.ID = 0
	var hashes []string
	if err := tx.Model(&model.LogEntry{}).Order("id desc").Limit(1).Pluck("hash", &hashes).Error; err != nil {
		return errors.Wrap(err, "logs: read chain head failed")
	}
	var prev string
	if len(hashes) > 0 {
		prev = hashes[0]
	}
	// Every supported database keeps microseconds, so the hash is computed
	// over exactly what will be read back
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)
	entry.PrevHash = prev
	entry.Hash = entry.ComputeHash(prev)
	if err := tx.Create(entry).Error; err != nil {
		if isUniqueConstraintError(err) {
			return errChainConflict
		}
		return errors.Wrap(err, "logs: append failed")
	}
	return nil
}

// Query returns the entries matching q ordered by (timestamp, id)
func (s *LogStorage) Query(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error) {
	query := s.db.WithContext(ctx).Model(&model.LogEntry{})
	if q.PrincipalID != nil {
		query = query.Where("principal_id = ?", *q.PrincipalID)
	}
	if q.ExcludePrincipalID != nil {
		query = query.Where("principal_id <> ?", *q.ExcludePrincipalID)
	}
	if q.Role != nil {
		query = query.Where("role = ?", *q.Role)
	}
	switch q.Status {
	case model.StatusFilterExecuted:
		query = query.Where("status = ?", model.StatusExecuted)
	case model.StatusFilterRejected:
		query = query.Where("status <> ?", model.StatusExecuted)
	}
	if q.Sort == model.SortAsc {
		query = query.Order("timestamp asc").Order("id asc")
	} else {
		query = query.Order("timestamp desc").Order("id desc")
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	var entries []model.LogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "logs: query failed")
	}
	return entries, nil
}

// Count returns the number of entries written by a principal
func (s *LogStorage) Count(ctx context.Context, principalID uint) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.LogEntry{}).
		Where("principal_id = ?", principalID).
		Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "logs: count failed")
	}
	return count, nil
}

// Iterate calls fn for every entry in ascending id order
func (s *LogStorage) Iterate(ctx context.Context, fn func(model.LogEntry) error) error {
	var batch []model.LogEntry
	var fnErr error
	res := s.db.WithContext(ctx).Order("id asc").FindInBatches(
		&batch, iterateBatchSize, func(_ *gorm.DB, _ int) error {
			for _, e := range batch {
				if fnErr = fn(e); fnErr != nil {
					return fnErr
				}
			}
			return nil
		},
	)
	if fnErr != nil {
		return fnErr
	}
	return errors.Wrap(res.Error, "logs: iterate failed")
}
