package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/cmdgate/cmdgate/storage/model"
)

// RulesStorage returns a RulesStorage
func (s *Storage) RulesStorage() *RulesStorage {
	return &RulesStorage{db: s.db, seqMu: &s.seqMu}
}

// RulesStorage implements model.RulesStore using GORM
type RulesStorage struct {
	db    *gorm.DB
	seqMu *sync.Mutex
}

// List returns all rules in evaluation order
func (s *RulesStorage) List(ctx context.Context) ([]model.Rule, error) {
	var rules []model.Rule
	if err := s.db.WithContext(ctx).Order("sequence asc").Find(&rules).Error; err != nil {
		return nil, errors.Wrap(err, "rules: list failed")
	}
	return rules, nil
}

// sequenceAttempts bounds how often Create retries after another process
// took the sequence number it allocated
const sequenceAttempts = 3

// Create stores a rule under the next sequence number. The counter lives in
// the key-value table so that numbers of deleted rules are never handed out
// again.
func (s *RulesStorage) Create(ctx context.Context, pattern string, action model.Action) (*model.Rule, error) {
	if !action.Valid() {
		return nil, model.ValidationErrorFmt("invalid action: %s", action)
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	rule := &model.Rule{
		Pattern: pattern,
		Action:  action,
	}
	for attempt := 1; ; attempt++ {
		err := s.db.WithContext(ctx).Transaction(
			func(tx *gorm.DB) error {
				return createRule(tx, rule)
			},
		)
		if err == nil {
			return rule, nil
		}
		if !isUniqueConstraintError(err) || attempt == sequenceAttempts {
			return nil, err
		}
		log.WithFields(
			log.Fields{
				"sequence": rule.Sequence,
				"attempt":  attempt,
			},
		).Debug("rule sequence taken, retrying")
	}
}

// createRule allocates the sequence past both the stored counter and the
// highest sequence in use, so a counter that lags behind another writer
// cannot hand out a taken number
func createRule(tx *gorm.DB, rule *model.Rule) error {
	var counter uint64
	if _, err := kvGetAs(tx, model.KeyValueScopeRules, model.KeyValueKeySequence, &counter); err != nil {
		return errors.Wrap(err, "rules: read sequence failed")
	}
	var highest uint64
	if err := tx.Model(&model.Rule{}).Select("COALESCE(MAX(sequence), 0)").Scan(&highest).Error; err != nil {
		return errors.Wrap(err, "rules: read highest sequence failed")
	}
	seq := max(counter, highest) + 1
	if err := kvSetAny(tx, model.KeyValueScopeRules, model.KeyValueKeySequence, seq); err != nil {
		return errors.Wrap(err, "rules: write sequence failed")
	}
	rule.ID = 0
	rule.Sequence = seq
	return errors.Wrap(tx.Create(rule).Error, "rules: create failed")
}

// Delete removes a rule by id
func (s *RulesStorage) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.Rule{}, id)
	if res.Error != nil {
		return errors.Wrap(res.Error, "rules: delete failed")
	}
	if res.RowsAffected == 0 {
		return model.NotFoundErrorFmt("rule not found: %d", id)
	}
	return nil
}
