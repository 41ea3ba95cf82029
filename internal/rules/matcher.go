package rules

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/internal/metrics"
	"github.com/cmdgate/cmdgate/storage/model"
)

// DefaultMaxPatternLength is used when Options.MaxPatternLength is not set
const DefaultMaxPatternLength = 1024

// Verdict is the outcome of evaluating a command against the rule set
type Verdict struct {
	Action model.Action
	// Rule is the rule that matched; nil for the default deny
	Rule   *model.Rule
	Reason string
}

// Notifier propagates rule set changes to other replicas
type Notifier interface {
	Publish(ctx context.Context) error
}

// Options configure a Matcher
type Options struct {
	MaxPatternLength int
	Notifier         Notifier
	Metrics          *metrics.Metrics
}

type compiledRule struct {
	rule model.Rule
	re   *regexp.Regexp
}

// snapshot is immutable once published
type snapshot struct {
	rules []compiledRule
}

// Matcher evaluates commands against the ordered rule set. Evaluation reads an
// immutable snapshot and never blocks; mutations rebuild the snapshot from the
// store and swap it in.
type Matcher struct {
	store   model.RulesStore
	opts    Options
	current atomic.Pointer[snapshot]
	// reloadMu keeps snapshot swaps in store order
	reloadMu sync.Mutex
}

// NewMatcher creates a Matcher and loads the current rule set
func NewMatcher(ctx context.Context, store model.RulesStore, opts Options) (*Matcher, error) {
	if opts.MaxPatternLength <= 0 {
		opts.MaxPatternLength = DefaultMaxPatternLength
	}
	m := &Matcher{
		store: store,
		opts:  opts,
	}
	m.current.Store(&snapshot{})
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Compile validates a pattern and compiles it
func (m *Matcher) Compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, model.InvalidPatternError("pattern must not be empty")
	}
	if len(pattern) > m.opts.MaxPatternLength {
		return nil, model.InvalidPatternErrorFmt(
			"pattern exceeds %d bytes", m.opts.MaxPatternLength,
		)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, model.InvalidPatternErrorFmt("invalid pattern: %s", err.Error())
	}
	return re, nil
}

// AddRule validates and stores a new rule. Nothing is stored if the pattern
// does not compile.
func (m *Matcher) AddRule(ctx context.Context, pattern string, action model.Action) (*model.Rule, error) {
	if _, err := m.Compile(pattern); err != nil {
		return nil, err
	}
	if !action.Valid() {
		return nil, model.ValidationErrorFmt("invalid action: %s", action)
	}
	rule, err := m.store.Create(ctx, pattern, action)
	if err != nil {
		return nil, err
	}
	m.changed(ctx)
	log.WithFields(
		log.Fields{
			"sequence": rule.Sequence,
			"action":   rule.Action,
		},
	).Info("rule added")
	return rule, nil
}

// DeleteRule removes a rule by id
func (m *Matcher) DeleteRule(ctx context.Context, id uint) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	log.WithField("id", id).Info("rule deleted")
	m.changed(ctx)
	return nil
}

// ListRules returns the stored rules in evaluation order
func (m *Matcher) ListRules(ctx context.Context) ([]model.Rule, error) {
	return m.store.List(ctx)
}

// changed refreshes the local snapshot and tells the other replicas. The
// mutation is already committed at this point, so failures are only logged;
// the snapshot stays stale until the next successful reload.
func (m *Matcher) changed(ctx context.Context) {
	if err := m.Reload(ctx); err != nil {
		log.WithError(err).Error("rule change committed but reload failed")
	}
	if m.opts.Notifier == nil {
		return
	}
	if err := m.opts.Notifier.Publish(ctx); err != nil {
		log.WithError(err).Warn("could not publish rule change")
	}
}

// Reload rebuilds the snapshot from the store
func (m *Matcher) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	stored, err := m.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "rules: reload failed")
	}
	next := &snapshot{rules: make([]compiledRule, 0, len(stored))}
	for _, r := range stored {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			log.WithError(err).WithField("sequence", r.Sequence).Error("skipping stored rule that does not compile")
			continue
		}
		next.rules = append(next.rules, compiledRule{rule: r, re: re})
	}
	m.current.Store(next)
	m.opts.Metrics.RulesReloaded(len(next.rules))
	return nil
}

// Evaluate returns the verdict of the first rule in sequence order whose
// pattern matches anywhere in text. Without a match the command is rejected.
func (m *Matcher) Evaluate(text string) Verdict {
	snap := m.current.Load()
	for i := range snap.rules {
		r := &snap.rules[i]
		if r.re.MatchString(text) {
			rule := r.rule
			return Verdict{
				Action: rule.Action,
				Rule:   &rule,
				Reason: rule.Pattern,
			}
		}
	}
	return Verdict{
		Action: model.ActionAutoReject,
		Reason: model.ReasonNoMatchingRule,
	}
}
