package admission

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/internal/ledger"
	"github.com/cmdgate/cmdgate/internal/metrics"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/storage"
	"github.com/cmdgate/cmdgate/storage/model"
)

// DefaultMaxCommandLength is used when Options.MaxCommandLength is not set
const DefaultMaxCommandLength = 4096

// Result is the outcome of one admitted command. It is only returned after
// the audit log entry has been committed.
type Result struct {
	Status     model.Status `json:"status"`
	Reason     string       `json:"message"`
	NewBalance int64        `json:"new_balance"`
	LogEntryID uint         `json:"log_entry_id"`
	// Insufficient is set when the command was rejected for lack of credits
	Insufficient bool `json:"-"`
}

// Options configure a Pipeline
type Options struct {
	// CommandCost is the cost of an executed command unless overridden in
	// the key-value store
	CommandCost      int64
	MaxCommandLength int
	Metrics          *metrics.Metrics
	// Now returns the timestamp for log entries; defaults to time.Now
	Now func() time.Time
}

// Pipeline runs submitted commands through authentication, the credit check,
// rule evaluation and charging, and writes exactly one log entry per
// authenticated submission
type Pipeline struct {
	principals model.PrincipalsStore
	logs       model.LogStore
	kv         model.KeyValueStore
	matcher    *rules.Matcher
	ledger     *ledger.Ledger
	opts       Options
}

// NewPipeline creates a Pipeline
func NewPipeline(
	backends model.Backends, matcher *rules.Matcher, l *ledger.Ledger, opts Options,
) *Pipeline {
	if opts.MaxCommandLength <= 0 {
		opts.MaxCommandLength = DefaultMaxCommandLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		principals: backends.Principals,
		logs:       backends.Logs,
		kv:         backends.KV,
		matcher:    matcher,
		ledger:     l,
		opts:       opts,
	}
}

// CommandCost returns the cost currently charged per executed command
func (p *Pipeline) CommandCost(ctx context.Context) (int64, error) {
	return storage.GetCommandCost(ctx, p.kv, p.opts.CommandCost)
}

func (p *Pipeline) validate(text string) error {
	if text == "" {
		return model.ValidationError("command text must not be empty")
	}
	if len(text) > p.opts.MaxCommandLength {
		return model.ValidationErrorFmt("command text exceeds %d bytes", p.opts.MaxCommandLength)
	}
	if !utf8.ValidString(text) {
		return model.ValidationError("command text must be valid UTF-8")
	}
	return nil
}

// Admit authenticates the caller and decides on the command. Authentication
// and validation failures return an error and write nothing.
func (p *Pipeline) Admit(ctx context.Context, credential, text string) (*Result, error) {
	start := time.Now()
	principal, err := p.principals.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	return p.AdmitAs(ctx, principal, text, start)
}

// AdmitAs decides on a command for an already authenticated principal
func (p *Pipeline) AdmitAs(ctx context.Context, principal *model.Principal, text string, start time.Time) (
	*Result, error,
) {
	if err := p.validate(text); err != nil {
		return nil, err
	}
	cost, err := p.CommandCost(ctx)
	if err != nil {
		return nil, err
	}
	entry := &model.LogEntry{
		Timestamp:   p.opts.Now(),
		PrincipalID: principal.ID,
		Username:    principal.Username,
		Role:        principal.Role,
		CommandText: text,
	}

	if !p.ledger.Affordable(principal.Credits, cost) {
		return p.rejectInsufficient(ctx, entry, principal.Credits, start)
	}

	verdict := p.matcher.Evaluate(text)
	if verdict.Rule != nil {
		seq := verdict.Rule.Sequence
		entry.RuleSequence = &seq
	}
	entry.Reason = verdict.Reason

	if verdict.Action != model.ActionAutoAccept {
		entry.Status = model.StatusRejected
		entry.BalanceAfter = principal.Credits
		if err = p.logs.Append(ctx, entry); err != nil {
			return nil, err
		}
		reasonClass := metrics.ReasonRule
		if verdict.Rule == nil {
			reasonClass = metrics.ReasonDefaultDeny
		}
		p.record(entry, reasonClass, start)
		return resultOf(entry, false), nil
	}

	entry.Status = model.StatusExecuted
	balance, err := p.ledger.Charge(ctx, principal.ID, cost, entry)
	if err != nil {
		var insufficient model.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			// A concurrent charge spent the credits after the precondition
			// check; the stale entry was not written
			entry.RuleSequence = nil
			return p.rejectInsufficient(ctx, entry, insufficient.Balance, start)
		}
		return nil, err
	}
	p.opts.Metrics.Charged(cost)
	p.record(entry, metrics.ReasonRule, start)
	res := resultOf(entry, false)
	res.NewBalance = balance
	return res, nil
}

func (p *Pipeline) rejectInsufficient(
	ctx context.Context, entry *model.LogEntry, balance int64, start time.Time,
) (*Result, error) {
	entry.ID = 0
	entry.Status = model.StatusRejected
	entry.Reason = model.ReasonInsufficientCredits
	entry.CreditDelta = 0
	entry.BalanceAfter = balance
	if err := p.logs.Append(ctx, entry); err != nil {
		return nil, err
	}
	p.record(entry, metrics.ReasonInsufficient, start)
	return resultOf(entry, true), nil
}

func (p *Pipeline) record(entry *model.LogEntry, reasonClass string, start time.Time) {
	p.opts.Metrics.Admission(string(entry.Status), reasonClass, time.Since(start).Seconds())
	log.WithFields(
		log.Fields{
			"user":    entry.Username,
			"status":  entry.Status,
			"reason":  entry.Reason,
			"balance": entry.BalanceAfter,
		},
	).Debug("command admitted")
}

func resultOf(entry *model.LogEntry, insufficient bool) *Result {
	return &Result{
		Status:       entry.Status,
		Reason:       entry.Reason,
		NewBalance:   entry.BalanceAfter,
		LogEntryID:   entry.ID,
		Insufficient: insufficient,
	}
}
