package audit

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cmdgate/cmdgate/internal/metrics"
	"github.com/cmdgate/cmdgate/storage/model"
)

// MaxLimit caps the page size of a single query
const MaxLimit = 1000

// Filter is a caller-facing log query. Role and TargetCredential are only
// honored for admins.
type Filter struct {
	Status           model.StatusFilter
	Role             model.RoleFilter
	TargetCredential string
	Sort             model.SortOrder
	Limit            int
	Offset           int
}

// Service answers role-aware queries over the audit log
type Service struct {
	principals model.PrincipalsStore
	logs       model.LogStore
	metrics    *metrics.Metrics
}

// NewService creates a Service
func NewService(backends model.Backends, m *metrics.Metrics) *Service {
	return &Service{
		principals: backends.Principals,
		logs:       backends.Logs,
		metrics:    m,
	}
}

// Query returns the log entries visible to caller that match f. Members only
// ever see their own entries.
func (s *Service) Query(ctx context.Context, caller *model.Principal, f Filter) ([]model.LogEntry, error) {
	if caller == nil {
		return nil, model.UnauthorizedError("missing caller")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, model.ValidationError("limit and offset must not be negative")
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	q := model.LogQuery{
		Status: f.Status,
		Sort:   f.Sort,
		Limit:  f.Limit,
		Offset: f.Offset,
	}
	if !caller.IsAdmin() {
		q.PrincipalID = &caller.ID
		return s.logs.Query(ctx, q)
	}

	// A target credential selects exactly one principal; the role filter
	// only applies without one
	if f.TargetCredential != "" {
		target, err := s.principals.FindByCredential(ctx, f.TargetCredential)
		if err != nil {
			var notFound model.NotFoundError
			if errors.As(err, &notFound) {
				return []model.LogEntry{}, nil
			}
			return nil, err
		}
		q.PrincipalID = &target.ID
		return s.logs.Query(ctx, q)
	}

	admin := model.RoleAdmin
	member := model.RoleMember
	switch f.Role {
	case model.RoleFilterMine:
		q.PrincipalID = &caller.ID
	case model.RoleFilterAdmins:
		q.Role = &admin
	case model.RoleFilterOtherAdmins:
		q.Role = &admin
		q.ExcludePrincipalID = &caller.ID
	case model.RoleFilterMembers:
		q.Role = &member
	}
	return s.logs.Query(ctx, q)
}

// Breakage describes the first entry at which the hash chain is broken
type Breakage struct {
	EntryID uint   `json:"entry_id"`
	Reason  string `json:"reason"`
}

// Report is the result of a chain verification
type Report struct {
	Entries uint64    `json:"entries"`
	Valid   bool      `json:"valid"`
	Broken  *Breakage `json:"broken,omitempty"`
	Head    string    `json:"head"`
}

// Verify walks the whole log and recomputes the hash chain
func (s *Service) Verify(ctx context.Context) (*Report, error) {
	report, err := VerifyChain(ctx, s.logs)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		s.metrics.ChainBroken()
	}
	return report, nil
}

// errStop ends the iteration at the first broken entry
var errStop = errors.New("stop")

// VerifyChain recomputes the hash chain of store
func VerifyChain(ctx context.Context, store model.LogStore) (*Report, error) {
	report := &Report{Valid: true}
	prev := ""
	err := store.Iterate(
		ctx, func(e model.LogEntry) error {
			report.Entries++
			switch {
			case e.PrevHash != prev:
				report.Broken = &Breakage{EntryID: e.ID, Reason: "previous hash mismatch"}
			case e.ComputeHash(prev) != e.Hash:
				report.Broken = &Breakage{EntryID: e.ID, Reason: "content hash mismatch"}
			default:
				prev = e.Hash
				return nil
			}
			report.Valid = false
			return errStop
		},
	)
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	report.Head = prev
	return report, nil
}
