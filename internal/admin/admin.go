package admin

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/internal/audit"
	"github.com/cmdgate/cmdgate/internal/ledger"
	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/storage"
	"github.com/cmdgate/cmdgate/storage/model"
)

const maxUsernameLength = 50

// Service exposes the administrative operations. Every method checks that
// the caller is an admin and returns a ForbiddenError otherwise.
type Service struct {
	principals model.PrincipalsStore
	kv         model.KeyValueStore
	matcher    *rules.Matcher
	ledger     *ledger.Ledger
	audit      *audit.Service
}

// NewService creates a Service
func NewService(
	backends model.Backends, matcher *rules.Matcher, l *ledger.Ledger, auditService *audit.Service,
) *Service {
	return &Service{
		principals: backends.Principals,
		kv:         backends.KV,
		matcher:    matcher,
		ledger:     l,
		audit:      auditService,
	}
}

func requireAdmin(caller *model.Principal) error {
	if caller == nil || !caller.IsAdmin() {
		return model.ForbiddenError("admin role required")
	}
	return nil
}

func validateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", model.ValidationError("username must not be empty")
	}
	if len(username) > maxUsernameLength {
		return "", model.ValidationErrorFmt("username exceeds %d characters", maxUsernameLength)
	}
	return username, nil
}

// NewPrincipal is the request body for creating a principal
type NewPrincipal struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Credits  int64  `json:"credits"`
}

// CreatePrincipal creates a principal and returns it together with its
// credential. The credential is not retrievable later.
func (s *Service) CreatePrincipal(ctx context.Context, caller *model.Principal, req NewPrincipal) (
	*model.Principal, string, error,
) {
	if err := requireAdmin(caller); err != nil {
		return nil, "", err
	}
	username, err := validateUsername(req.Username)
	if err != nil {
		return nil, "", err
	}
	role := model.RoleMember
	if req.Role != "" {
		if role, err = model.ParseRole(req.Role); err != nil {
			return nil, "", err
		}
	}
	if req.Credits < 0 {
		return nil, "", model.ValidationError("credits must not be negative")
	}
	p, credential, err := s.principals.Create(ctx, username, role, req.Credits)
	if err != nil {
		return nil, "", err
	}
	log.WithFields(
		log.Fields{
			"admin": caller.Username,
			"user":  p.Username,
			"role":  p.Role,
		},
	).Info("principal created")
	return p, credential, nil
}

// ListPrincipals returns all principals
func (s *Service) ListPrincipals(ctx context.Context, caller *model.Principal) ([]model.Principal, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.principals.List(ctx)
}

// FindPrincipal looks up a principal by credential
func (s *Service) FindPrincipal(ctx context.Context, caller *model.Principal, credential string) (
	*model.Principal, error,
) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.principals.FindByCredential(ctx, credential)
}

// PrincipalChanges is the request body for updating a principal
type PrincipalChanges struct {
	Username *string `json:"username"`
	Role     *string `json:"role"`
	Credits  *int64  `json:"credits"`
}

// UpdatePrincipal changes username, role or credits of a principal
func (s *Service) UpdatePrincipal(
	ctx context.Context, caller *model.Principal, credential string, req PrincipalChanges,
) (*model.Principal, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	var update model.PrincipalUpdate
	if req.Username != nil {
		username, err := validateUsername(*req.Username)
		if err != nil {
			return nil, err
		}
		update.Username = &username
	}
	if req.Role != nil {
		role, err := model.ParseRole(*req.Role)
		if err != nil {
			return nil, err
		}
		update.Role = &role
	}
	if req.Credits != nil {
		if *req.Credits < 0 {
			return nil, model.ValidationError("credits must not be negative")
		}
		update.Credits = req.Credits
	}
	target, err := s.principals.FindByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}
	var updated *model.Principal
	err = s.ledger.Locked(
		target.ID, func() (err error) {
			updated, err = s.principals.Update(ctx, credential, update)
			return
		},
	)
	if err != nil {
		return nil, err
	}
	log.WithFields(
		log.Fields{
			"admin": caller.Username,
			"user":  updated.Username,
		},
	).Info("principal updated")
	return updated, nil
}

// DeletePrincipal removes a principal. Its log entries are kept.
func (s *Service) DeletePrincipal(ctx context.Context, caller *model.Principal, credential string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := s.principals.Delete(ctx, credential); err != nil {
		return err
	}
	log.WithField("admin", caller.Username).Info("principal deleted")
	return nil
}

// CreditPrincipal tops up the balance of a principal
func (s *Service) CreditPrincipal(ctx context.Context, caller *model.Principal, credential string, amount int64) (
	*model.Principal, error,
) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	target, err := s.principals.FindByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}
	if target.Credits, err = s.ledger.Credit(ctx, target.ID, amount); err != nil {
		return nil, err
	}
	return target, nil
}

// AddRule validates and stores a rule
func (s *Service) AddRule(ctx context.Context, caller *model.Principal, req model.AddRule) (*model.Rule, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	action, err := model.ParseAction(req.Action)
	if err != nil {
		return nil, err
	}
	return s.matcher.AddRule(ctx, req.Pattern, action)
}

// DeleteRule removes a rule
func (s *Service) DeleteRule(ctx context.Context, caller *model.Principal, id uint) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	return s.matcher.DeleteRule(ctx, id)
}

// SetCommandCost overrides the configured per-command cost
func (s *Service) SetCommandCost(ctx context.Context, caller *model.Principal, cost int64) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := storage.SetCommandCost(ctx, s.kv, cost); err != nil {
		return err
	}
	log.WithFields(log.Fields{"admin": caller.Username, "cost": cost}).Info("command cost changed")
	return nil
}

// VerifyLog checks the audit log hash chain
func (s *Service) VerifyLog(ctx context.Context, caller *model.Principal) (*audit.Report, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.audit.Verify(ctx)
}
