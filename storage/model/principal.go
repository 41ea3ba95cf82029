package model

import (
	"context"
	"time"
)

// Principal is an account that can submit commands. Admins can additionally
// manage principals and rules.
type Principal struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Username is the unique, human-readable identity
	Username string `gorm:"uniqueIndex;size:50;not null" json:"username"`
	// CredentialDigest is the keyed digest of the API credential; the raw
	// credential is only handed out once on creation
	CredentialDigest string `gorm:"uniqueIndex;size:64;not null" json:"-"`
	// CredentialPrefix holds the first characters of the credential so admins
	// can tell keys apart
	CredentialPrefix string `gorm:"size:8" json:"credential_prefix"`
	Role             Role   `gorm:"size:20;index;not null" json:"role"`
	Credits          int64  `gorm:"not null;default:0" json:"credits"`
}

// IsAdmin reports whether the principal has the admin role
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// PrincipalUpdate holds the optional fields an admin can change; nil fields
// are left untouched
type PrincipalUpdate struct {
	Username *string `json:"username"`
	Role     *Role   `json:"role"`
	Credits  *int64  `json:"credits"`
}

// PrincipalsStore abstracts the lifecycle and authentication of principals.
type PrincipalsStore interface {
	// Count returns the number of principals
	Count(ctx context.Context) (int64, error)
	// List returns all principals ordered by username
	List(ctx context.Context) ([]Principal, error)
	// Create creates a principal with a freshly generated credential and
	// returns the principal together with the raw credential
	Create(ctx context.Context, username string, role Role, credits int64) (*Principal, string, error)
	// CreateWithCredential creates a principal for a caller-chosen credential
	CreateWithCredential(ctx context.Context, username string, role Role, credits int64, credential string) (*Principal, error)
	// Authenticate resolves a credential; it returns an UnauthorizedError for
	// empty or unknown credentials
	Authenticate(ctx context.Context, credential string) (*Principal, error)
	// FindByCredential resolves a credential; it returns a NotFoundError for
	// unknown credentials
	FindByCredential(ctx context.Context, credential string) (*Principal, error)
	// Get returns a principal by its internal id
	Get(ctx context.Context, id uint) (*Principal, error)
	// Update applies the non-nil fields of update to the principal identified
	// by credential
	Update(ctx context.Context, credential string, update PrincipalUpdate) (*Principal, error)
	// Delete removes the principal identified by credential
	Delete(ctx context.Context, credential string) error
}
