package storage

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"

	"github.com/cmdgate/cmdgate/storage/model"
)

const credentialPrefixLen = 8

// PrincipalsStorage returns a PrincipalsStorage
func (s *Storage) PrincipalsStorage() *PrincipalsStorage {
	return &PrincipalsStorage{db: s.db, pepper: s.pepper}
}

// PrincipalsStorage implements model.PrincipalsStore using GORM
type PrincipalsStorage struct {
	db     *gorm.DB
	pepper []byte
}

// digest returns the keyed BLAKE2b-256 digest of a credential in hex
func (s *PrincipalsStorage) digest(credential string) (string, error) {
	h, err := blake2b.New256(s.pepper)
	if err != nil {
		return "", errors.Wrap(err, "principals: invalid credential pepper")
	}
	_, _ = h.Write([]byte(credential))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Count returns the number of principals
func (s *PrincipalsStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Principal{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "principals: count failed")
	}
	return count, nil
}

// List returns all principals ordered by username
func (s *PrincipalsStorage) List(ctx context.Context) ([]model.Principal, error) {
	var principals []model.Principal
	if err := s.db.WithContext(ctx).Order("username asc").Find(&principals).Error; err != nil {
		return nil, errors.Wrap(err, "principals: list failed")
	}
	return principals, nil
}

// Create creates a principal with a newly generated credential
func (s *PrincipalsStorage) Create(ctx context.Context, username string, role model.Role, credits int64) (
	*model.Principal, string, error,
) {
	credential := uuid.NewString()
	p, err := s.CreateWithCredential(ctx, username, role, credits, credential)
	if err != nil {
		return nil, "", err
	}
	return p, credential, nil
}

// CreateWithCredential creates a principal for the passed credential
func (s *PrincipalsStorage) CreateWithCredential(
	ctx context.Context, username string, role model.Role, credits int64, credential string,
) (*model.Principal, error) {
	if len(username) == 0 || len(credential) == 0 {
		return nil, model.ValidationError("username and credential are required")
	}
	if !role.Valid() {
		return nil, model.ValidationErrorFmt("invalid role: %s", role)
	}
	digest, err := s.digest(credential)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var existing int64
	if err = db.Model(&model.Principal{}).Where("username = ?", username).Count(&existing).Error; err != nil {
		return nil, errors.Wrap(err, "principals: create failed")
	}
	if existing > 0 {
		return nil, model.AlreadyExistsErrorFmt("username already exists: %s", username)
	}
	prefix := credential
	if len(prefix) > credentialPrefixLen {
		prefix = prefix[:credentialPrefixLen]
	}
	p := model.Principal{
		Username:         username,
		CredentialDigest: digest,
		CredentialPrefix: prefix,
		Role:             role,
		Credits:          credits,
	}
	if err = db.Create(&p).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, model.AlreadyExistsErrorFmt("username or credential already exists: %s", username)
		}
		return nil, errors.Wrap(err, "principals: create failed")
	}
	return &p, nil
}

func (s *PrincipalsStorage) findByCredential(ctx context.Context, credential string) (*model.Principal, error) {
	if credential == "" {
		return nil, model.NotFoundError("principal not found")
	}
	digest, err := s.digest(credential)
	if err != nil {
		return nil, err
	}
	var p model.Principal
	if err = s.db.WithContext(ctx).Where("credential_digest = ?", digest).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.NotFoundError("principal not found")
		}
		return nil, errors.Wrap(err, "principals: get failed")
	}
	return &p, nil
}

// Authenticate resolves a credential to its principal
func (s *PrincipalsStorage) Authenticate(ctx context.Context, credential string) (*model.Principal, error) {
	if credential == "" {
		return nil, model.UnauthorizedError("missing credential")
	}
	p, err := s.findByCredential(ctx, credential)
	if err != nil {
		var notFound model.NotFoundError
		if errors.As(err, &notFound) {
			return nil, model.UnauthorizedError("invalid credential")
		}
		return nil, err
	}
	return p, nil
}

// FindByCredential returns the principal for a credential
func (s *PrincipalsStorage) FindByCredential(ctx context.Context, credential string) (*model.Principal, error) {
	return s.findByCredential(ctx, credential)
}

// Get returns a principal by id
func (s *PrincipalsStorage) Get(ctx context.Context, id uint) (*model.Principal, error) {
	var p model.Principal
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.NotFoundErrorFmt("principal not found: %d", id)
		}
		return nil, errors.Wrap(err, "principals: get failed")
	}
	return &p, nil
}

// Update applies the non-nil fields of update
func (s *PrincipalsStorage) Update(ctx context.Context, credential string, update model.PrincipalUpdate) (
	*model.Principal, error,
) {
	p, err := s.findByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}
	changes := map[string]any{}
	if update.Username != nil && *update.Username != p.Username {
		var existing int64
		if err = s.db.WithContext(ctx).Model(&model.Principal{}).
			Where("username = ? AND id <> ?", *update.Username, p.ID).
			Count(&existing).Error; err != nil {
			return nil, errors.Wrap(err, "principals: update failed")
		}
		if existing > 0 {
			return nil, model.AlreadyExistsErrorFmt("username already exists: %s", *update.Username)
		}
		changes["username"] = *update.Username
	}
	if update.Role != nil {
		changes["role"] = *update.Role
	}
	if update.Credits != nil {
		changes["credits"] = *update.Credits
	}
	if len(changes) == 0 {
		return p, nil
	}
	if err = s.db.WithContext(ctx).Model(p).Updates(changes).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, model.AlreadyExistsError("username already exists")
		}
		return nil, errors.Wrap(err, "principals: update failed")
	}
	return s.Get(ctx, p.ID)
}

// Delete removes the principal identified by credential
func (s *PrincipalsStorage) Delete(ctx context.Context, credential string) error {
	if credential == "" {
		return model.NotFoundError("principal not found")
	}
	digest, err := s.digest(credential)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Where("credential_digest = ?", digest).Delete(&model.Principal{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "principals: delete failed")
	}
	if res.RowsAffected == 0 {
		return model.NotFoundError("principal not found")
	}
	return nil
}
