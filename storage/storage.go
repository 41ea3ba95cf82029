package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"

	"github.com/cmdgate/cmdgate/storage/model"
)

// Storage is a GORM-based storage implementation
type Storage struct {
	db     *gorm.DB
	pepper []byte

	// chainMu serializes log appends so the hash chain stays linear
	chainMu sync.Mutex
	// seqMu serializes rule sequence allocation
	seqMu sync.Mutex
}

var models = []any{
	&model.Principal{},
	&model.Rule{},
	&model.LogEntry{},
	&model.KeyValue{},
}

// NewStorage creates a new GORM-based storage
func NewStorage(config Config) (*Storage, error) {
	db, err := Connect(config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto migrate the schemas
	if err = db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{
		db:     db,
		pepper: pepperKey(config.CredentialPepper),
	}, nil
}

// pepperKey turns the configured pepper into a valid BLAKE2b key (at most 64
// bytes); longer peppers are hashed down
func pepperKey(pepper string) []byte {
	if pepper == "" {
		return nil
	}
	if len(pepper) <= blake2b.Size {
		return []byte(pepper)
	}
	sum := blake2b.Sum512([]byte(pepper))
	return sum[:]
}

// DB returns the underlying gorm.DB
func (s *Storage) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying database connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Backends returns the grouped storage backends of this Storage
func (s *Storage) Backends() model.Backends {
	return model.Backends{
		Principals: s.PrincipalsStorage(),
		Rules:      s.RulesStorage(),
		Logs:       s.LogStorage(),
		Ledger:     s.LedgerStorage(),
		KV:         s.KeyValue(),
	}
}

// LoadStorageBackends initializes a warehouse and returns grouped backends.
func LoadStorageBackends(cfg Config) (model.Backends, *Storage, error) {
	warehouse, err := NewStorage(cfg)
	if err != nil {
		return model.Backends{}, nil, err
	}
	return warehouse.Backends(), warehouse, nil
}

// isUniqueConstraintError reports whether err is a violation of a unique
// index, independent of the driver
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}
