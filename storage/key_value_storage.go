package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cmdgate/cmdgate/storage/model"
)

// KeyValueStorage implements model.KeyValueStore using GORM.
type KeyValueStorage struct {
	db *gorm.DB
}

// KeyValue provides an accessor for scoped key-value storage.
func (s *Storage) KeyValue() *KeyValueStorage {
	return &KeyValueStorage{db: s.db}
}

// Get returns the JSON value for a (scope, key). If not found, returns nil, nil.
func (s *KeyValueStorage) Get(ctx context.Context, scope, key string) (datatypes.JSON, error) {
	return kvGet(s.db.WithContext(ctx), scope, key)
}

// Set upserts the JSON value for a (scope, key).
func (s *KeyValueStorage) Set(ctx context.Context, scope, key string, value datatypes.JSON) error {
	return kvSet(s.db.WithContext(ctx), scope, key, value)
}

// Delete removes a (scope, key) pair. No error if it's missing.
func (s *KeyValueStorage) Delete(ctx context.Context, scope, key string) error {
	return s.db.WithContext(ctx).Where(kvKey(scope, key)).Delete(&model.KeyValue{}).Error
}

// GetAs retrieves and unmarshals the value for (scope, key) into out.
// out must be a pointer to the target type. Returns (false, nil) if not found.
func (s *KeyValueStorage) GetAs(ctx context.Context, scope, key string, out any) (bool, error) {
	return kvGetAs(s.db.WithContext(ctx), scope, key, out)
}

// SetAny marshals v to JSON and stores it at (scope, key).
func (s *KeyValueStorage) SetAny(ctx context.Context, scope, key string, v any) error {
	return kvSetAny(s.db.WithContext(ctx), scope, key, v)
}

// kvKey builds a map condition so that gorm quotes the column names ("key"
// is reserved in MySQL) and keeps the empty global scope
func kvKey(scope, key string) map[string]any {
	return map[string]any{
		"scope": scope,
		"key":   key,
	}
}

// The kv* helpers take a *gorm.DB so that they can run inside a transaction.

func kvGet(db *gorm.DB, scope, key string) (datatypes.JSON, error) {
	// Read the JSON/JSONB value as raw bytes to support scalar JSON (e.g., numbers).
	var raw []byte
	row := db.Model(&model.KeyValue{}).
		Select("value").
		Where(kvKey(scope, key)).
		Row()
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw, nil
}

func kvSet(db *gorm.DB, scope, key string, value datatypes.JSON) error {
	kv := model.KeyValue{
		Scope: scope,
		Key:   key,
		Value: value,
	}
	return db.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "scope"},
				{Name: "key"},
			},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					"value",
					"updated_at",
				},
			),
		},
	).Create(&kv).Error
}

func kvGetAs(db *gorm.DB, scope, key string, out any) (bool, error) {
	raw, err := kvGet(db, scope, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err = json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func kvSetAny(db *gorm.DB, scope, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kvSet(db, scope, key, datatypes.JSON(b))
}
