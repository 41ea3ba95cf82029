package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cmdgate/cmdgate/storage/model"
)

// GetCommandCost returns the stored per-command cost, or def if none is set
func GetCommandCost(ctx context.Context, kvStorage model.KeyValueStore, def int64) (int64, error) {
	if kvStorage == nil {
		return def, nil
	}
	var cost int64
	found, err := kvStorage.GetAs(ctx, model.KeyValueScopeSettings, model.KeyValueKeyCommandCost, &cost)
	if err != nil {
		return def, err
	}
	if !found {
		return def, nil
	}
	return cost, nil
}

// SetCommandCost stores the per-command cost
func SetCommandCost(ctx context.Context, kvStorage model.KeyValueStore, cost int64) error {
	if kvStorage == nil {
		return errors.New("key value store is not set")
	}
	if cost < 0 {
		return model.ValidationError("command cost must not be negative")
	}
	return kvStorage.SetAny(ctx, model.KeyValueScopeSettings, model.KeyValueKeyCommandCost, cost)
}
