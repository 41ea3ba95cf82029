package model

import (
	"context"
	"time"
)

// Rule maps a regular expression over command text to an action. Rules are
// evaluated by ascending Sequence; they are never changed in place.
type Rule struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// Sequence is the monotonic creation order; values are never reused
	Sequence uint64 `gorm:"uniqueIndex;not null" json:"sequence"`
	Pattern  string `gorm:"type:text;not null" json:"pattern"`
	Action   Action `gorm:"size:20;not null" json:"action"`
}

// AddRule is the request body for creating a rule
type AddRule struct {
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
}

// RulesStore persists rules. Pattern validation is the caller's job.
type RulesStore interface {
	// List returns all rules ordered by Sequence
	List(ctx context.Context) ([]Rule, error)
	// Create stores a new rule with the next sequence number
	Create(ctx context.Context, pattern string, action Action) (*Rule, error)
	// Delete removes a rule by id
	Delete(ctx context.Context, id uint) error
}
