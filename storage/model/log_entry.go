package model

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// ReasonNoMatchingRule is the reason recorded for default-deny rejections
const ReasonNoMatchingRule = "no matching rule"

// ReasonInsufficientCredits is the reason recorded when a principal cannot
// pay for a command
const ReasonInsufficientCredits = "insufficient credits"

// LogEntry is one admission decision. Entries are append-only and form a hash
// chain: every entry commits to the hash of its predecessor (by ID).
type LogEntry struct {
	// ID is the insertion sequence; it breaks ties between equal timestamps
	ID        uint      `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `gorm:"index;precision:6;not null" json:"timestamp"`
	// PrincipalID deliberately carries no foreign key so that deleting a
	// principal leaves its history intact
	PrincipalID  uint    `gorm:"index;not null" json:"-"`
	Username     string  `gorm:"size:50;not null" json:"username"`
	Role         Role    `gorm:"size:20;index;not null" json:"role"`
	CommandText  string  `gorm:"type:text;not null" json:"command_text"`
	Status       Status  `gorm:"size:20;index;not null" json:"status"`
	Reason       string  `gorm:"type:text" json:"reason"`
	CreditDelta  int64   `json:"credit_delta"`
	BalanceAfter int64   `json:"balance_after"`
	RuleSequence *uint64 `json:"rule_sequence,omitempty"`
	// PrevHash is unique so that two writers can never extend the same head
	PrevHash string `gorm:"size:64;uniqueIndex" json:"prev_hash"`
	Hash     string `gorm:"size:64;uniqueIndex;not null" json:"hash"`
}

// TableName implements gorm's tabler interface
func (LogEntry) TableName() string {
	return "command_logs"
}

// ComputeHash returns the chain hash of the entry on top of prevHash. It
// covers every field except ID and Hash itself.
func (e LogEntry) ComputeHash(prevHash string) string {
	h := blake3.New()
	ruleSeq := ""
	if e.RuleSequence != nil {
		ruleSeq = strconv.FormatUint(*e.RuleSequence, 10)
	}
	for _, field := range []string{
		prevHash,
		strconv.FormatInt(e.Timestamp.UnixMicro(), 10),
		strconv.FormatUint(uint64(e.PrincipalID), 10),
		e.Username,
		string(e.Role),
		e.CommandText,
		string(e.Status),
		e.Reason,
		strconv.FormatInt(e.CreditDelta, 10),
		strconv.FormatInt(e.BalanceAfter, 10),
		ruleSeq,
	} {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(field)))
		_, _ = h.Write(l[:])
		_, _ = h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LogQuery is a storage level query over log entries. Authorization has
// already been applied by the caller.
type LogQuery struct {
	// PrincipalID restricts the result to a single principal
	PrincipalID *uint
	// ExcludePrincipalID removes a single principal from the result
	ExcludePrincipalID *uint
	// Role restricts the result to entries written by principals of that role
	Role   *Role
	Status StatusFilter
	Sort   SortOrder
	Limit  int
	Offset int
}

// LogStore gives read access to the audit log and the single append path
// for decisions that do not touch credits.
type LogStore interface {
	// Append stamps the entry into the hash chain and stores it
	Append(ctx context.Context, entry *LogEntry) error
	// Query returns entries ordered by (timestamp, id)
	Query(ctx context.Context, q LogQuery) ([]LogEntry, error)
	// Count returns the number of entries written by a principal
	Count(ctx context.Context, principalID uint) (int64, error)
	// Iterate calls fn for every entry in ascending id order
	Iterate(ctx context.Context, fn func(LogEntry) error) error
}

// LedgerStore changes credit balances.
type LedgerStore interface {
	// Apply adds delta to the principal's credits and, if entry is not nil,
	// appends entry in the same transaction. For negative deltas the update
	// only happens if the resulting balance stays >= floor; otherwise an
	// InsufficientCreditsError is returned and nothing is written.
	Apply(ctx context.Context, principalID uint, delta, floor int64, entry *LogEntry) (int64, error)
	// Balance returns the current balance of a principal
	Balance(ctx context.Context, principalID uint) (int64, error)
}
