package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/cmdgate/cmdgate/storage/model"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(
		Config{
			Driver:           DriverSQLite,
			DataDir:          t.TempDir(),
			CredentialPepper: "test-pepper",
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPrincipalsStorage_CreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t).PrincipalsStorage()

	p, credential, err := store.Create(ctx, "alice", model.RoleMember, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, credential)
	assert.Equal(t, credential[:credentialPrefixLen], p.CredentialPrefix)
	assert.NotEqual(t, credential, p.CredentialDigest)

	got, err := store.Authenticate(ctx, credential)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, int64(100), got.Credits)

	_, err = store.Authenticate(ctx, "")
	assert.ErrorAs(t, err, new(model.UnauthorizedError))
	_, err = store.Authenticate(ctx, "not-a-credential")
	assert.ErrorAs(t, err, new(model.UnauthorizedError))
	_, err = store.FindByCredential(ctx, "not-a-credential")
	assert.ErrorAs(t, err, new(model.NotFoundError))
}

func TestPrincipalsStorage_DuplicateUsername(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t).PrincipalsStorage()

	_, _, err := store.Create(ctx, "bob", model.RoleMember, 0)
	require.NoError(t, err)
	_, _, err = store.Create(ctx, "bob", model.RoleAdmin, 0)
	assert.ErrorAs(t, err, new(model.AlreadyExistsError))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPrincipalsStorage_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t).PrincipalsStorage()

	_, _, err := store.Create(ctx, "taken", model.RoleMember, 0)
	require.NoError(t, err)
	_, credential, err := store.Create(ctx, "carol", model.RoleMember, 5)
	require.NoError(t, err)

	admin := model.RoleAdmin
	credits := int64(42)
	updated, err := store.Update(ctx, credential, model.PrincipalUpdate{Role: &admin, Credits: &credits})
	require.NoError(t, err)
	assert.True(t, updated.IsAdmin())
	assert.Equal(t, int64(42), updated.Credits)

	taken := "taken"
	_, err = store.Update(ctx, credential, model.PrincipalUpdate{Username: &taken})
	assert.ErrorAs(t, err, new(model.AlreadyExistsError))

	require.NoError(t, store.Delete(ctx, credential))
	assert.ErrorAs(t, store.Delete(ctx, credential), new(model.NotFoundError))
	_, err = store.Authenticate(ctx, credential)
	assert.ErrorAs(t, err, new(model.UnauthorizedError))
}

func TestRulesStorage_SequenceNeverReused(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t).RulesStorage()

	first, err := store.Create(ctx, "^ls", model.ActionAutoAccept)
	require.NoError(t, err)
	second, err := store.Create(ctx, "rm", model.ActionAutoReject)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)

	require.NoError(t, store.Delete(ctx, second.ID))
	third, err := store.Create(ctx, "cat", model.ActionAutoAccept)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Sequence)

	rules, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "^ls", rules[0].Pattern)
	assert.Equal(t, "cat", rules[1].Pattern)

	assert.ErrorAs(t, store.Delete(ctx, second.ID), new(model.NotFoundError))
	_, err = store.Create(ctx, "x", model.Action("MAYBE"))
	assert.ErrorAs(t, err, new(model.ValidationError))
}

func TestRulesStorage_SkipsSequenceTakenElsewhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	store := s.RulesStorage()

	first, err := store.Create(ctx, "^ls", model.ActionAutoAccept)
	require.NoError(t, err)
	// another replica inserted 2 and its counter write has not reached ours
	require.NoError(
		t, s.DB().Create(
			&model.Rule{
				Sequence: first.Sequence + 1,
				Pattern:  "^pwd",
				Action:   model.ActionAutoAccept,
			},
		).Error,
	)

	next, err := store.Create(ctx, "^cat", model.ActionAutoAccept)
	require.NoError(t, err)
	assert.Equal(t, first.Sequence+2, next.Sequence)
}

func TestRulesStorage_RetriesSequenceCollision(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	var calls int
	onCreate(
		t, s, "rules", func(db *gorm.DB) {
			calls++
			if calls == 1 {
				_ = db.AddError(gorm.ErrDuplicatedKey)
			}
		},
	)
	rule, err := s.RulesStorage().Create(ctx, "^ls", model.ActionAutoAccept)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(1), rule.Sequence)

	rules, err := s.RulesStorage().List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule.ID, rules[0].ID)
}

func TestRulesStorage_PersistentCollisionFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	var calls int
	onCreate(
		t, s, "rules", func(db *gorm.DB) {
			calls++
			_ = db.AddError(gorm.ErrDuplicatedKey)
		},
	)
	_, err := s.RulesStorage().Create(ctx, "^ls", model.ActionAutoAccept)
	require.Error(t, err)
	assert.Equal(t, sequenceAttempts, calls)
}

func TestLedgerStorage_ApplyFloor(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, _, err := s.PrincipalsStorage().Create(ctx, "dave", model.RoleMember, 15)
	require.NoError(t, err)
	ledger := s.LedgerStorage()

	balance, err := ledger.Apply(ctx, p.ID, -10, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	_, err = ledger.Apply(ctx, p.ID, -10, 0, nil)
	var insufficient model.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(5), insufficient.Balance)
	assert.Equal(t, int64(10), insufficient.Amount)

	balance, err = ledger.Apply(ctx, p.ID, 20, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)

	_, err = ledger.Apply(ctx, 9999, -1, 0, nil)
	assert.ErrorAs(t, err, new(model.NotFoundError))
}

func TestLedgerStorage_ConcurrentCharges(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, _, err := s.PrincipalsStorage().Create(ctx, "erin", model.RoleMember, 100)
	require.NoError(t, err)
	ledger := s.LedgerStorage()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok int
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := &model.LogEntry{
				Timestamp:   time.Now(),
				PrincipalID: p.ID,
				Username:    p.Username,
				Role:        p.Role,
				CommandText: "ls",
				Status:      model.StatusExecuted,
			}
			if _, err := ledger.Apply(ctx, p.ID, -10, 0, entry); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	balance, err := ledger.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	count, err := s.LogStorage().Count(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestLogStorage_ChainAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	logs := s.LogStorage()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []model.LogEntry{
		{PrincipalID: 1, Username: "root", Role: model.RoleAdmin, CommandText: "ls", Status: model.StatusExecuted},
		{PrincipalID: 2, Username: "m1", Role: model.RoleMember, CommandText: "rm -rf /", Status: model.StatusRejected},
		{PrincipalID: 2, Username: "m1", Role: model.RoleMember, CommandText: "pwd", Status: model.StatusExecuted},
		{PrincipalID: 3, Username: "root2", Role: model.RoleAdmin, CommandText: "mkfs.ext4", Status: model.StatusRejected},
	}
	for i := range entries {
		entries[i].Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, logs.Append(ctx, &entries[i]))
	}
	assert.Empty(t, entries[0].PrevHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
	}

	all, err := logs.Query(ctx, model.LogQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "mkfs.ext4", all[0].CommandText)
	for _, e := range all {
		assert.Equal(t, e.Hash, e.ComputeHash(e.PrevHash))
	}

	member := uint(2)
	mine, err := logs.Query(ctx, model.LogQuery{PrincipalID: &member, Sort: model.SortAsc})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "rm -rf /", mine[0].CommandText)

	admin := model.RoleAdmin
	self := uint(1)
	others, err := logs.Query(ctx, model.LogQuery{Role: &admin, ExcludePrincipalID: &self})
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "root2", others[0].Username)

	executed, err := logs.Query(ctx, model.LogQuery{Status: model.StatusFilterExecuted})
	require.NoError(t, err)
	assert.Len(t, executed, 2)

	page, err := logs.Query(ctx, model.LogQuery{Sort: model.SortAsc, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "rm -rf /", page[0].CommandText)

	var seen int
	require.NoError(
		t, logs.Iterate(
			ctx, func(model.LogEntry) error {
				seen++
				return nil
			},
		),
	)
	assert.Equal(t, 4, seen)
}

func TestLogStorage_SurvivesPrincipalDeletion(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, credential, err := s.PrincipalsStorage().Create(ctx, "frank", model.RoleMember, 0)
	require.NoError(t, err)
	require.NoError(
		t, s.LogStorage().Append(
			ctx, &model.LogEntry{
				Timestamp:   time.Now(),
				PrincipalID: p.ID,
				Username:    p.Username,
				Role:        p.Role,
				CommandText: "echo hi",
				Status:      model.StatusRejected,
				Reason:      model.ReasonNoMatchingRule,
			},
		),
	)
	require.NoError(t, s.PrincipalsStorage().Delete(ctx, credential))

	count, err := s.LogStorage().Count(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCommandCostSetting(t *testing.T) {
	ctx := context.Background()
	kv := newTestStorage(t).KeyValue()

	cost, err := GetCommandCost(ctx, kv, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cost)

	require.NoError(t, SetCommandCost(ctx, kv, 3))
	cost, err = GetCommandCost(ctx, kv, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost)

	assert.ErrorAs(t, SetCommandCost(ctx, kv, -1), new(model.ValidationError))
}

// onCreate runs fn before every insert into table
func onCreate(t *testing.T, s *Storage, table string, fn func(db *gorm.DB)) {
	t.Helper()
	require.NoError(
		t, s.DB().Callback().Create().Before("gorm:create").Register(
			"test:"+t.Name(), func(db *gorm.DB) {
				if db.Statement.Table == table {
					fn(db)
				}
			},
		),
	)
}

func logEntry(p *model.Principal, command string) *model.LogEntry {
	return &model.LogEntry{
		Timestamp:   time.Now(),
		PrincipalID: p.ID,
		Username:    p.Username,
		Role:        p.Role,
		CommandText: command,
		Status:      model.StatusExecuted,
	}
}

func TestLogStorage_PrevHashIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, _, err := s.PrincipalsStorage().Create(ctx, "gina", model.RoleMember, 0)
	require.NoError(t, err)
	first := logEntry(p, "ls")
	require.NoError(t, s.LogStorage().Append(ctx, first))
	second := logEntry(p, "pwd")
	require.NoError(t, s.LogStorage().Append(ctx, second))

	// a second writer that read the same head as second
	fork := logEntry(p, "whoami")
	fork.PrevHash = second.PrevHash
	fork.Hash = fork.ComputeHash(fork.PrevHash)
	err = s.DB().Create(fork).Error
	require.Error(t, err)
	assert.True(t, isUniqueConstraintError(err))
}

func TestLogStorage_RetriesLostChainHead(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, _, err := s.PrincipalsStorage().Create(ctx, "hank", model.RoleMember, 0)
	require.NoError(t, err)
	require.NoError(t, s.LogStorage().Append(ctx, logEntry(p, "ls")))

	var calls int
	onCreate(
		t, s, "command_logs", func(db *gorm.DB) {
			calls++
			if calls == 1 {
				_ = db.AddError(gorm.ErrDuplicatedKey)
			}
		},
	)
	entry := logEntry(p, "pwd")
	require.NoError(t, s.LogStorage().Append(ctx, entry))
	assert.Equal(t, 2, calls)
	assert.NotZero(t, entry.ID)

	all, err := s.LogStorage().Query(ctx, model.LogQuery{Sort: model.SortAsc})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, all[0].Hash, all[1].PrevHash)
	assert.Equal(t, all[1].Hash, all[1].ComputeHash(all[1].PrevHash))
}

func TestLogStorage_GivesUpOnPersistentConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, _, err := s.PrincipalsStorage().Create(ctx, "ivan", model.RoleMember, 0)
	require.NoError(t, err)

	var calls int
	onCreate(
		t, s, "command_logs", func(db *gorm.DB) {
			calls++
			_ = db.AddError(gorm.ErrDuplicatedKey)
		},
	)
	err = s.LogStorage().Append(ctx, logEntry(p, "ls"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errChainConflict)
	assert.Equal(t, chainAppendAttempts, calls)
}

func TestLedgerStorage_RetriesLostChainHead(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, _, err := s.PrincipalsStorage().Create(ctx, "jane", model.RoleMember, 100)
	require.NoError(t, err)

	var calls int
	onCreate(
		t, s, "command_logs", func(db *gorm.DB) {
			calls++
			if calls == 1 {
				_ = db.AddError(gorm.ErrDuplicatedKey)
			}
		},
	)
	balance, err := s.LedgerStorage().Apply(ctx, p.ID, -10, 0, logEntry(p, "ls"))
	require.NoError(t, err)
	// the rolled back attempt must not have charged
	assert.Equal(t, int64(90), balance)
	assert.Equal(t, 2, calls)
	count, err := s.LogStorage().Count(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLedgerStorage_LogFailureRollsBackCharge(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	p, _, err := s.PrincipalsStorage().Create(ctx, "kate", model.RoleMember, 100)
	require.NoError(t, err)

	onCreate(
		t, s, "command_logs", func(db *gorm.DB) {
			_ = db.AddError(errors.New("disk full"))
		},
	)
	_, err = s.LedgerStorage().Apply(ctx, p.ID, -10, 0, logEntry(p, "ls"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errChainConflict)

	balance, err := s.LedgerStorage().Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	count, err := s.LogStorage().Count(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
