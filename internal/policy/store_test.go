package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/policygate/policygate/internal/common/testutil"
)

var adminRule = []Rule{{Name: "r1", When: `role == admin`, Effect: EffectAllow}}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_Restore(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s := NewMemoryStore()
	require.NoError(t, s.Restore([]Version{
		{ID: 1, Rules: adminRule, Author: "alice", CreatedAt: created},
		{ID: 2, Rules: []Rule{}, Author: "bob", CreatedAt: created.Add(time.Hour)},
	}, 1))

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.ID)
	assert.Equal(t, "alice", active.Author)
	assert.Equal(t, created, active.CreatedAt)

	res, err := Evaluate(active, Input{Roles: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Effect: EffectAllow, MatchedRule: "r1"}, res)

	v2, err := s.GetVersion(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, v2.Status)

	// ids continue after the restored history
	v3, err := s.Publish(ctx, adminRule, "carol", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v3.ID)

	assert.Error(t, s.Restore([]Version{{ID: 1}}, 1), "store is no longer empty")
}

func TestMemoryStore_RestoreRejectsBadHistory(t *testing.T) {
	assert.Error(t, NewMemoryStore().Restore([]Version{{ID: 2}}, 0))
	assert.True(t, IsUnknownVersion(NewMemoryStore().Restore([]Version{{ID: 1}}, 4)))

	s := NewMemoryStore()
	require.NoError(t, s.Restore(nil, 0))
	_, err := s.GetActive(context.Background())
	assert.ErrorIs(t, err, ErrNoActivePolicy)
}

func TestPostgresStore(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()

	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(ctx, db, zaptest.NewLogger(t))
		require.NoError(t, err)
		_, err = db.Pool.Exec(ctx, `TRUNCATE policy_active, policy_versions`)
		require.NoError(t, err)
		return s
	})
}

func TestPostgresStore_CorruptRowSurfacesOnEvaluate(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, db, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.Publish(ctx, adminRule, "alice", nil)
	require.NoError(t, err)

	_, err = db.Pool.Exec(ctx, `UPDATE policy_versions SET rules = '[{"name":"r1","when":"role ==","effect":"allow"}]' WHERE id = 1`)
	require.NoError(t, err)

	// a fresh store has no compiled cache
	fresh, err := NewPostgresStore(ctx, db, zaptest.NewLogger(t))
	require.NoError(t, err)

	v, err := fresh.GetActive(ctx)
	require.NoError(t, err)

	res, err := Evaluate(v, Input{Roles: []string{"admin"}})
	var internal *InternalPolicyError
	require.ErrorAs(t, err, &internal)
	assert.Equal(t, EffectDeny, res.Effect)
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("no active policy before publish", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetActive(ctx)
		assert.ErrorIs(t, err, ErrNoActivePolicy)

		versions, err := s.ListVersions(ctx)
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("publish assigns ids and demotes", func(t *testing.T) {
		s := newStore(t)

		v1, err := s.Publish(ctx, adminRule, "alice", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v1.ID)
		assert.Equal(t, StatusActive, v1.Status)
		assert.Equal(t, "alice", v1.Author)
		assert.False(t, v1.CreatedAt.IsZero())

		v2, err := s.Publish(ctx, []Rule{}, "bob", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v2.ID)

		active, err := s.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), active.ID)

		old, err := s.GetVersion(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusSuperseded, old.Status)
		assert.Equal(t, adminRule, old.Rules)

		versions, err := s.ListVersions(ctx)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 1, versions[0].RuleCount)
		assert.Equal(t, 0, versions[1].RuleCount)
		assertSingleActive(t, versions)
	})

	t.Run("publish copies rules", func(t *testing.T) {
		s := newStore(t)
		rules := []Rule{{Name: "r1", When: `role == admin`, Effect: EffectAllow}}

		v, err := s.Publish(ctx, rules, "alice", nil)
		require.NoError(t, err)
		rules[0].Effect = EffectDeny

		got, err := s.GetVersion(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, EffectAllow, got.Rules[0].Effect)
	})

	t.Run("invalid rules create nothing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Publish(ctx, []Rule{{Name: "r1", When: `unknown == x`, Effect: EffectAllow}}, "alice", nil)
		assert.True(t, IsInvalidRule(err))

		versions, err := s.ListVersions(ctx)
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("rollback reactivates", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Publish(ctx, adminRule, "alice", nil)
		require.NoError(t, err)
		_, err = s.Publish(ctx, []Rule{}, "alice", nil)
		require.NoError(t, err)

		var change Change
		v, err := s.Rollback(ctx, 1, "carol", func(_ context.Context, c Change) error {
			change = c
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), v.ID)
		assert.Equal(t, StatusActive, v.Status)
		assert.Equal(t, ChangeRolledBack, change.Kind)
		assert.Equal(t, int64(2), change.PreviousID)
		assert.False(t, change.NoOp)
		assert.Equal(t, "carol", change.Actor)

		active, err := s.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), active.ID)

		demoted, err := s.GetVersion(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, StatusSuperseded, demoted.Status)

		res, err := Evaluate(active, Input{Roles: []string{"admin"}})
		require.NoError(t, err)
		assert.Equal(t, Result{Effect: EffectAllow, MatchedRule: "r1"}, res)
	})

	t.Run("rollback to active is audited no-op", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Publish(ctx, adminRule, "alice", nil)
		require.NoError(t, err)

		calls := 0
		v, err := s.Rollback(ctx, 1, "carol", func(_ context.Context, c Change) error {
			calls++
			assert.True(t, c.NoOp)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, int64(1), v.ID)
		assert.Equal(t, StatusActive, v.Status)
	})

	t.Run("rollback to unknown version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Publish(ctx, adminRule, "alice", nil)
		require.NoError(t, err)

		called := false
		_, err = s.Rollback(ctx, 9, "carol", func(context.Context, Change) error {
			called = true
			return nil
		})
		assert.True(t, IsUnknownVersion(err))
		assert.False(t, called)

		_, err = s.GetVersion(ctx, 9)
		assert.True(t, IsUnknownVersion(err))
	})

	t.Run("commit hook failure aborts", func(t *testing.T) {
		s := newStore(t)
		hookErr := errors.New("ledger down")

		_, err := s.Publish(ctx, adminRule, "alice", func(context.Context, Change) error { return hookErr })
		assert.ErrorIs(t, err, hookErr)

		_, err = s.GetActive(ctx)
		assert.ErrorIs(t, err, ErrNoActivePolicy)

		_, err = s.Publish(ctx, adminRule, "alice", nil)
		require.NoError(t, err)
		_, err = s.Publish(ctx, []Rule{}, "alice", nil)
		require.NoError(t, err)

		_, err = s.Rollback(ctx, 1, "alice", func(context.Context, Change) error { return hookErr })
		assert.ErrorIs(t, err, hookErr)

		active, err := s.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), active.ID)
	})

	t.Run("change is invisible until committed", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Publish(ctx, adminRule, "alice", nil)
		require.NoError(t, err)

		_, err = s.Publish(ctx, []Rule{}, "alice", func(ctx context.Context, c Change) error {
			assert.Equal(t, int64(2), c.Version.ID)
			assert.Equal(t, int64(1), c.PreviousID)

			active, err := s.GetActive(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), active.ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("concurrent writers keep a single active version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Publish(ctx, adminRule, "seed", nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := s.Publish(ctx, adminRule, "writer", nil)
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := s.Rollback(ctx, 1, "roller", nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		versions, err := s.ListVersions(ctx)
		require.NoError(t, err)
		require.Len(t, versions, 21)
		for i, v := range versions {
			assert.Equal(t, int64(i+1), v.ID)
		}
		assertSingleActive(t, versions)
	})
}

func assertSingleActive(t *testing.T, versions []Summary) {
	t.Helper()
	active := 0
	for _, v := range versions {
		if v.Status == StatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
