package rates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetsend/fleetsend/internal/hub/db"
	"github.com/fleetsend/fleetsend/internal/hub/store"
)

func testQueries(t *testing.T) *store.Queries {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return store.New(sqlDB)
}

func TestResolvePriority(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()
	r := &Resolver{Defaults: Prices{Send: 1.0, Fail: 0.0}}

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))

	// No overrides anywhere: defaults.
	require.Equal(t, Prices{Send: 1.0, Fail: 0.0}, r.Resolve(ctx, q, "u1"))

	// Global rates beat defaults.
	require.NoError(t, SetGlobalRates(ctx, q, Prices{Send: 0.8, Fail: 0.1}))
	require.Equal(t, Prices{Send: 0.8, Fail: 0.1}, r.Resolve(ctx, q, "u1"))

	// User rates beat global, regardless of source.
	require.NoError(t, SetUserRatesByAdmin(ctx, q, "adminX", "u1", Prices{Send: 0.5, Fail: 0.05}))
	require.Equal(t, Prices{Send: 0.5, Fail: 0.05}, r.Resolve(ctx, q, "u1"))
}

func TestResolveMissingFieldsFallBack(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()
	r := &Resolver{Defaults: Prices{Send: 1.0, Fail: 0.2}}

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, q.SetUserRates(ctx, "u1", `{"send":0.3}`, "adminX"))

	require.Equal(t, Prices{Send: 0.3, Fail: 0.2}, r.Resolve(ctx, q, "u1"))
}

func TestResolveUnknownUser(t *testing.T) {
	q := testQueries(t)
	r := &Resolver{Defaults: Prices{Send: 1.0}}
	require.Equal(t, Prices{Send: 1.0}, r.Resolve(context.Background(), q, "ghost"))
}

func TestAdminRangeEnforcedAtWrite(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, SetAdminRateRange(ctx, q, "adminX", Range{Min: 0.5, Max: 2.0}))

	err := SetUserRatesByAdmin(ctx, q, "adminX", "u1", Prices{Send: 0.1})
	require.ErrorIs(t, err, ErrRateOutOfRange)

	err = SetUserRatesByAdmin(ctx, q, "adminX", "u1", Prices{Send: 3.0})
	require.ErrorIs(t, err, ErrRateOutOfRange)

	require.NoError(t, SetUserRatesByAdmin(ctx, q, "adminX", "u1", Prices{Send: 1.5}))

	// At read time the stored value is authoritative even if the
	// range shrinks afterwards.
	require.NoError(t, SetAdminRateRange(ctx, q, "adminX", Range{Min: 0.5, Max: 1.0}))
	r := &Resolver{Defaults: Prices{Send: 1.0}}
	require.Equal(t, 1.5, r.Resolve(ctx, q, "u1").Send)
}

func TestSuperAdminRateUnoverridable(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, SetUserRatesBySuperAdmin(ctx, q, "u1", Prices{Send: 9.0}))

	err := SetUserRatesByAdmin(ctx, q, "adminX", "u1", Prices{Send: 1.0})
	require.ErrorIs(t, err, ErrSuperAdminRate)

	// Super admin can still change it.
	require.NoError(t, SetUserRatesBySuperAdmin(ctx, q, "u1", Prices{Send: 4.0}))
}
