package serverlist

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/db"
	"github.com/fleetsend/fleetsend/internal/hub/store"
)

func testProjection(t *testing.T) (*Projection, *sql.DB, *cache.Memory) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	mem := cache.NewMemory(time.Minute)
	p := &Projection{
		Queries:      store.New(sqlDB),
		Cache:        mem,
		OfflineAfter: 120 * time.Second,
		HideAfter:    time.Hour,
	}
	return p, sqlDB, mem
}

func setLastSeen(t *testing.T, sqlDB *sql.DB, serverID string, ts time.Time) {
	t.Helper()
	_, err := sqlDB.Exec(`UPDATE servers SET last_seen = ? WHERE server_id = ?`,
		ts.UTC().Format(time.RFC3339Nano), serverID)
	require.NoError(t, err)
}

func TestOnlineWorkerWins(t *testing.T) {
	p, _, mem := testProjection(t)
	ctx := context.Background()

	require.NoError(t, p.Queries.UpsertServer(ctx, "srvA", "alpha", "", store.ServerDisconnected, "{}"))
	mem.WorkerOnline(ctx, "srvA", cache.Info{Ready: true, ClientsCount: 4})
	mem.IncrLoad(ctx, "srvA", 2)

	list, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, store.ServerConnected, list[0].Status)
	require.Equal(t, 4, list[0].ClientsCount)
	require.Equal(t, 2, list[0].Load)
}

func TestOnlineNotReadyIsAvailable(t *testing.T) {
	p, _, mem := testProjection(t)
	ctx := context.Background()

	require.NoError(t, p.Queries.UpsertServer(ctx, "srvA", "alpha", "", store.ServerConnected, "{}"))
	mem.WorkerOnline(ctx, "srvA", cache.Info{Ready: false})

	list, err := p.List(ctx)
	require.NoError(t, err)
	require.Equal(t, store.ServerAvailable, list[0].Status)
}

func TestOfflineAfterThreshold(t *testing.T) {
	p, sqlDB, _ := testProjection(t)
	ctx := context.Background()

	require.NoError(t, p.Queries.UpsertServer(ctx, "srvA", "alpha", "", store.ServerConnected, "{}"))
	setLastSeen(t, sqlDB, "srvA", time.Now().Add(-5*time.Minute))

	list, err := p.List(ctx)
	require.NoError(t, err)
	require.Equal(t, store.ServerDisconnected, list[0].Status)
}

func TestRecentRowNormalizedByClients(t *testing.T) {
	p, sqlDB, _ := testProjection(t)
	ctx := context.Background()

	require.NoError(t, p.Queries.UpsertServer(ctx, "srvA", "alpha", "", store.ServerDisconnected, "{}"))
	require.NoError(t, p.Queries.TouchServer(ctx, "srvA", 3))
	require.NoError(t, p.Queries.UpsertServer(ctx, "srvB", "beta", "", store.ServerConnected, "{}"))
	setLastSeen(t, sqlDB, "srvA", time.Now().Add(-30*time.Second))
	setLastSeen(t, sqlDB, "srvB", time.Now().Add(-30*time.Second))

	list, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, store.ServerConnected, list[0].Status) // clients_count > 0
	require.Equal(t, store.ServerAvailable, list[1].Status) // clients_count == 0
}

func TestStaleRowsHidden(t *testing.T) {
	p, sqlDB, _ := testProjection(t)
	ctx := context.Background()

	require.NoError(t, p.Queries.UpsertServer(ctx, "srvA", "alpha", "", store.ServerConnected, "{}"))
	setLastSeen(t, sqlDB, "srvA", time.Now().Add(-2*time.Hour))

	list, err := p.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}
