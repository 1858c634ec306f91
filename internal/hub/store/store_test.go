package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetsend/fleetsend/internal/hub/db"
)

func testQueries(t *testing.T) *Queries {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return New(sqlDB)
}

func TestUserLifecycle(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 100))
	require.NoError(t, q.CreateUserToken(ctx, "hash1", "u1"))

	u, err := q.GetUserByToken(ctx, "hash1")
	require.NoError(t, err)
	require.Equal(t, "u1", u.UserID)

	_, err = q.GetUserByToken(ctx, "nope")
	require.ErrorIs(t, err, sql.ErrNoRows)

	d, err := q.GetUserData(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 100.0, d.Credits)
	require.Equal(t, "[]", d.Usage)
	require.Empty(t, d.Rates)

	require.NoError(t, q.UpdateUserCreditsUsage(ctx, "u1", 98, `[{"action":"deduct"}]`))
	d, err = q.GetUserData(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 98.0, d.Credits)
}

func TestTaskStatusMonotonic(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, q.CreateTask(ctx, "t1", "u1", "hello", 3, StatusPending, "tr1"))

	require.NoError(t, q.MarkTaskRunning(ctx, "t1"))
	task, err := q.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, task.Status)

	require.NoError(t, q.MarkTaskDone(ctx, "t1"))
	// A late MarkTaskRunning must not regress the status.
	require.NoError(t, q.MarkTaskRunning(ctx, "t1"))
	task, err = q.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusDone, task.Status)
}

func TestShardLifecycle(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, q.CreateTask(ctx, "t1", "u1", "msg", 2, StatusPending, ""))
	require.NoError(t, q.CreateShard(ctx, "s1", "t1", `["1","2"]`))

	claimed, err := q.MarkShardRunning(ctx, "s1", "srvA")
	require.NoError(t, err)
	require.True(t, claimed)

	// Second claim within the same attempt must fail.
	claimed, err = q.MarkShardRunning(ctx, "s1", "srvB")
	require.NoError(t, err)
	require.False(t, claimed)

	s, err := q.GetShard(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "srvA", s.ServerID)
	require.False(t, s.LockedAt.IsZero())

	require.NoError(t, q.MarkShardDone(ctx, "s1", `{"success":2,"fail":0,"sent":2}`))
	s, err = q.GetShard(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StatusDone, s.Status)
}

func TestReclaimStaleShards(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, q.CreateTask(ctx, "t1", "u1", "msg", 2, StatusPending, ""))
	require.NoError(t, q.CreateShard(ctx, "s1", "t1", `["1"]`))
	require.NoError(t, q.CreateShard(ctx, "s2", "t1", `["2"]`))

	_, err := q.MarkShardRunning(ctx, "s1", "srvA")
	require.NoError(t, err)
	_, err = q.MarkShardRunning(ctx, "s2", "srvA")
	require.NoError(t, err)

	// Cutoff in the past: nothing is stale yet.
	n, err := q.ReclaimStaleShards(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	// Cutoff in the future: both running shards are stale.
	n, err = q.ReclaimStaleShards(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	s, err := q.GetShard(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, s.Status)
	require.Equal(t, 1, s.Attempts)
	require.Empty(t, s.ServerID)
	require.True(t, s.LockedAt.IsZero())
}

func TestReclaimStaleShardsSubSecondCutoff(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, q.CreateTask(ctx, "t1", "u1", "msg", 1, StatusPending, ""))
	require.NoError(t, q.CreateShard(ctx, "s1", "t1", `["1"]`))
	_, err := q.MarkShardRunning(ctx, "s1", "srvA")
	require.NoError(t, err)

	// A lock on an exact second boundary must still sort before a
	// fractional cutoff within the same second.
	lock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err = q.db.ExecContext(ctx,
		`UPDATE shards SET locked_at = ? WHERE shard_id = 's1'`, fmtTime(lock))
	require.NoError(t, err)

	n, err := q.ReclaimStaleShards(ctx, lock.Add(500*time.Millisecond))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestInsertReportIdempotent(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, q.CreateTask(ctx, "t1", "u1", "msg", 2, StatusPending, ""))
	require.NoError(t, q.CreateShard(ctx, "s1", "t1", `["1","2"]`))

	inserted, err := q.InsertReport(ctx, InsertReportParams{
		ShardID: "s1", ServerID: "srvA", UserID: "u1", Success: 2, Fail: 0, Credits: 2,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = q.InsertReport(ctx, InsertReportParams{
		ShardID: "s1", ServerID: "srvB", UserID: "u1", Success: 9, Fail: 9, Credits: 99,
	})
	require.NoError(t, err)
	require.False(t, inserted)

	r, err := q.GetReportByShard(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "srvA", r.ServerID)
	require.Equal(t, 2, r.Sent)
}

func TestTaskAggregates(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.CreateUser(ctx, "u1", "alice", 0))
	require.NoError(t, q.CreateTask(ctx, "t1", "u1", "msg", 3, StatusPending, ""))
	require.NoError(t, q.CreateShard(ctx, "s1", "t1", `["1","2"]`))
	require.NoError(t, q.CreateShard(ctx, "s2", "t1", `["3"]`))

	_, err := q.MarkShardRunning(ctx, "s1", "srvA")
	require.NoError(t, err)

	c, err := q.TaskShardCounts(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ShardCounts{Pending: 1, Running: 1, Done: 0, Total: 2}, c)

	_, err = q.InsertReport(ctx, InsertReportParams{ShardID: "s1", UserID: "u1", Success: 2, Fail: 0, Credits: 2})
	require.NoError(t, err)
	require.NoError(t, q.MarkShardDone(ctx, "s1", `{"success":2,"fail":0,"sent":2}`))

	_, err = q.InsertReport(ctx, InsertReportParams{ShardID: "s2", UserID: "u1", Success: 0, Fail: 1, Credits: 0})
	require.NoError(t, err)
	require.NoError(t, q.MarkShardDone(ctx, "s2", `{"success":0,"fail":1,"sent":1}`))

	c, err = q.TaskShardCounts(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ShardCounts{Pending: 0, Running: 0, Done: 2, Total: 2}, c)

	sums, err := q.TaskResultSums(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ResultSums{Success: 2, Fail: 1, Sent: 3}, sums)
}

func TestServerUpsertAndList(t *testing.T) {
	q := testQueries(t)
	ctx := context.Background()

	require.NoError(t, q.UpsertServer(ctx, "srvA", "alpha", "", ServerConnected, "{}"))
	require.NoError(t, q.UpsertServer(ctx, "srvA", "alpha-2", "", ServerAvailable, "{}"))
	require.NoError(t, q.TouchServer(ctx, "srvA", 5))

	s, err := q.GetServer(ctx, "srvA")
	require.NoError(t, err)
	require.Equal(t, "alpha-2", s.ServerName)
	require.Equal(t, ServerAvailable, s.Status)
	require.Equal(t, 5, s.ClientsCount)

	require.NoError(t, q.SetServerStatus(ctx, "srvA", ServerDisconnected))
	list, err := q.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, ServerDisconnected, list[0].Status)
}
