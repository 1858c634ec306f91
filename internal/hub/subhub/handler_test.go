package subhub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/db"
	"github.com/fleetsend/fleetsend/internal/hub/serverlist"
	"github.com/fleetsend/fleetsend/internal/hub/store"
)

type handlerEnv struct {
	queries *store.Queries
	cache   *cache.Memory
	hub     *Hub
	url     string
}

func setupHandlerTest(t *testing.T) *handlerEnv {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	queries := store.New(sqlDB)
	c := cache.NewMemory(time.Minute)
	h := New()

	srv := httptest.NewServer(Handler(HandlerConfig{
		Hub:     h,
		Queries: queries,
		Projection: &serverlist.Projection{
			Queries:      queries,
			Cache:        c,
			OfflineAfter: 2 * time.Minute,
			HideAfter:    time.Hour,
		},
		SendTimeout:    time.Second,
		ReceiveTimeout: 30 * time.Second,
	}))
	t.Cleanup(srv.Close)

	return &handlerEnv{
		queries: queries,
		cache:   c,
		hub:     h,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// dial connects an observer and consumes the initial servers_list push.
func (e *handlerEnv) dial(t *testing.T, ctx context.Context) (*websocket.Conn, map[string]any) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	first := recvFrame(t, conn)
	require.Equal(t, "servers_list", first["type"])
	return conn, first
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, action string, data map[string]any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"action": action, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

func recvFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestHandlerInitialServerList(t *testing.T) {
	env := setupHandlerTest(t)
	ctx := context.Background()

	require.NoError(t, env.queries.UpsertServer(ctx, "srvA", "alpha", "", store.ServerConnected, "{}"))
	env.cache.WorkerOnline(ctx, "srvA", cache.Info{ServerName: "alpha", Ready: true})

	_, first := env.dial(t, ctx)
	servers := first["servers"].([]any)
	require.Len(t, servers, 1)
	require.Equal(t, "srvA", servers[0].(map[string]any)["server_id"])

	// get_servers returns the same projection on demand.
	conn, _ := env.dial(t, ctx)
	sendFrame(t, ctx, conn, "get_servers", nil)
	again := recvFrame(t, conn)
	require.Equal(t, "servers_list", again["type"])
	require.Len(t, again["servers"].([]any), 1)
}

func TestHandlerLateSubscriberGetsSnapshot(t *testing.T) {
	env := setupHandlerTest(t)
	ctx := context.Background()

	// A task that fully completed before any observer connected.
	require.NoError(t, env.queries.CreateUser(ctx, "u1", "alice", 100))
	require.NoError(t, env.queries.CreateTask(ctx, "t1", "u1", "msg", 1, store.StatusPending, "tr1"))
	require.NoError(t, env.queries.SetTaskShardCount(ctx, "t1", 1))
	require.NoError(t, env.queries.MarkTaskRunning(ctx, "t1"))
	require.NoError(t, env.queries.CreateShard(ctx, "s1", "t1", `["1"]`))
	claimed, err := env.queries.MarkShardRunning(ctx, "s1", "srvA")
	require.NoError(t, err)
	require.True(t, claimed)
	inserted, err := env.queries.InsertReport(ctx, store.InsertReportParams{
		ShardID: "s1", ServerID: "srvA", UserID: "u1", Success: 1, Fail: 0, Credits: 1,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, env.queries.MarkShardDone(ctx, "s1", `{"success":1,"fail":0,"sent":1}`))
	require.NoError(t, env.queries.MarkTaskDone(ctx, "t1"))

	conn, _ := env.dial(t, ctx)
	sendFrame(t, ctx, conn, "subscribe_task", map[string]any{"task_id": "t1"})

	ack := recvFrame(t, conn)
	require.Equal(t, "subscribed", ack["type"])
	require.Equal(t, "t1", ack["task_id"])

	snapshot := recvFrame(t, conn)
	require.Equal(t, "task_update", snapshot["type"])
	require.Equal(t, true, snapshot["is_snapshot"])
	require.Equal(t, store.StatusDone, snapshot["status"])
	require.Equal(t, true, snapshot["completed"])
	require.Equal(t, float64(1), snapshot["shards"].(map[string]any)["done"])
	require.Equal(t, float64(1), snapshot["result"].(map[string]any)["success"])
}

func TestHandlerUserSubscribeLiveFanout(t *testing.T) {
	env := setupHandlerTest(t)
	ctx := context.Background()

	conn, _ := env.dial(t, ctx)
	sendFrame(t, ctx, conn, "subscribe_user", map[string]any{"user_id": "u1"})
	ack := recvFrame(t, conn)
	require.Equal(t, "user_subscribed", ack["type"])

	env.hub.BroadcastToUser("u1", map[string]any{
		"type": "balance_update", "user_id": "u1", "credits": 42.0,
	})
	ev := recvFrame(t, conn)
	require.Equal(t, "balance_update", ev["type"])
	require.Equal(t, float64(42), ev["credits"])
}

func TestHandlerPingAndUnknownAction(t *testing.T) {
	env := setupHandlerTest(t)
	ctx := context.Background()

	conn, _ := env.dial(t, ctx)
	sendFrame(t, ctx, conn, "ping", nil)
	require.Equal(t, "pong", recvFrame(t, conn)["type"])

	sendFrame(t, ctx, conn, "bogus", nil)
	ev := recvFrame(t, conn)
	require.Equal(t, "error", ev["type"])

	sendFrame(t, ctx, conn, "subscribe_task", map[string]any{})
	ev = recvFrame(t, conn)
	require.Equal(t, "error", ev["type"])
	require.Equal(t, "task_id required", ev["message"])
}
