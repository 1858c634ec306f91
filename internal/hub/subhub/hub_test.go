package subhub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetsend/fleetsend/internal/hub/progress"
)

// recordingSession returns a session whose writes are captured.
func recordingSession(t *testing.T) (*Session, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	s := NewSession(nil, time.Second)
	s.SendFn = func(_ context.Context, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
		return nil
	}
	return s, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
}

func failingSession() *Session {
	s := NewSession(nil, time.Second)
	s.SendFn = func(context.Context, []byte) error {
		return errors.New("write failed")
	}
	return s
}

func taskType(t *testing.T, raw string) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	typ, _ := m["type"].(string)
	return typ
}

func TestTaskFanOut(t *testing.T) {
	h := New()
	sub, got := recordingSession(t)
	other, otherGot := recordingSession(t)
	h.Add(sub)
	h.Add(other)
	h.SubscribeTask(sub, "t1")

	h.BroadcastTaskUpdate("u1", progress.Update{Type: "task_update", TaskID: "t1", Status: "running"})

	require.Len(t, got(), 1)
	require.Equal(t, "task_update", taskType(t, got()[0]))
	require.Empty(t, otherGot(), "non-subscribers receive nothing")
}

func TestTaskFanOutFallsBackToUser(t *testing.T) {
	h := New()
	userSub, got := recordingSession(t)
	h.Add(userSub)
	h.SubscribeUser(userSub, "u1")

	// No task subscribers: the owner's user subscribers get it anyway.
	h.BroadcastTaskUpdate("u1", progress.Update{Type: "task_update", TaskID: "t1", Completed: true})

	require.Len(t, got(), 1)

	// With a task subscriber present, user subscribers are skipped.
	taskSub, taskGot := recordingSession(t)
	h.Add(taskSub)
	h.SubscribeTask(taskSub, "t1")

	h.BroadcastTaskUpdate("u1", progress.Update{Type: "task_update", TaskID: "t1", Completed: true})
	require.Len(t, got(), 1)
	require.Len(t, taskGot(), 1)
}

func TestWriteErrorEvictsFromAllIndexes(t *testing.T) {
	h := New()
	bad := failingSession()
	h.Add(bad)
	h.SubscribeUser(bad, "u1")
	h.SubscribeTask(bad, "t1")

	h.BroadcastTaskUpdate("u1", progress.Update{Type: "task_update", TaskID: "t1"})

	// The session is gone from every index; later events cannot reach it.
	require.Empty(t, h.taskTargets("t1"))
	require.Empty(t, h.userTargets("u1"))
	require.Empty(t, h.allTargets())
}

func TestSubscribeUserReplacesPrevious(t *testing.T) {
	h := New()
	s, got := recordingSession(t)
	h.Add(s)
	h.SubscribeUser(s, "u1")
	h.SubscribeUser(s, "u2")

	h.BroadcastToUser("u1", map[string]any{"type": "balance_update"})
	require.Empty(t, got())

	h.BroadcastToUser("u2", map[string]any{"type": "balance_update"})
	require.Len(t, got(), 1)
}

func TestUnsubscribeTask(t *testing.T) {
	h := New()
	s, got := recordingSession(t)
	h.Add(s)
	h.SubscribeTask(s, "t1")
	h.UnsubscribeTask(s, "t1")

	h.BroadcastTaskUpdate("u1", progress.Update{Type: "task_update", TaskID: "t1"})
	require.Empty(t, got())
}

func TestForwardRawReachesAll(t *testing.T) {
	h := New()
	a, aGot := recordingSession(t)
	b, bGot := recordingSession(t)
	h.Add(a)
	h.Add(b)

	raw := []byte(`{"type":"super_admin_response","command_id":"c1","success":true}`)
	h.ForwardRaw(raw)

	require.Equal(t, []string{string(raw)}, aGot())
	require.Equal(t, []string{string(raw)}, bGot())
}
