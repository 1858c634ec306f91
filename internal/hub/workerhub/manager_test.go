package workerhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConn(serverID string) *Conn {
	c := NewConn(serverID, serverID+"-name", nil, time.Second)
	c.SendFn = func(context.Context, []byte) error { return nil }
	return c
}

func TestRegisterReplacesPrevious(t *testing.T) {
	m := New()

	c1 := testConn("srvA")
	require.Nil(t, m.Register(c1))
	require.Same(t, c1, m.Get("srvA"))

	c2 := testConn("srvA")
	require.Same(t, c1, m.Register(c2), "replaced channel is returned to the caller")
	require.Same(t, c2, m.Get("srvA"))
	require.Equal(t, 1, m.Count())
}

func TestUnregisterComparesPointers(t *testing.T) {
	m := New()

	c1 := testConn("srvA")
	m.Register(c1)
	c2 := testConn("srvA")
	m.Register(c2)

	// The stale channel's cleanup must not evict the replacement.
	require.False(t, m.Unregister("srvA", c1))
	require.True(t, m.IsOnline("srvA"))

	require.True(t, m.Unregister("srvA", c2))
	require.False(t, m.IsOnline("srvA"))
	require.Nil(t, m.Get("srvA"))
}

func TestSendSerializesWrites(t *testing.T) {
	c := NewConn("srvA", "alpha", nil, time.Second)

	var mu sync.Mutex
	inflight, maxInflight := 0, 0
	c.SendFn = func(context.Context, []byte) error {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inflight--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, c.Send(map[string]any{"type": "heartbeat_ack"}))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxInflight, "at most one outstanding write per channel")
}

func TestReadyFlag(t *testing.T) {
	c := testConn("srvA")
	require.False(t, c.Ready())
	c.SetReady(true)
	require.True(t, c.Ready())
}
