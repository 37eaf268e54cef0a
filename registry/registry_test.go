package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/transport"
	"github.com/c360/protogate/transport/transporttest"
)

func handle(id string) *transporttest.Handle {
	return transporttest.NewHandle(id, transport.Callbacks{})
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "CONNECTED", StatusConnected.String())
	assert.Equal(t, "RECONNECTING", StatusReconnecting.String())
	assert.Equal(t, "UNKNOWN", Status(99).String())

	text, err := StatusStopped.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", string(text))
}

func TestRegistry_ConnectLifecycle(t *testing.T) {
	r := New()

	session, old := r.Begin("net-1")
	assert.Nil(t, old)
	st, ok := r.Get("net-1")
	require.True(t, ok)
	assert.Equal(t, StatusConnecting, st.Status)

	h := handle("net-1")
	require.True(t, r.Connected("net-1", session, h))
	assert.True(t, r.IsConnected("net-1"))

	got, ok := r.Handle("net-1")
	require.True(t, ok)
	assert.Same(t, h, got)

	st, _ = r.Get("net-1")
	assert.False(t, st.LastConnected.IsZero())
	assert.Equal(t, 0, st.Failures)
}

func TestRegistry_StaleSessionRejected(t *testing.T) {
	r := New()

	first, _ := r.Begin("net-1")
	second, _ := r.Begin("net-1")
	assert.NotEqual(t, first, second)

	assert.False(t, r.Connected("net-1", first, handle("net-1")))
	_, _, ok := r.Failed("net-1", first, errors.New("late"))
	assert.False(t, ok)

	assert.True(t, r.Connected("net-1", second, handle("net-1")))
	assert.False(t, r.Connected("net-1", second, handle("net-1")), "second handle for same session")
}

func TestRegistry_FailedCountsAndDetaches(t *testing.T) {
	r := New()
	session, _ := r.Begin("net-1")
	h := handle("net-1")
	require.True(t, r.Connected("net-1", session, h))

	n, old, ok := r.Failed("net-1", session, errors.New("lost"))
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Same(t, h, old)
	assert.False(t, r.IsConnected("net-1"))

	n, old, _ = r.Failed("net-1", session, errors.New("refused"))
	assert.Equal(t, 2, n)
	assert.Nil(t, old)

	st, _ := r.Get("net-1")
	assert.Equal(t, StatusReconnecting, st.Status)
	assert.Equal(t, "refused", st.LastError)

	assert.True(t, r.GiveUp("net-1", session))
	st, _ = r.Get("net-1")
	assert.Equal(t, StatusDisconnected, st.Status)
}

func TestRegistry_RemoveInvalidatesSession(t *testing.T) {
	r := New()
	changes, cancel := r.Watch(8)
	defer cancel()

	session, _ := r.Begin("net-1")
	h := handle("net-1")
	require.True(t, r.Connected("net-1", session, h))

	old, ok := r.Remove("net-1")
	require.True(t, ok)
	assert.Same(t, h, old)
	assert.False(t, r.Current("net-1", session))

	// A late success from the removed session is refused even if the
	// tenant is begun again.
	again, _ := r.Begin("net-1")
	assert.False(t, r.Connected("net-1", session, handle("net-1")))
	assert.True(t, r.Current("net-1", again))

	var seen []Status
	for len(changes) > 0 {
		seen = append(seen, (<-changes).To)
	}
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusStopped, StatusConnecting}, seen)

	_, ok = r.Remove("missing")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentConnectsYieldOneHandle(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	installed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, _ := r.Begin("net-1")
			if r.Connected("net-1", session, handle("net-1")) {
				mu.Lock()
				installed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total, connected := r.Count()
	assert.Equal(t, 1, total)
	assert.LessOrEqual(t, connected, 1)
	assert.GreaterOrEqual(t, installed, 1)
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		s, _ := r.Begin(id)
		if id != "b" {
			r.Connected(id, s, handle(id))
		}
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].TenantID)
	assert.Equal(t, "c", snap[2].TenantID)

	sessions := r.ConnectedSessions()
	assert.Len(t, sessions, 2)
	assert.NotContains(t, sessions, "b")
}

func TestRegistry_WatchCancel(t *testing.T) {
	r := New()
	ch, cancel := r.Watch(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	r.Begin("net-1")
}
