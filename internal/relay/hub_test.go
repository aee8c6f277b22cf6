package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/relay/internal/wire"
)

func TestConsumersShareOneConnection(t *testing.T) {
	script := &transportScript{next: func(int) *fakeTransport { return newFakeTransport("websocket", nil) }}
	hub := NewHub(testOptions(script.factory(), nil))
	defer hub.Shutdown()

	c1 := hub.Attach("user-1", "client")
	c2 := hub.Attach("user-1", "client")

	var mu sync.Mutex
	got := map[string]int{}
	c1.RegisterHandler("notice", func(*wire.Message) {
		mu.Lock()
		got["c1"]++
		mu.Unlock()
	})
	c2.RegisterHandler("notice", func(*wire.Message) {
		mu.Lock()
		got["c2"]++
		mu.Unlock()
	})

	c1.Connect()
	c2.Connect()
	require.Eventually(t, func() bool { return c1.IsConnected() }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, script.count(), "two consumers for one owner share one transport")

	script.fake(0).emitMessage(&wire.Message{Type: "notice"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["c1"] == 1 && got["c2"] == 1
	}, 2*time.Second, 5*time.Millisecond, "both consumers receive the inbound message")
}

func TestDetachLeavesConnectionUpForOthers(t *testing.T) {
	script := &transportScript{next: func(int) *fakeTransport { return newFakeTransport("websocket", nil) }}
	hub := NewHub(testOptions(script.factory(), nil))
	defer hub.Shutdown()

	c1 := hub.Attach("user-1", "client")
	c2 := hub.Attach("user-1", "client")

	var mu sync.Mutex
	got := map[string]int{}
	c1.RegisterHandler("notice", func(*wire.Message) { mu.Lock(); got["c1"]++; mu.Unlock() })
	c2.RegisterHandler("notice", func(*wire.Message) { mu.Lock(); got["c2"]++; mu.Unlock() })

	c1.Connect()
	require.Eventually(t, func() bool { return c2.IsConnected() }, 2*time.Second, 5*time.Millisecond)

	c1.Detach()
	script.fake(0).emitMessage(&wire.Message{Type: "notice"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["c2"] == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, got["c1"], "a detached consumer receives nothing")
	assert.True(t, c2.IsConnected(), "the shared connection stays up")
}

func TestDistinctOwnersGetDistinctManagers(t *testing.T) {
	script := &transportScript{next: func(int) *fakeTransport { return newFakeTransport("websocket", nil) }}
	hub := NewHub(testOptions(script.factory(), nil))
	defer hub.Shutdown()

	c1 := hub.Attach("user-1", "client")
	c2 := hub.Attach("user-2", "client")
	c1.Connect()
	c2.Connect()

	require.Eventually(t, func() bool { return c1.IsConnected() && c2.IsConnected() },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, script.count(), "different owners need their own connections")
}

func TestHubRelease(t *testing.T) {
	script := &transportScript{next: func(int) *fakeTransport { return newFakeTransport("websocket", nil) }}
	hub := NewHub(testOptions(script.factory(), nil))

	c := hub.Attach("user-1", "client")
	c.Connect()
	require.Eventually(t, func() bool { return c.IsConnected() }, 2*time.Second, 5*time.Millisecond)

	hub.Release("user-1")
	require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, hub.Manager("user-1"))

	// Attaching again builds a fresh manager.
	c2 := hub.Attach("user-1", "client")
	c2.Connect()
	require.Eventually(t, func() bool { return c2.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, script.count())
	hub.Shutdown()
}
