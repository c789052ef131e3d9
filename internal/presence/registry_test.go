package presence

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_MultiDevicePresence(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(4)
	onlineCalls, offlineCalls := 0, 0

	// Given a user connects from two devices
	req.True(r.Add("alice", "phone", func() { onlineCalls++ }))
	req.False(r.Add("alice", "laptop", func() { onlineCalls++ }))

	// Then the user is online with both connections and only one online transition
	req.True(r.IsOnline("alice"))
	req.ElementsMatch([]string{"phone", "laptop"}, r.Connections("alice"))
	req.Equal(1, onlineCalls)

	// When the first device drops the user stays online
	last, ok := r.Remove("alice", "phone", func() { offlineCalls++ })
	req.True(ok)
	req.False(last)
	req.True(r.IsOnline("alice"))

	// When the last device drops the user is removed and goes offline once
	last, ok = r.Remove("alice", "laptop", func() { offlineCalls++ })
	req.True(ok)
	req.True(last)
	req.False(r.IsOnline("alice"))
	req.Empty(r.Connections("alice"))
	req.Equal(1, offlineCalls)
}

func TestRegistry_RemoveUnknownConnectionIsNoop(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(2)
	r.Add("bob", "c1", nil)

	last, ok := r.Remove("bob", "unknown", func() { req.Fail("offline hook must not run") })
	req.False(ok)
	req.False(last)
	req.True(r.IsOnline("bob"))

	_, ok = r.Remove("nobody", "c1", nil)
	req.False(ok)
}

func TestRegistry_ConcurrentConnectDisconnectKeepsInvariant(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(8)
	var online, offline atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			r.Add("carol", conn, func() { online.Add(1) })
			r.Remove("carol", conn, func() { offline.Add(1) })
		}(i)
	}
	wg.Wait()

	// Every online transition is matched by exactly one offline transition
	req.False(r.IsOnline("carol"))
	req.Equal(online.Load(), offline.Load())
	req.Equal(0, r.OnlineUsers())
}
