package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carelink/internal/event"
	"github.com/carelink/internal/event/eventtest"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New(false)
	c := eventtest.NewConn("patient-1")

	require.True(t, r.Register(c))
	conns, ok := r.Lookup("patient-1")
	require.True(t, ok)
	require.Len(t, conns, 1)
	require.Equal(t, c.ID(), conns[0].ID())
	require.True(t, r.IsOnline("patient-1"))
	require.Equal(t, []string{"patient-1"}, r.ListOnline())

	_, ok = r.Lookup("nobody")
	require.False(t, ok)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New(false)
	c := eventtest.NewConn("patient-1")
	r.Register(c)

	require.True(t, r.Unregister(c))
	require.False(t, r.Unregister(c))
	_, ok := r.Lookup("patient-1")
	require.False(t, ok)
	conns, ids := r.Count()
	require.Zero(t, conns)
	require.Zero(t, ids)
}

func TestSingleDeviceReconnectOverwrites(t *testing.T) {
	r := New(false)
	first := eventtest.NewConn("doc")
	second := eventtest.NewConn("doc")

	require.True(t, r.Register(first))
	require.False(t, r.Register(second))

	conns, ok := r.Lookup("doc")
	require.True(t, ok)
	require.Len(t, conns, 1)
	require.Equal(t, second.ID(), conns[0].ID())

	// the stale handle must not evict the live one
	require.False(t, r.Unregister(first))
	require.True(t, r.IsOnline("doc"))

	require.True(t, r.Unregister(second))
	require.False(t, r.IsOnline("doc"))
}

func TestMultiDeviceKeepsAllConnections(t *testing.T) {
	r := New(true)
	phone := eventtest.NewConn("doc")
	laptop := eventtest.NewConn("doc")

	require.True(t, r.Register(phone))
	require.False(t, r.Register(laptop))

	n := r.SendTo("doc", event.Outgoing{Type: event.UserOnline})
	require.Equal(t, 2, n)
	require.Len(t, phone.Events(), 1)
	require.Len(t, laptop.Events(), 1)

	require.False(t, r.Unregister(phone))
	require.True(t, r.IsOnline("doc"))
	require.True(t, r.Unregister(laptop))
}

func TestListOnlineSortedAndSendToOffline(t *testing.T) {
	r := New(false)
	for _, id := range []string{"p", "d", "a"} {
		r.Register(eventtest.NewConn(id))
	}
	require.Equal(t, []string{"a", "d", "p"}, r.ListOnline())
	require.Zero(t, r.SendTo("nobody", event.Outgoing{Type: event.UserOnline}))
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New(true)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := eventtest.NewConn("shared")
			r.Register(c)
			r.Unregister(c)
		}()
	}
	wg.Wait()
	require.False(t, r.IsOnline("shared"))
	conns, ids := r.Count()
	require.Zero(t, conns)
	require.Zero(t, ids)
}
