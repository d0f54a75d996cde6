package notify

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/protocol"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

func newPublisher(t *testing.T) *telemetry.EventPublisher {
	t.Helper()
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	require.NoError(t, err)
	return ep
}

// listen returns a subscriber endpoint and a channel of received frames.
func listen(t *testing.T) (string, int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// Connections are read one at a time in accept order.
	frames := make(chan string, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			frame, err := protocol.NewDecoder(conn, 0).DecodeString()
			_ = conn.Close()
			if err == nil {
				frames <- frame
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port, frames
}

func receive(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return ""
	}
}

func TestNotifier_DeliversRegistrationChanges(t *testing.T) {
	ep := newPublisher(t)
	n := New(ep)
	host, port, frames := listen(t)
	require.NoError(t, n.Add(host, port))

	require.NoError(t, ep.PublishEngineRegistered(3, "pipe"))
	assert.Equal(t, "REGISTER 3", receive(t, frames))

	require.NoError(t, ep.PublishEngineUnregistered(3))
	assert.Equal(t, "UNREGISTER 3", receive(t, frames))

	require.NoError(t, ep.PublishEngineDisconnected(4, 0))
	assert.Equal(t, "UNREGISTER 4", receive(t, frames))
}

func TestNotifier_PreservesEventOrder(t *testing.T) {
	ep := newPublisher(t)
	n := New(ep)
	host, port, frames := listen(t)
	require.NoError(t, n.Add(host, port))

	const engines = 10
	for id := 0; id < engines; id++ {
		require.NoError(t, ep.PublishEngineRegistered(id, "pipe"))
		require.NoError(t, ep.PublishEngineUnregistered(id))
	}
	for id := 0; id < engines; id++ {
		assert.Equal(t, "REGISTER "+strconv.Itoa(id), receive(t, frames))
		assert.Equal(t, "UNREGISTER "+strconv.Itoa(id), receive(t, frames))
	}
	n.Wait()
}

func TestNotifier_IgnoresOtherEvents(t *testing.T) {
	ep := newPublisher(t)
	n := New(ep)
	host, port, frames := listen(t)
	require.NoError(t, n.Add(host, port))

	require.NoError(t, ep.PublishQueueCleared(0, 2))
	time.Sleep(100 * time.Millisecond)
	n.Wait()

	select {
	case f := <-frames:
		t.Fatalf("unexpected notification %q", f)
	default:
	}
}

func TestNotifier_AddDel(t *testing.T) {
	n := New(newPublisher(t))

	require.NoError(t, n.Add("localhost", 10201))
	require.NoError(t, n.Add("localhost", 10201))
	require.NoError(t, n.Add("10.0.0.1", 80))
	assert.Equal(t, []string{"10.0.0.1:80", "localhost:10201"}, n.Subscribers())

	require.NoError(t, n.Del("localhost", 10201))
	assert.Equal(t, []string{"10.0.0.1:80"}, n.Subscribers())

	err := n.Del("localhost", 10201)
	assert.True(t, errdefs.IsKeyError(err))

	assert.Error(t, n.Add("", 80))
	assert.Error(t, n.Add("localhost", 70000))
}

func TestNotifier_UnreachableSubscriberIsKept(t *testing.T) {
	ep := newPublisher(t)
	n := New(ep, WithTimeout(200*time.Millisecond))

	// Grab a free port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	require.NoError(t, n.Add("127.0.0.1", port))
	require.NoError(t, ep.PublishEngineRegistered(0, "pipe"))
	time.Sleep(50 * time.Millisecond)
	n.Wait()

	assert.Len(t, n.Subscribers(), 1)
}
