package protocol

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine/enginetest"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/multiengine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/pending"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

type testController struct {
	addr string
	reg  *engine.Registry
	srv  *Server
}

func startController(t *testing.T, opts ...ServerOption) *testController {
	t.Helper()

	reg := engine.NewRegistry()
	srv := NewServer(multiengine.New(reg), pending.NewManager(), opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		reg.Close()
	})
	return &testController{addr: ln.Addr().String(), reg: reg, srv: srv}
}

// startEngine connects an engine answering with h and waits for its id.
func (tc *testController) startEngine(t *testing.T, h EngineHandler) (int, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ec, err := DialEngine(ctx, tc.addr, 0, nil)
	require.NoError(t, err)
	id, err := ec.Register(nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ec.Serve(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		_ = ec.Close()
	})
	return id, done
}

// rawConn speaks frames directly.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	enc  *Encoder
	dec  *Decoder
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return &rawConn{t: t, conn: conn, enc: NewEncoder(conn, 0), dec: NewDecoder(conn, 0)}
}

func (c *rawConn) send(frames ...string) {
	c.t.Helper()
	require.NoError(c.t, c.enc.EncodeString(frames...))
}

func (c *rawConn) sendValue(key string, v serial.Value) {
	c.t.Helper()
	require.NoError(c.t, WriteValue(c.enc, key, v))
}

func (c *rawConn) next() string {
	c.t.Helper()
	frame, err := c.dec.DecodeString()
	require.NoError(c.t, err)
	return frame
}

func (c *rawConn) expect(frames ...string) {
	c.t.Helper()
	for _, want := range frames {
		assert.Equal(c.t, want, c.next())
	}
}

// value reads a tagged value and checks its key.
func (c *rawConn) value(key string) serial.Value {
	c.t.Helper()
	nv, err := ReadValue(c.dec, c.next())
	require.NoError(c.t, err)
	assert.Equal(c.t, key, nv.Key)
	return nv.Value
}

func (c *rawConn) failure() *serial.Failure {
	c.t.Helper()
	f, ok := serial.AsFailure(c.value(KeyFailure))
	require.True(c.t, ok, "FAILURE value does not carry a failure")
	return f
}

func TestServer_GetIDs(t *testing.T) {
	tc := startController(t)
	ns := enginetest.NewNamespace()
	id0, _ := tc.startEngine(t, ns.Handle)
	id1, _ := tc.startEngine(t, ns.Handle)
	assert.Equal(t, 0, id0)
	assert.Equal(t, 1, id1)

	c := dialRaw(t, tc.addr)
	c.send("GETIDS")
	var ids []int
	require.NoError(t, serial.DecodeInto(c.value(KeyIDs), &ids))
	assert.Equal(t, []int{0, 1}, ids)
	c.expect("GETIDS OK")
}

func TestServer_ExecuteBlock(t *testing.T) {
	tc := startController(t)
	tc.startEngine(t, enginetest.NewNamespace().Handle)
	tc.startEngine(t, enginetest.NewNamespace().Handle)

	c := dialRaw(t, tc.addr)
	c.send("EXECUTE BLOCK a = 5::1::0")
	for range 2 {
		var record map[string]any
		require.NoError(t, serial.DecodeInto(c.value(KeyResult), &record))
		assert.Equal(t, "a = 5", record["stdin"])
	}
	c.expect("EXECUTE OK")
}

func TestServer_ExecutePendingThenFetch(t *testing.T) {
	tc := startController(t)
	tc.startEngine(t, enginetest.NewNamespace().Handle)

	c := dialRaw(t, tc.addr)
	c.send("EXECUTE a = 1::0")
	c.expect("PENDING 0", "EXECUTE OK")

	c.send("EXECUTE b = 2::0")
	c.expect("PENDING 1", "EXECUTE OK")

	c.send("FETCH 1 BLOCK")
	var record map[string]any
	require.NoError(t, serial.DecodeInto(c.value(KeyResult), &record))
	assert.Equal(t, "b = 2", record["stdin"])
	c.expect("FETCH OK")

	// A fetched result is gone.
	c.send("FETCH 1")
	f := c.failure()
	assert.Equal(t, string(errdefs.CodeNotAPendingResult), f.Code)
	c.expect("FETCH FAIL")
}

func TestServer_FetchNotReady(t *testing.T) {
	tc := startController(t)
	ns := enginetest.NewNamespace()
	ns.Delay = 500 * time.Millisecond
	tc.startEngine(t, ns.Handle)

	c := dialRaw(t, tc.addr)
	c.send("EXECUTE slow::0")
	c.expect("PENDING 0", "EXECUTE OK")

	c.send("FETCH 0")
	c.expect("FETCH NOTREADY")

	c.send("FETCH 0 BLOCK")
	c.value(KeyResult)
	c.expect("FETCH OK")
}

func TestServer_PushPull(t *testing.T) {
	tc := startController(t)
	tc.startEngine(t, enginetest.NewNamespace().Handle)
	tc.startEngine(t, enginetest.NewNamespace().Handle)

	c := dialRaw(t, tc.addr)
	c.send("PUSH::all")
	c.expect("PUSH READY")
	c.sendValue("a", serial.MustEncode(42))
	c.sendValue("b", serial.MustEncode([]float64{1, 2}))
	c.send(FrameDone)
	c.expect("PUSH OK")

	c.send("PULL a,b::1::0")
	for range 2 {
		var a int
		require.NoError(t, serial.DecodeInto(c.value("a"), &a))
		assert.Equal(t, 42, a)
		assert.True(t, c.value("b").IsArray())
		c.expect("SEGMENT PULLED")
	}
	c.expect("PULL OK")
}

func TestServer_PullMissingKey(t *testing.T) {
	tc := startController(t)
	id, _ := tc.startEngine(t, enginetest.NewNamespace().Handle)

	c := dialRaw(t, tc.addr)
	c.send("PULL nope::0")
	f := c.failure()
	assert.Equal(t, string(errdefs.CodeKeyError), f.Code)
	assert.Equal(t, id, f.EngineID)
	c.expect("PULL FAIL")
}

func TestServer_StreamRejectsStrayFrames(t *testing.T) {
	tc := startController(t)
	tc.startEngine(t, enginetest.NewNamespace().Handle)

	c := dialRaw(t, tc.addr)
	c.send("PUSH::0")
	c.expect("PUSH READY")
	c.sendValue("a", serial.MustEncode(1))
	c.send("GETIDS")
	c.expect(FrameUnexpectedFrame)
	c.send(FrameDone)
	c.expect("PUSH OK")
}

func TestServer_BadFrames(t *testing.T) {
	tc := startController(t)
	c := dialRaw(t, tc.addr)

	c.send("FROB")
	c.expect(FrameBadCommand)

	c.send("STATUS::x")
	c.expect(FrameBadIDList)

	// The connection is still usable.
	c.send("GETIDS")
	c.value(KeyIDs)
	c.expect("GETIDS OK")
}

func TestServer_InvalidTarget(t *testing.T) {
	tc := startController(t)
	tc.startEngine(t, enginetest.NewNamespace().Handle)

	c := dialRaw(t, tc.addr)
	c.send("STATUS::9")
	f := c.failure()
	assert.Equal(t, string(errdefs.CodeInvalidEngineID), f.Code)
	c.expect("STATUS FAIL")
}

func TestServer_NoEngines(t *testing.T) {
	tc := startController(t)
	c := dialRaw(t, tc.addr)

	c.send("EXECUTE BLOCK a::all")
	f := c.failure()
	assert.Equal(t, string(errdefs.CodeNoEnginesRegistered), f.Code)
	c.expect("EXECUTE FAIL")
}

func TestServer_UnexpectedFrameWhileAwaiting(t *testing.T) {
	tc := startController(t)
	ns := enginetest.NewNamespace()
	ns.Delay = 300 * time.Millisecond
	tc.startEngine(t, ns.Handle)

	c := dialRaw(t, tc.addr)
	c.send("EXECUTE BLOCK a::0")
	c.send("GETIDS")
	c.expect(FrameUnexpectedFrame)
	c.value(KeyResult)
	c.expect("EXECUTE OK")
}

func TestServer_EngineDisconnectFailsInFlight(t *testing.T) {
	tc := startController(t)

	eng := dialRaw(t, tc.addr)
	eng.send("REGISTER 3")
	eng.expect("REGISTER 3")

	c := dialRaw(t, tc.addr)
	c.send("EXECUTE BLOCK a::3")
	eng.expect("EXECUTE a")
	require.NoError(t, eng.conn.Close())

	f := c.failure()
	assert.Equal(t, string(errdefs.CodeEngineDisconnected), f.Code)
	assert.Equal(t, 3, f.EngineID)
	c.expect("EXECUTE FAIL")

	require.Eventually(t, func() bool { return tc.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RegisterRejectsBadID(t *testing.T) {
	tc := startController(t)
	c := dialRaw(t, tc.addr)

	c.send("REGISTER x")
	f := c.failure()
	assert.Equal(t, string(errdefs.CodeProtocolError), f.Code)
	c.expect("REGISTER FAIL")
	assert.Zero(t, tc.reg.Len())
}

func TestServer_EngineFailureForwarded(t *testing.T) {
	tc := startController(t)
	tc.startEngine(t, func(cmd *engine.Command) (*engine.Reply, error) {
		return nil, errors.New("NameError: name 'x' is not defined")
	})

	c := dialRaw(t, tc.addr)
	c.send("EXECUTE BLOCK x::0")
	f := c.failure()
	assert.Equal(t, string(errdefs.CodeEngineFailure), f.Code)
	assert.Contains(t, f.Message, "NameError")
	c.expect("EXECUTE FAIL")
}

func TestServer_Kill(t *testing.T) {
	tc := startController(t)
	_, done := tc.startEngine(t, enginetest.NewNamespace().Handle)

	c := dialRaw(t, tc.addr)
	c.send("KILL::0")
	c.expect("KILL OK")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrKilled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

type recordingNotifier struct {
	added, removed []string
}

func (n *recordingNotifier) Add(host string, port int) error {
	n.added = append(n.added, net.JoinHostPort(host, strconv.Itoa(port)))
	return nil
}

func (n *recordingNotifier) Del(host string, port int) error {
	n.removed = append(n.removed, net.JoinHostPort(host, strconv.Itoa(port)))
	return nil
}

func TestServer_Notify(t *testing.T) {
	n := &recordingNotifier{}
	tc := startController(t, WithNotifier(n))
	c := dialRaw(t, tc.addr)

	c.send("NOTIFY ADD localhost 10201")
	c.expect("NOTIFY OK")
	c.send("NOTIFY DEL localhost 10201")
	c.expect("NOTIFY OK")

	assert.Equal(t, []string{"localhost:10201"}, n.added)
	assert.Equal(t, []string{"localhost:10201"}, n.removed)
}

func TestServer_NotifyDisabled(t *testing.T) {
	tc := startController(t)
	c := dialRaw(t, tc.addr)

	c.send("NOTIFY ADD localhost 10201")
	c.failure()
	c.expect("NOTIFY FAIL")
}

func TestServer_Disconnect(t *testing.T) {
	tc := startController(t)
	c := dialRaw(t, tc.addr)

	c.send("DISCONNECT")
	c.expect("DISCONNECT OK")

	_, err := c.dec.Decode()
	assert.Error(t, err, "server closes the connection after DISCONNECT")
}
