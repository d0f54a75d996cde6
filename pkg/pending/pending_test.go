package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
)

func resolved[T any](v T) *future.Future[T] {
	f := future.New[T]()
	f.Resolve(v)
	return f
}

func TestSubmitFetch_TwoPhase(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()

	f := future.New[string]()
	id, err := m.Submit(cid, f)
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), cid, id, false)
	assert.ErrorIs(t, err, ErrNotReady)
	ids, _ := m.PendingIDs(cid)
	assert.Equal(t, []int{id}, ids, "a non-blocking miss keeps the entry")

	f.Resolve("done")
	v, err := m.Fetch(context.Background(), cid, id, false)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	_, err = m.Fetch(context.Background(), cid, id, false)
	assert.True(t, errdefs.IsNotAPendingResult(err), "a result is fetched once")
}

func TestFetch_BlockWaits(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()

	f := future.New[int]()
	id, _ := m.Submit(cid, f)

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Resolve(42)
	}()

	v, err := m.Fetch(context.Background(), cid, id, true)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFetch_CancelKeepsEntry(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()
	id, _ := m.Submit(cid, future.New[int]())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Fetch(ctx, cid, id, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ids, _ := m.PendingIDs(cid)
	assert.Equal(t, []int{id}, ids)
}

func TestFetch_Failure(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()

	boom := errors.New("boom")
	id, _ := m.Submit(cid, future.Failed[int](boom))

	_, err := m.Fetch(context.Background(), cid, id, true)
	assert.ErrorIs(t, err, boom)
}

func TestIDsArePerClient(t *testing.T) {
	m := NewManager()
	a := m.RegisterClient()
	b := m.RegisterClient()
	require.NotEqual(t, a, b)

	ida, _ := m.Submit(a, resolved(1))
	idb, _ := m.Submit(b, resolved(2))
	assert.Equal(t, ida, idb, "each client numbers its own results")

	v, err := m.Fetch(context.Background(), b, idb, false)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestFlush(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()

	first, _ := m.Submit(cid, future.New[int]())
	_, _ = m.Submit(cid, resolved(1))

	n, err := m.Flush(cid)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = m.Fetch(context.Background(), cid, first, false)
	assert.True(t, errdefs.IsNotAPendingResult(err))

	next, _ := m.Submit(cid, resolved(3))
	assert.Greater(t, next, first, "ids are not reused after a flush")
}

func TestFetchAll_InOrder(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()

	slow := future.New[string]()
	_, _ = m.Submit(cid, slow)
	_, _ = m.Submit(cid, future.Failed[string](errors.New("bad")))
	_, _ = m.Submit(cid, resolved("fast"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		slow.Resolve("slow")
	}()

	out, err := m.FetchAll(context.Background(), cid)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "slow", out[0].Value)
	assert.EqualError(t, out[1].Err, "bad")
	assert.Equal(t, "fast", out[2].Value)

	ids, _ := m.PendingIDs(cid)
	assert.Empty(t, ids)
}

func TestCall(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()

	v, err := m.Call(context.Background(), cid, resolved("sync"))
	require.NoError(t, err)
	assert.Equal(t, "sync", v)

	ids, _ := m.PendingIDs(cid)
	assert.Empty(t, ids)
}

func TestUnknownClient(t *testing.T) {
	m := NewManager()
	cid := m.RegisterClient()
	require.NoError(t, m.UnregisterClient(cid))

	_, err := m.Submit(cid, resolved(1))
	assert.True(t, errdefs.IsInvalidClientID(err))
	_, err = m.Fetch(context.Background(), cid, 0, false)
	assert.True(t, errdefs.IsInvalidClientID(err))
	_, err = m.Flush(cid)
	assert.True(t, errdefs.IsInvalidClientID(err))
	assert.True(t, errdefs.IsInvalidClientID(m.UnregisterClient(cid)))
	assert.Zero(t, m.Clients())
}
