package multiengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine/enginetest"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/history"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/targets"
)

func wait[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never completed")
	return v, err
}

func nextCommand(t *testing.T, c *enginetest.Conn) *engine.Command {
	t.Helper()
	select {
	case cmd := <-c.Commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command dispatched")
		return nil
	}
}

func resultStdin(t *testing.T, r *engine.Reply) string {
	t.Helper()
	v, ok := r.Value("RESULT")
	require.True(t, ok, "reply without RESULT")
	var record map[string]any
	require.NoError(t, serial.DecodeInto(v, &record))
	return record["stdin"].(string)
}

// historyLen counts the history entries of the engine currently at id.
func historyLen(t *testing.T, m *MultiEngine, store *history.Store, id int) int {
	t.Helper()
	e, err := m.Registry().Get(id)
	require.NoError(t, err)
	n, err := store.Count(context.Background(), id, e.Session())
	require.NoError(t, err)
	return n
}

// withNamespaces registers n engines backed by in-memory namespaces.
func withNamespaces(t *testing.T, n int, opts ...Option) *MultiEngine {
	t.Helper()
	reg := engine.NewRegistry()
	t.Cleanup(reg.Close)
	for i := 0; i < n; i++ {
		enginetest.Register(reg, enginetest.NewNamespace().Handle, nil)
	}
	return New(reg, opts...)
}

func TestExecute_AllEngines(t *testing.T) {
	m := withNamespaces(t, 3)

	f, err := m.Execute(context.Background(), targets.All(), "a = 5")
	require.NoError(t, err)

	replies, err := wait(t, f)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	for i, r := range replies {
		assert.Equal(t, i, r.EngineID)
		assert.Equal(t, "a = 5", resultStdin(t, r))
	}
}

func TestDispatch_ResultsFollowTargetOrder(t *testing.T) {
	reg := engine.NewRegistry()
	defer reg.Close()
	c0, id0 := enginetest.Register(reg, nil, nil)
	c1, id1 := enginetest.Register(reg, nil, nil)
	m := New(reg)

	f, err := m.Dispatch(context.Background(), targets.Many(id1, id0), engine.Op{Kind: engine.OpKeys})
	require.NoError(t, err)

	nextCommand(t, c0)
	nextCommand(t, c1)

	// The engine listed first answers last.
	require.NoError(t, c0.Reply(id0, serial.NamedValue{Key: "KEYS", Value: serial.MustEncode([]string{"zero"})}))
	time.Sleep(10 * time.Millisecond)
	assert.False(t, f.IsDone(), "joined before the first target answered")
	require.NoError(t, c1.Reply(id1, serial.NamedValue{Key: "KEYS", Value: serial.MustEncode([]string{"one"})}))

	replies, err := wait(t, f)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, id1, replies[0].EngineID)
	assert.Equal(t, id0, replies[1].EngineID)
}

func TestDispatch_FirstFailureInTargetOrder(t *testing.T) {
	reg := engine.NewRegistry()
	defer reg.Close()
	conns := make([]*enginetest.Conn, 3)
	for i := range conns {
		conns[i], _ = enginetest.Register(reg, nil, nil)
	}
	m := New(reg)

	f, err := m.Execute(context.Background(), targets.All(), "boom()")
	require.NoError(t, err)
	for _, c := range conns {
		nextCommand(t, c)
	}

	// Engine 2 fails first but engine 1 comes first in target order.
	require.NoError(t, conns[2].Fail(2, errors.New("late failure")))
	require.NoError(t, conns[1].Fail(1, errors.New("early failure")))
	require.NoError(t, conns[0].Reply(0))

	_, err = wait(t, f)
	var terr *TargetError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Index)
	assert.Equal(t, 1, terr.EngineID)
	assert.EqualError(t, terr.Err, "early failure")
	require.Len(t, terr.Replies, 1)
	assert.Equal(t, 0, terr.Replies[0].EngineID)
}

func TestDispatch_ResolveErrorsBeforeSideEffects(t *testing.T) {
	reg := engine.NewRegistry()
	defer reg.Close()
	conn, id := enginetest.Register(reg, nil, nil)
	m := New(reg)

	_, err := m.Execute(context.Background(), targets.Many(id, 9), "x = 1")
	assert.True(t, errdefs.IsInvalidEngineID(err))
	assert.Empty(t, conn.Dispatched(), "nothing may be enqueued when a target is invalid")

	empty := New(engine.NewRegistry())
	_, err = empty.Execute(context.Background(), targets.All(), "x = 1")
	assert.True(t, errdefs.IsNoEngines(err))
}

func TestPushPull_RoundTrip(t *testing.T) {
	m := withNamespaces(t, 2)
	ctx := context.Background()

	f, err := m.Push(ctx, targets.All(), []serial.NamedValue{
		{Key: "a", Value: serial.MustEncode(5)},
		{Key: "b", Value: serial.MustEncode("text")},
	})
	require.NoError(t, err)
	_, err = wait(t, f)
	require.NoError(t, err)

	pf, err := m.Pull(ctx, targets.Single(1), []string{"b", "a"})
	require.NoError(t, err)
	values, err := wait(t, pf)
	require.NoError(t, err)
	require.Len(t, values, 1)

	b, err := serial.Decode(values[0][0])
	require.NoError(t, err)
	assert.Equal(t, "text", b)
	a, err := serial.Decode(values[0][1])
	require.NoError(t, err)
	assert.EqualValues(t, 5, a)

	pf, err = m.Pull(ctx, targets.All(), []string{"missing"})
	require.NoError(t, err)
	_, err = wait(t, pf)
	var terr *TargetError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, terr.Index)
	assert.True(t, errdefs.IsKeyError(err))
}

func TestScatterGather_RoundTrip(t *testing.T) {
	m := withNamespaces(t, 3)
	ctx := context.Background()

	seq := serial.MustEncode([]any{"a", "b", "c", "d", "e", "f", "g"})
	f, err := m.Scatter(ctx, targets.All(), "part", seq, "basic", false)
	require.NoError(t, err)
	_, err = wait(t, f)
	require.NoError(t, err)

	pf, err := m.Pull(ctx, targets.Single(0), []string{"part"})
	require.NoError(t, err)
	values, err := wait(t, pf)
	require.NoError(t, err)
	first, err := serial.Decode(values[0][0])
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, first)

	gf, err := m.Gather(ctx, targets.All(), "part", "basic")
	require.NoError(t, err)
	joined, err := wait(t, gf)
	require.NoError(t, err)
	assert.Equal(t, seq.Data, joined.Data)
}

func TestScatterGather_FlattenedNestedLists(t *testing.T) {
	m := withNamespaces(t, 3)
	ctx := context.Background()

	seq := serial.MustEncode([]any{[]any{1, 2}, []any{3, 4}, []any{5}})
	f, err := m.Scatter(ctx, targets.All(), "rows", seq, "basic", true)
	require.NoError(t, err)
	_, err = wait(t, f)
	require.NoError(t, err)

	pf, err := m.Pull(ctx, targets.Single(0), []string{"rows"})
	require.NoError(t, err)
	values, err := wait(t, pf)
	require.NoError(t, err)
	first, err := serial.Decode(values[0][0])
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(1), uint64(2)}, first)

	gf, err := m.Gather(ctx, targets.All(), "rows", "basic")
	require.NoError(t, err)
	joined, err := wait(t, gf)
	require.NoError(t, err)
	assert.Equal(t, seq.Data, joined.Data)

	// A plain push replaces the element with a block.
	f, err = m.Push(ctx, targets.Single(0), []serial.NamedValue{{Key: "rows", Value: serial.MustEncode([]any{7, 8})}})
	require.NoError(t, err)
	_, err = wait(t, f)
	require.NoError(t, err)

	gf, err = m.Gather(ctx, targets.All(), "rows", "basic")
	require.NoError(t, err)
	joined, err = wait(t, gf)
	require.NoError(t, err)
	assert.Equal(t, serial.MustEncode([]any{7, 8, []any{3, 4}, []any{5}}).Data, joined.Data)
}

func TestScatter_RejectsBeforeEnqueue(t *testing.T) {
	reg := engine.NewRegistry()
	defer reg.Close()
	conn, _ := enginetest.Register(reg, nil, nil)
	m := New(reg)

	_, err := m.Scatter(context.Background(), targets.All(), "x", serial.MustEncode("scalar"), "basic", false)
	assert.True(t, errdefs.IsSerialization(err))

	_, err = m.Scatter(context.Background(), targets.All(), "x", serial.MustEncode([]any{1}), "cyclic", false)
	assert.True(t, errdefs.IsProtocolError(err))

	assert.Empty(t, conn.Dispatched())
}

func TestKeysAndReset(t *testing.T) {
	m := withNamespaces(t, 1)
	ctx := context.Background()

	f, err := m.Push(ctx, targets.All(), []serial.NamedValue{{Key: "z", Value: serial.MustEncode(1)}})
	require.NoError(t, err)
	_, err = wait(t, f)
	require.NoError(t, err)

	kf, err := m.Keys(ctx, targets.All())
	require.NoError(t, err)
	keys, err := wait(t, kf)
	require.NoError(t, err)
	var names []string
	require.NoError(t, serial.DecodeInto(keys[0], &names))
	assert.Equal(t, []string{"z"}, names)

	rf, err := m.Reset(ctx, targets.All())
	require.NoError(t, err)
	_, err = wait(t, rf)
	require.NoError(t, err)

	kf, _ = m.Keys(ctx, targets.All())
	keys, err = wait(t, kf)
	require.NoError(t, err)
	var after []string
	require.NoError(t, serial.DecodeInto(keys[0], &after))
	assert.Empty(t, after)
}

func TestGetResult_FromHistory(t *testing.T) {
	store, err := history.Open(context.Background(), history.Config{Path: history.MemoryPath})
	require.NoError(t, err)
	defer store.Close()

	m := withNamespaces(t, 2, WithHistory(store))
	ctx := context.Background()

	for i, script := range []string{"a = 1", "b = 2"} {
		f, err := m.Execute(ctx, targets.All(), script)
		require.NoError(t, err)
		_, err = wait(t, f)
		require.NoError(t, err)

		// Recording happens after the reply is delivered.
		require.Eventually(t, func() bool {
			return historyLen(t, m, store, 0) == i+1 && historyLen(t, m, store, 1) == i+1
		}, 2*time.Second, 10*time.Millisecond)
	}

	entries, err := m.GetResult(ctx, targets.All(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a = 1", entries[0].Summary)
	assert.Equal(t, 1, entries[1].EngineID)

	latest, err := m.GetResult(ctx, targets.Single(0), -1)
	require.NoError(t, err)
	assert.Equal(t, "b = 2", latest[0].Summary)

	_, err = m.GetResult(ctx, targets.All(), 7)
	var terr *TargetError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 0, terr.Index)
	assert.True(t, errdefs.IsKeyError(err))
}

func TestGetResult_RecordsInExecutionOrder(t *testing.T) {
	store, err := history.Open(context.Background(), history.Config{Path: history.MemoryPath})
	require.NoError(t, err)
	defer store.Close()

	m := withNamespaces(t, 1, WithHistory(store))
	ctx := context.Background()

	const runs = 20
	futs := make([]*future.Future[[]*engine.Reply], runs)
	for i := range futs {
		futs[i], err = m.Execute(ctx, targets.All(), fmt.Sprintf("x = %d", i))
		require.NoError(t, err)
	}
	for _, f := range futs {
		_, err := wait(t, f)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return historyLen(t, m, store, 0) == runs
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < runs; i++ {
		entries, err := m.GetResult(ctx, targets.All(), i)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("x = %d", i), entries[0].Summary)
	}
	latest, err := m.GetResult(ctx, targets.All(), -1)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("x = %d", runs-1), latest[0].Summary)
}

func TestGetResult_ReusedIDStartsEmpty(t *testing.T) {
	store, err := history.Open(context.Background(), history.Config{Path: history.MemoryPath})
	require.NoError(t, err)
	defer store.Close()

	m := withNamespaces(t, 1, WithHistory(store))
	ctx := context.Background()

	f, err := m.Execute(ctx, targets.All(), "a = 1")
	require.NoError(t, err)
	_, err = wait(t, f)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return historyLen(t, m, store, 0) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Registry().Unregister(0))
	_, id := enginetest.Register(m.Registry(), enginetest.NewNamespace().Handle, nil)
	require.Equal(t, 0, id)

	_, err = m.GetResult(ctx, targets.Single(0), -1)
	assert.True(t, errdefs.IsKeyError(err))
}

func TestQueueStatusAndClear(t *testing.T) {
	reg := engine.NewRegistry()
	defer reg.Close()
	conn, id := enginetest.Register(reg, nil, nil)
	m := New(reg)
	ctx := context.Background()

	var futs []*future.Future[[]*engine.Reply]
	for _, s := range []string{"first", "second", "third"} {
		f, err := m.Execute(ctx, targets.Single(id), s)
		require.NoError(t, err)
		futs = append(futs, f)
	}
	nextCommand(t, conn)

	status, err := m.QueueStatus(ctx, targets.All())
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].QueueLength)
	require.NotNil(t, status[0].Current)

	cleared, err := m.ClearQueue(ctx, targets.All())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, cleared)

	_, err = wait(t, futs[1])
	assert.True(t, errdefs.IsQueueCleared(err))

	require.NoError(t, conn.Reply(id))
	_, err = wait(t, futs[0])
	assert.NoError(t, err, "the in-flight command survives a clear")
}

func TestProperties_PartialOnFailure(t *testing.T) {
	m := withNamespaces(t, 2)
	ctx := context.Background()

	require.NoError(t, m.SetProperties(ctx, targets.Single(0), map[string]serial.Value{
		"color": serial.MustEncode("red"),
	}))

	has, err := m.HasProperties(ctx, targets.All(), []string{"color"})
	require.NoError(t, err)
	assert.Equal(t, [][]bool{{true}, {false}}, has)

	props, err := m.GetProperties(ctx, targets.All(), []string{"color"})
	var terr *TargetError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 1, terr.Index)
	require.Len(t, props, 1, "the successful prefix is returned")
	assert.Contains(t, props[0], "color")

	require.NoError(t, m.DelProperties(ctx, targets.Single(0), []string{"color"}))
	require.NoError(t, m.ClearProperties(ctx, targets.All()))
	all, err := m.GetProperties(ctx, targets.All(), nil)
	require.NoError(t, err)
	assert.Empty(t, all[0])
}

func TestKill_RemovesEngines(t *testing.T) {
	m := withNamespaces(t, 2)

	f, err := m.Kill(context.Background(), targets.Single(1))
	require.NoError(t, err)
	_, err = wait(t, f)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(m.IDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{0}, m.IDs())

	_, err = m.Execute(context.Background(), targets.Single(1), "a = 1")
	assert.True(t, errdefs.IsInvalidEngineID(err))
}
