package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/multiengine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/pending"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

// handlerFunc handles one client command. A returned error closes the
// connection; failures of the command itself are written to the client.
type handlerFunc func(ctx context.Context, s *session, cmd Command) error

// handlers maps every client verb to its handler. REGISTER is handled by the
// session itself because it changes the connection's role.
var handlers = map[Verb]handlerFunc{
	VerbExecute:    handleExecute,
	VerbPush:       handlePush,
	VerbPull:       handlePull,
	VerbScatter:    handleScatter,
	VerbGather:     handleGather,
	VerbGetResult:  handleGetResult,
	VerbStatus:     handleStatus,
	VerbReset:      handleReset,
	VerbKill:       handleKill,
	VerbKeys:       handleKeys,
	VerbClearQueue: handleClearQueue,
	VerbSetProps:   handleSetProps,
	VerbGetProps:   handleGetProps,
	VerbHasProps:   handleHasProps,
	VerbDelProps:   handleDelProps,
	VerbClearProps: handleClearProps,
	VerbFetch:      handleFetch,
	VerbFlush:      handleFlush,
	VerbNotify:     handleNotify,
	VerbGetIDs:     handleGetIDs,
	VerbDisconnect: handleDisconnect,
}

// fail writes err and the FAIL terminal of verb.
func (s *session) fail(verb Verb, err error) error {
	s.logger.WithVerb(string(verb)).WithError(err).Debug("command failed")
	s.srv.metrics.RecordError(string(errdefs.CodeOf(err)))
	r := s.newReply()
	return s.finish(r, r.fail(verb, err))
}

// awaitDone waits for f and replies with OK or the failure.
func awaitDone[T any](s *session, verb Verb, f *future.Future[T]) {
	s.await(f.Done(), func(r *reply) error {
		if _, _, err := f.Result(); err != nil {
			return r.fail(verb, err)
		}
		r.text(verb.OK())
		return nil
	})
}

// partialReplies returns the replies completed before a target failure.
func partialReplies(err error) []*engine.Reply {
	var terr *multiengine.TargetError
	if errors.As(err, &terr) {
		return terr.Replies
	}
	return nil
}

func handleExecute(ctx context.Context, s *session, cmd Command) error {
	block, script := ExecuteArgs(cmd.Args)

	f, err := s.srv.me.Execute(ctx, targetsOf(cmd), script)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}

	if !block {
		id, err := s.srv.pending.Submit(s.clientID, f)
		if err != nil {
			return s.fail(cmd.Verb, err)
		}
		return s.write(fmt.Sprintf("%s %d", FramePending, id), cmd.Verb.OK())
	}

	s.await(f.Done(), func(r *reply) error {
		replies, _, err := f.Result()
		return writeResults(r, cmd.Verb, replies, err)
	})
	return nil
}

// writeResults writes the RESULT value of every reply and the terminal frame.
// On failure the replies completed before the failing target go first.
func writeResults(r *reply, verb Verb, replies []*engine.Reply, err error) error {
	if err != nil {
		replies = partialReplies(err)
	}
	for _, rep := range replies {
		v, ok := rep.Value(KeyResult)
		if !ok {
			v = serial.MustEncode(nil)
		}
		if werr := r.value(KeyResult, v); werr != nil {
			return werr
		}
	}
	if err != nil {
		return r.fail(verb, err)
	}
	r.text(verb.OK())
	return nil
}

func handlePush(ctx context.Context, s *session, cmd Command) error {
	if err := s.write(cmd.Verb.Ready()); err != nil {
		return err
	}
	ns, invalid, err := s.readStream()
	if err != nil {
		return err
	}
	if invalid != nil {
		return s.fail(cmd.Verb, invalid)
	}

	f, err := s.srv.me.Push(ctx, targetsOf(cmd), ns)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}
	awaitDone(s, cmd.Verb, f)
	return nil
}

func handlePull(ctx context.Context, s *session, cmd Command) error {
	keys := Keys(cmd.Args)
	f, err := s.srv.me.Pull(ctx, targetsOf(cmd), keys)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}

	s.await(f.Done(), func(r *reply) error {
		values, _, err := f.Result()
		if err != nil {
			for _, rep := range partialReplies(err) {
				for _, k := range keys {
					v, _ := rep.Value(k)
					if werr := r.value(k, v); werr != nil {
						return werr
					}
				}
				r.text(FrameSegment + " PULLED")
			}
			return r.fail(cmd.Verb, err)
		}
		for _, vals := range values {
			for i, v := range vals {
				if werr := r.value(keys[i], v); werr != nil {
					return werr
				}
			}
			r.text(FrameSegment + " PULLED")
		}
		r.text(cmd.Verb.OK())
		return nil
	})
	return nil
}

func handleScatter(ctx context.Context, s *session, cmd Command) error {
	style, flatten, argErr := ScatterArgs(cmd.Args)

	if err := s.write(cmd.Verb.Ready()); err != nil {
		return err
	}
	ns, invalid, err := s.readStream()
	if err != nil {
		return err
	}
	if argErr != nil {
		return s.fail(cmd.Verb, argErr)
	}
	if invalid != nil {
		return s.fail(cmd.Verb, invalid)
	}

	futs := make([]*future.Future[[]*engine.Reply], 0, len(ns))
	for _, nv := range ns {
		f, err := s.srv.me.Scatter(ctx, targetsOf(cmd), nv.Key, nv.Value, style, flatten)
		if err != nil {
			return s.fail(cmd.Verb, err)
		}
		futs = append(futs, f)
	}
	awaitDone(s, cmd.Verb, future.JoinOrdered(futs))
	return nil
}

func handleGather(ctx context.Context, s *session, cmd Command) error {
	key, style, err := GatherArgs(cmd.Args)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}
	f, err := s.srv.me.Gather(ctx, targetsOf(cmd), key, style)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}

	s.await(f.Done(), func(r *reply) error {
		v, _, err := f.Result()
		if err != nil {
			return r.fail(cmd.Verb, err)
		}
		if werr := r.value(key, v); werr != nil {
			return werr
		}
		r.text(cmd.Verb.OK())
		return nil
	})
	return nil
}

func handleGetResult(ctx context.Context, s *session, cmd Command) error {
	index, err := IndexArg(cmd.Args, -1)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}

	entries, err := s.srv.me.GetResult(ctx, targetsOf(cmd), index)
	r := s.newReply()
	for _, e := range entries {
		for _, nv := range e.Values {
			if werr := r.value(nv.Key, nv.Value); werr != nil {
				return werr
			}
		}
	}
	if err != nil {
		return s.finish(r, r.fail(cmd.Verb, err))
	}
	r.text(cmd.Verb.OK())
	return s.send(r)
}

func handleStatus(ctx context.Context, s *session, cmd Command) error {
	statuses, err := s.srv.me.QueueStatus(ctx, targetsOf(cmd))
	r := s.newReply()
	for _, st := range statuses {
		if werr := r.encoded(KeyStatus, st); werr != nil {
			return werr
		}
	}
	if err != nil {
		return s.finish(r, r.fail(cmd.Verb, err))
	}
	r.text(cmd.Verb.OK())
	return s.send(r)
}

func handleReset(ctx context.Context, s *session, cmd Command) error {
	f, err := s.srv.me.Reset(ctx, targetsOf(cmd))
	if err != nil {
		return s.fail(cmd.Verb, err)
	}
	awaitDone(s, cmd.Verb, f)
	return nil
}

func handleKill(ctx context.Context, s *session, cmd Command) error {
	f, err := s.srv.me.Kill(ctx, targetsOf(cmd))
	if err != nil {
		return s.fail(cmd.Verb, err)
	}
	awaitDone(s, cmd.Verb, f)
	return nil
}

func handleKeys(ctx context.Context, s *session, cmd Command) error {
	f, err := s.srv.me.Keys(ctx, targetsOf(cmd))
	if err != nil {
		return s.fail(cmd.Verb, err)
	}

	s.await(f.Done(), func(r *reply) error {
		values, _, err := f.Result()
		if err != nil {
			for _, rep := range partialReplies(err) {
				v, _ := rep.Value(KeyKeys)
				if werr := r.value(KeyKeys, v); werr != nil {
					return werr
				}
			}
			return r.fail(cmd.Verb, err)
		}
		for _, v := range values {
			if werr := r.value(KeyKeys, v); werr != nil {
				return werr
			}
		}
		r.text(cmd.Verb.OK())
		return nil
	})
	return nil
}

func handleClearQueue(ctx context.Context, s *session, cmd Command) error {
	counts, err := s.srv.me.ClearQueue(ctx, targetsOf(cmd))
	r := s.newReply()
	for _, n := range counts {
		if werr := r.encoded(KeyCleared, n); werr != nil {
			return werr
		}
	}
	if err != nil {
		return s.finish(r, r.fail(cmd.Verb, err))
	}
	r.text(cmd.Verb.OK())
	return s.send(r)
}

func handleSetProps(ctx context.Context, s *session, cmd Command) error {
	if err := s.write(cmd.Verb.Ready()); err != nil {
		return err
	}
	ns, invalid, err := s.readStream()
	if err != nil {
		return err
	}
	if invalid != nil {
		return s.fail(cmd.Verb, invalid)
	}

	props := make(map[string]serial.Value, len(ns))
	for _, nv := range ns {
		props[nv.Key] = nv.Value
	}
	if err := s.srv.me.SetProperties(ctx, targetsOf(cmd), props); err != nil {
		return s.fail(cmd.Verb, err)
	}
	return s.write(cmd.Verb.OK())
}

func handleGetProps(ctx context.Context, s *session, cmd Command) error {
	keys := Keys(cmd.Args)
	maps, err := s.srv.me.GetProperties(ctx, targetsOf(cmd), keys)

	r := s.newReply()
	for _, props := range maps {
		names := keys
		if len(names) == 0 {
			names = make([]string, 0, len(props))
			for k := range props {
				names = append(names, k)
			}
			sort.Strings(names)
		}
		for _, k := range names {
			if werr := r.value(k, props[k]); werr != nil {
				return werr
			}
		}
		r.text(FrameSegment + " " + KeyProperties)
	}
	if err != nil {
		return s.finish(r, r.fail(cmd.Verb, err))
	}
	r.text(cmd.Verb.OK())
	return s.send(r)
}

func handleHasProps(ctx context.Context, s *session, cmd Command) error {
	keys := Keys(cmd.Args)
	if len(keys) == 0 {
		return s.fail(cmd.Verb, errdefs.ProtocolError("%s needs at least one key", cmd.Verb))
	}
	has, err := s.srv.me.HasProperties(ctx, targetsOf(cmd), keys)
	r := s.newReply()
	for _, h := range has {
		if werr := r.encoded(KeyHas, h); werr != nil {
			return werr
		}
	}
	if err != nil {
		return s.finish(r, r.fail(cmd.Verb, err))
	}
	r.text(cmd.Verb.OK())
	return s.send(r)
}

func handleDelProps(ctx context.Context, s *session, cmd Command) error {
	keys := Keys(cmd.Args)
	if len(keys) == 0 {
		return s.fail(cmd.Verb, errdefs.ProtocolError("%s needs at least one key", cmd.Verb))
	}
	if err := s.srv.me.DelProperties(ctx, targetsOf(cmd), keys); err != nil {
		return s.fail(cmd.Verb, err)
	}
	return s.write(cmd.Verb.OK())
}

func handleClearProps(ctx context.Context, s *session, cmd Command) error {
	if err := s.srv.me.ClearProperties(ctx, targetsOf(cmd)); err != nil {
		return s.fail(cmd.Verb, err)
	}
	return s.write(cmd.Verb.OK())
}

func handleFetch(ctx context.Context, s *session, cmd Command) error {
	id, block, err := FetchArgs(cmd.Args)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}

	if !block {
		v, err := s.srv.pending.Fetch(ctx, s.clientID, id, false)
		if errors.Is(err, pending.ErrNotReady) {
			return s.write(string(cmd.Verb) + " " + FrameNotReady)
		}
		r := s.newReply()
		return s.finish(r, writeFetched(r, cmd.Verb, v, err))
	}

	var (
		v        any
		fetchErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, fetchErr = s.srv.pending.Fetch(ctx, s.clientID, id, true)
	}()
	s.await(done, func(r *reply) error {
		return writeFetched(r, cmd.Verb, v, fetchErr)
	})
	return nil
}

// writeFetched writes the outcome of a pending request.
func writeFetched(r *reply, verb Verb, v any, err error) error {
	if err != nil {
		return writeResults(r, verb, nil, err)
	}
	replies, ok := v.([]*engine.Reply)
	if !ok {
		return r.fail(verb, errdefs.Newf(errdefs.CodeSerializationError, "cannot send pending result of type %T", v))
	}
	return writeResults(r, verb, replies, nil)
}

func handleFlush(_ context.Context, s *session, cmd Command) error {
	if _, err := s.srv.pending.Flush(s.clientID); err != nil {
		return s.fail(cmd.Verb, err)
	}
	return s.write(cmd.Verb.OK())
}

func handleNotify(_ context.Context, s *session, cmd Command) error {
	add, host, port, err := NotifyArgs(cmd.Args)
	if err != nil {
		return s.fail(cmd.Verb, err)
	}
	if s.srv.notifier == nil {
		return s.fail(cmd.Verb, errdefs.ProtocolError("notification is not enabled"))
	}
	if add {
		err = s.srv.notifier.Add(host, port)
	} else {
		err = s.srv.notifier.Del(host, port)
	}
	if err != nil {
		return s.fail(cmd.Verb, err)
	}
	return s.write(cmd.Verb.OK())
}

func handleGetIDs(_ context.Context, s *session, cmd Command) error {
	r := s.newReply()
	if err := r.encoded(KeyIDs, s.srv.me.IDs()); err != nil {
		return err
	}
	r.text(cmd.Verb.OK())
	return s.send(r)
}

func handleDisconnect(_ context.Context, s *session, cmd Command) error {
	return s.write(cmd.Verb.OK())
}
