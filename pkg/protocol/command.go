package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/targets"
)

// Verb names a wire command.
type Verb string

const (
	VerbRegister   Verb = "REGISTER"
	VerbExecute    Verb = "EXECUTE"
	VerbPush       Verb = "PUSH"
	VerbPull       Verb = "PULL"
	VerbScatter    Verb = "SCATTER"
	VerbGather     Verb = "GATHER"
	VerbGetResult  Verb = "GETRESULT"
	VerbStatus     Verb = "STATUS"
	VerbReset      Verb = "RESET"
	VerbKill       Verb = "KILL"
	VerbKeys       Verb = "KEYS"
	VerbClearQueue Verb = "CLEARQUEUE"
	VerbSetProps   Verb = "SETPROPS"
	VerbGetProps   Verb = "GETPROPS"
	VerbHasProps   Verb = "HASPROPS"
	VerbDelProps   Verb = "DELPROPS"
	VerbClearProps Verb = "CLEARPROPS"
	VerbFetch      Verb = "FETCH"
	VerbFlush      Verb = "FLUSH"
	VerbNotify     Verb = "NOTIFY"
	VerbGetIDs     Verb = "GETIDS"
	VerbDisconnect Verb = "DISCONNECT"
)

var knownVerbs = map[Verb]bool{
	VerbRegister: true, VerbExecute: true, VerbPush: true, VerbPull: true,
	VerbScatter: true, VerbGather: true, VerbGetResult: true, VerbStatus: true,
	VerbReset: true, VerbKill: true, VerbKeys: true, VerbClearQueue: true,
	VerbSetProps: true, VerbGetProps: true, VerbHasProps: true, VerbDelProps: true,
	VerbClearProps: true, VerbFetch: true, VerbFlush: true, VerbNotify: true,
	VerbGetIDs: true, VerbDisconnect: true,
}

// Status tokens.
const (
	StatusOK    = "OK"
	StatusFail  = "FAIL"
	StatusReady = "READY"

	FrameBadCommand      = "BAD COMMAND"
	FrameBadIDList       = "BAD ID LIST"
	FrameUnexpectedFrame = "UNEXPECTED FRAME"
	FramePending         = "PENDING"
	FrameNotReady        = "NOTREADY"
)

// OK returns the success terminal frame of v.
func (v Verb) OK() string { return string(v) + " " + StatusOK }

// Fail returns the failure terminal frame of v.
func (v Verb) Fail() string { return string(v) + " " + StatusFail }

// Ready returns the readiness frame of a streaming verb.
func (v Verb) Ready() string { return string(v) + " " + StatusReady }

var (
	// ErrBadCommand marks a frame whose verb is not recognized.
	ErrBadCommand = errors.New("bad command")

	// ErrBadIDList marks a frame whose target list is malformed.
	ErrBadIDList = errors.New("bad id list")
)

// Command is a parsed command frame: VERB[ args][::targets].
type Command struct {
	Verb Verb
	Args string

	// Targets is set when HasTargets is true.
	Targets    targets.Spec
	HasTargets bool
}

// String renders the command back to wire form.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(string(c.Verb))
	if c.Args != "" {
		b.WriteByte(' ')
		b.WriteString(c.Args)
	}
	if c.HasTargets {
		b.WriteString(targets.Separator)
		b.WriteString(c.Targets.String())
	}
	return b.String()
}

// ParseCommand parses a command frame. The target list is the leftmost
// "::" suffix that parses as one, so script arguments may contain "::".
func ParseCommand(frame string) (Command, error) {
	frame = strings.TrimRight(frame, "\r\n")

	end := len(frame)
	if i := strings.IndexByte(frame, ' '); i >= 0 {
		end = i
	}
	if i := strings.Index(frame, targets.Separator); i >= 0 && i < end {
		end = i
	}
	verb := Verb(strings.ToUpper(frame[:end]))
	if !knownVerbs[verb] {
		return Command{}, errdefs.Wrap(errdefs.CodeProtocolError, fmt.Sprintf("unknown verb %q", frame[:end]), ErrBadCommand)
	}

	cmd := Command{Verb: verb}
	rest := frame[end:]
	if strings.HasPrefix(rest, " ") {
		rest = rest[1:]
	}

	sep := strings.Index(rest, targets.Separator)
	if sep < 0 {
		cmd.Args = rest
		return cmd, nil
	}

	var firstErr error
	for i := sep; i >= 0; {
		spec, err := targets.Parse(rest[i+len(targets.Separator):])
		if err == nil {
			cmd.Args = strings.TrimRight(rest[:i], " ")
			cmd.Targets = spec
			cmd.HasTargets = true
			return cmd, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		next := strings.Index(rest[i+1:], targets.Separator)
		if next < 0 {
			break
		}
		i += 1 + next
	}
	return Command{}, errdefs.Wrap(errdefs.CodeProtocolError, firstErr.Error(), ErrBadIDList)
}

// Keys splits a comma separated key list.
func Keys(args string) []string {
	var keys []string
	for _, k := range strings.Split(args, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Options parses "name=value" words. Words without "=" are returned as
// positional arguments.
func Options(args string) (map[string]string, []string) {
	opts := make(map[string]string)
	var positional []string
	for _, w := range strings.Fields(args) {
		if k, v, ok := strings.Cut(w, "="); ok {
			opts[k] = v
			continue
		}
		positional = append(positional, w)
	}
	return opts, positional
}

// ExecuteArgs splits EXECUTE arguments into the blocking flag and the script.
func ExecuteArgs(args string) (block bool, script string) {
	if args == "BLOCK" {
		return true, ""
	}
	if s, ok := strings.CutPrefix(args, "BLOCK "); ok {
		return true, s
	}
	return false, args
}

// ScatterArgs parses "style=<s> flatten=<0|1>".
func ScatterArgs(args string) (style string, flatten bool, err error) {
	opts, positional := Options(args)
	if len(positional) > 0 {
		return "", false, errdefs.ProtocolError("unexpected scatter argument %q", positional[0])
	}
	style = opts["style"]
	if style == "" {
		style = "basic"
	}
	switch opts["flatten"] {
	case "", "0":
	case "1":
		flatten = true
	default:
		return "", false, errdefs.ProtocolError("flatten must be 0 or 1, got %q", opts["flatten"])
	}
	return style, flatten, nil
}

// GatherArgs parses "<key> style=<s>".
func GatherArgs(args string) (key, style string, err error) {
	opts, positional := Options(args)
	if len(positional) != 1 {
		return "", "", errdefs.ProtocolError("gather needs exactly one key")
	}
	style = opts["style"]
	if style == "" {
		style = "basic"
	}
	return positional[0], style, nil
}

// IndexArg parses an optional integer argument, returning def when absent.
func IndexArg(args string, def int) (int, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return def, nil
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		return 0, errdefs.ProtocolError("invalid integer argument %q", args)
	}
	return n, nil
}

// FetchArgs parses "<resultID>[ BLOCK]".
func FetchArgs(args string) (id int, block bool, err error) {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, false, errdefs.ProtocolError("fetch needs a result id")
	}
	if len(fields) == 2 {
		if fields[1] != "BLOCK" {
			return 0, false, errdefs.ProtocolError("unexpected fetch argument %q", fields[1])
		}
		block = true
	}
	id, err = strconv.Atoi(fields[0])
	if err != nil || id < 0 {
		return 0, false, errdefs.ProtocolError("invalid result id %q", fields[0])
	}
	return id, block, nil
}

// NotifyArgs parses "ADD|DEL <host> <port>".
func NotifyArgs(args string) (add bool, host string, port int, err error) {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return false, "", 0, errdefs.ProtocolError("notify needs ADD|DEL <host> <port>")
	}
	switch strings.ToUpper(fields[0]) {
	case "ADD":
		add = true
	case "DEL":
	default:
		return false, "", 0, errdefs.ProtocolError("notify action must be ADD or DEL, got %q", fields[0])
	}
	port, err = strconv.Atoi(fields[2])
	if err != nil || port <= 0 || port > 65535 {
		return false, "", 0, errdefs.ProtocolError("invalid port %q", fields[2])
	}
	return add, fields[1], port, nil
}
