package multiengine

import (
	"sync"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/scatter"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

// layouts remembers which keys a flattened scatter bound to a bare element,
// per engine session. Gather needs the mark to tell a bare list element
// from a block. A mark lives until the key is pushed again, the namespace
// is reset or the engine leaves; a script rebinding the key is not seen.
type layouts struct {
	mu   sync.Mutex
	bare map[string]map[string]struct{}
}

func newLayouts() *layouts {
	return &layouts{bare: make(map[string]map[string]struct{})}
}

// apply updates the marks for op about to run on e.
func (l *layouts) apply(e *engine.Engine, op engine.Op) {
	switch op.Kind {
	case engine.OpPush:
		l.mu.Lock()
		defer l.mu.Unlock()
		keys := l.bare[e.Session()]
		for _, nv := range op.Namespace {
			delete(keys, nv.Key)
		}
	case engine.OpReset:
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.bare, e.Session())
	}
}

// mark records the layout of a scatter of key over engines. Sessions of
// engines that have left are dropped.
func (l *layouts) mark(reg *engine.Registry, engines []*engine.Engine, key string, blocks []scatter.Block) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := make(map[string]bool)
	for _, e := range reg.Engines() {
		live[e.Session()] = true
	}
	for s := range l.bare {
		if !live[s] {
			delete(l.bare, s)
		}
	}

	for i, e := range engines {
		if !blocks[i].Bare {
			continue
		}
		keys := l.bare[e.Session()]
		if keys == nil {
			keys = make(map[string]struct{})
			l.bare[e.Session()] = keys
		}
		keys[key] = struct{}{}
	}
}

// blocks pairs gathered parts with their layout.
func (l *layouts) blocks(engines []*engine.Engine, key string, parts []serial.Value) []scatter.Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]scatter.Block, len(parts))
	for i, p := range parts {
		_, bare := l.bare[engines[i].Session()][key]
		out[i] = scatter.Block{Value: p, Bare: bare}
	}
	return out
}
