// Package targets resolves target specifiers against the engine registry.
package targets

import (
	"strconv"
	"strings"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
)

// Kind tags the variant of a Spec.
type Kind int

const (
	// KindSingle targets one engine.
	KindSingle Kind = iota
	// KindMany targets a list of engines in caller order.
	KindMany
	// KindAll targets every registered engine.
	KindAll
)

// AllLiteral is the wire form of the All target.
const AllLiteral = "all"

// Separator joins ids in the wire form of a target list.
const Separator = "::"

// Spec designates the engines an operation applies to. It is a request-time
// value and is never stored.
type Spec struct {
	kind Kind
	ids  []int
}

// Single targets engine id.
func Single(id int) Spec { return Spec{kind: KindSingle, ids: []int{id}} }

// Many targets ids in the given order. Duplicates are kept.
func Many(ids ...int) Spec {
	return Spec{kind: KindMany, ids: append([]int(nil), ids...)}
}

// All targets every registered engine.
func All() Spec { return Spec{kind: KindAll} }

// Kind returns the variant.
func (s Spec) Kind() Kind { return s.kind }

// IDs returns the explicit ids of a Single or Many spec.
func (s Spec) IDs() []int { return append([]int(nil), s.ids...) }

// String renders the wire form.
func (s Spec) String() string {
	if s.kind == KindAll {
		return AllLiteral
	}
	parts := make([]string, len(s.ids))
	for i, id := range s.ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, Separator)
}

// Parse reads the wire form: "all" or "::"-joined non-negative integers.
func Parse(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == AllLiteral {
		return All(), nil
	}
	if s == "" {
		return Spec{}, errdefs.ProtocolError("empty target list")
	}

	parts := strings.Split(s, Separator)
	ids := make([]int, len(parts))
	for i, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || id < 0 {
			return Spec{}, errdefs.ProtocolError("invalid engine id %q in target list %q", p, s)
		}
		ids[i] = id
	}
	if len(ids) == 1 {
		return Single(ids[0]), nil
	}
	return Many(ids...), nil
}

// Resolve turns spec into the list of engines it designates, in caller order
// for Single and Many and in ascending id order for All. The result is never
// empty.
func Resolve(reg *engine.Registry, spec Spec) ([]*engine.Engine, error) {
	switch spec.kind {
	case KindAll:
		engines := reg.Engines()
		if len(engines) == 0 {
			return nil, errdefs.NoEnginesRegistered()
		}
		return engines, nil
	case KindSingle, KindMany:
		if len(spec.ids) == 0 {
			return nil, errdefs.ProtocolError("empty target list")
		}
		out := make([]*engine.Engine, len(spec.ids))
		for i, id := range spec.ids {
			e, err := reg.Get(id)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	default:
		return nil, errdefs.ProtocolError("unknown target kind %d", spec.kind)
	}
}

// ResolveIDs is Resolve returning only the ids.
func ResolveIDs(reg *engine.Registry, spec Spec) ([]int, error) {
	engines, err := Resolve(reg, spec)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(engines))
	for i, e := range engines {
		ids[i] = e.ID()
	}
	return ids, nil
}
