package engine

import (
	"sort"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

// Engine properties are controller-side metadata. They never travel to the
// engine process and do not go through its queue.

// SetProperties stores props on the engine, replacing existing keys.
func (r *Registry) SetProperties(id int, props map[string]serial.Value) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range props {
		e.props[k] = v
	}
	return nil
}

// GetProperties returns the values of keys. With no keys every property is
// returned. A missing key is a KeyError.
func (r *Registry) GetProperties(id int, keys []string) (map[string]serial.Value, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(keys) == 0 {
		out := make(map[string]serial.Value, len(e.props))
		for k, v := range e.props {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]serial.Value, len(keys))
	for _, k := range keys {
		v, ok := e.props[k]
		if !ok {
			return nil, errdefs.KeyError(k).WithEngine(id)
		}
		out[k] = v
	}
	return out, nil
}

// HasProperties reports, per key, whether the engine has it.
func (r *Registry) HasProperties(id int, keys []string) ([]bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]bool, len(keys))
	for i, k := range keys {
		_, out[i] = e.props[k]
	}
	return out, nil
}

// DelProperties removes keys. Nothing is removed if any key is missing.
func (r *Registry) DelProperties(id int, keys []string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, k := range keys {
		if _, ok := e.props[k]; !ok {
			return errdefs.KeyError(k).WithEngine(id)
		}
	}
	for _, k := range keys {
		delete(e.props, k)
	}
	return nil
}

// ClearProperties removes every property.
func (r *Registry) ClearProperties(id int) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.props = make(map[string]serial.Value)
	return nil
}

// PropertyKeys returns the engine's property names in sorted order.
func (r *Registry) PropertyKeys(id int) ([]string, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	keys := make([]string, 0, len(e.props))
	for k := range e.props {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	sort.Strings(keys)
	return keys, nil
}
