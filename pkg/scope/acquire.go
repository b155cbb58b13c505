package scope

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/psantana5/scopekit/pkg/audit"
	"github.com/psantana5/scopekit/pkg/resource"
)

// OpenFunc acquires one resource and returns its handle and release action
type OpenFunc func(ctx context.Context) (handle any, release resource.ReleaseFunc, err error)

// Acquirer is one declared resource of a unit
type Acquirer struct {
	Name string
	Open OpenFunc

	audit bool
}

// Acquire declares a resource with an explicit release action
func Acquire(name string, open OpenFunc) Acquirer {
	return Acquirer{Name: name, Open: open}
}

// Closer declares a resource released by its Close method
func Closer[T io.Closer](name string, open func(ctx context.Context) (T, error)) Acquirer {
	return Acquirer{
		Name: name,
		Open: func(ctx context.Context) (any, resource.ReleaseFunc, error) {
			c, err := open(ctx)
			if err != nil {
				return nil, nil, err
			}
			return c, c.Close, nil
		},
	}
}

// File declares a file opened with os.OpenFile
func File(name, path string, flag int, perm os.FileMode) Acquirer {
	return Closer(name, func(ctx context.Context) (*os.File, error) {
		return os.OpenFile(path, flag, perm)
	})
}

// Audit declares the unit's audit sink. It is held on the stack like any
// other resource, so it is released in its declared position.
func Audit(name string, open func() (audit.Sink, error)) Acquirer {
	a := Closer(name, func(ctx context.Context) (audit.Sink, error) {
		return open()
	})
	a.audit = true
	return a
}

// AuditFile declares an append-mode file sink at path
func AuditFile(name, path string) Acquirer {
	return Audit(name, func() (audit.Sink, error) {
		return audit.OpenFile(path)
	})
}

// Handles exposes the acquired resources to the body while the unit is active
type Handles struct {
	unit   *Unit
	byName map[string]any
	order  []string
}

func newHandles(u *Unit) *Handles {
	return &Handles{unit: u, byName: make(map[string]any)}
}

func (h *Handles) add(name string, handle any) {
	if _, dup := h.byName[name]; !dup {
		h.order = append(h.order, name)
	}
	h.byName[name] = handle
}

// Get returns the handle for name. It reports false once the unit has left
// the active state, since released handles must not be used.
func (h *Handles) Get(name string) (any, bool) {
	if h.unit.state != StateActive {
		return nil, false
	}
	v, ok := h.byName[name]
	return v, ok
}

// Names lists resources in acquisition order
func (h *Handles) Names() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// HandleAs is a typed wrapper around Get
func HandleAs[T any](h *Handles, name string) (T, error) {
	var zero T
	if h.unit.state != StateActive {
		return zero, fmt.Errorf("%w: handle %s requested in state %s", ErrInvalidState, name, h.unit.state)
	}
	v, ok := h.byName[name]
	if !ok {
		return zero, fmt.Errorf("scope %s: no resource named %s", h.unit.name, name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("scope %s: resource %s is %T, not %T", h.unit.name, name, v, zero)
	}
	return typed, nil
}
