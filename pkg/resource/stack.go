// Package resource keeps an ordered ledger of acquired resources and
// releases them in reverse acquisition order.
package resource

import (
	"fmt"
	"io"

	"github.com/psantana5/scopekit/pkg/logging"
)

// ReleaseFunc releases a single resource
type ReleaseFunc func() error

// Resource is one entry on a Stack
type Resource struct {
	Name   string
	Handle any
	Index  int

	release  ReleaseFunc
	released bool
}

// Release runs the release action once. Later calls return nil.
func (r *Resource) Release() (err error) {
	if r.released {
		return nil
	}
	r.released = true
	if r.release == nil {
		return nil
	}

	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("release %s panicked: %v", r.Name, v)
		}
	}()
	return r.release()
}

// Released reports whether the handle has been given back
func (r *Resource) Released() bool {
	return r.released
}

// Stack is not safe for concurrent use.
type Stack struct {
	entries   []*Resource
	next      int
	logger    *logging.Logger
	onRelease func(r *Resource, err error)
}

// Option configures a Stack
type Option func(*Stack)

// WithLogger sets the logger used to narrate releases
func WithLogger(l *logging.Logger) Option {
	return func(s *Stack) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReleaseHook registers a function called after every release attempt
func WithReleaseHook(fn func(r *Resource, err error)) Option {
	return func(s *Stack) {
		s.onRelease = fn
	}
}

// NewStack creates an empty stack
func NewStack(opts ...Option) *Stack {
	s := &Stack{logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push registers a handle and its release action at the top of the stack
func (s *Stack) Push(name string, handle any, release ReleaseFunc) *Resource {
	r := &Resource{
		Name:    name,
		Handle:  handle,
		Index:   s.next,
		release: release,
	}
	s.next++
	s.entries = append(s.entries, r)
	s.logger.Debug("resource pushed", map[string]interface{}{
		"resource": name,
		"index":    r.Index,
	})
	return r
}

// PushCloser pushes c with c.Close as its release action and returns c
func PushCloser[T io.Closer](s *Stack, name string, c T) T {
	s.Push(name, c, c.Close)
	return c
}

// Callback registers a cleanup function with no handle
func (s *Stack) Callback(name string, fn func() error) {
	s.Push(name, nil, fn)
}

// Len returns the number of resources still held
func (s *Stack) Len() int {
	return len(s.entries)
}

// Names returns resource names in acquisition order
func (s *Stack) Names() []string {
	names := make([]string, len(s.entries))
	for i, r := range s.entries {
		names[i] = r.Name
	}
	return names
}

// Unwind releases every resource, most recent first, and empties the stack.
// A failing release does not stop the remaining ones; all failures are
// returned together as a *ReleaseError.
func (s *Stack) Unwind() error {
	var failures []ReleaseFailure

	for len(s.entries) > 0 {
		last := len(s.entries) - 1
		r := s.entries[last]
		s.entries[last] = nil
		s.entries = s.entries[:last]

		err := r.Release()
		if s.onRelease != nil {
			s.onRelease(r, err)
		}
		if err != nil {
			s.logger.Warn("resource release failed", map[string]interface{}{
				"resource": r.Name,
				"index":    r.Index,
				"error":    err,
			})
			failures = append(failures, ReleaseFailure{Name: r.Name, Index: r.Index, Err: err})
			continue
		}
		s.logger.Debug("resource released", map[string]interface{}{
			"resource": r.Name,
			"index":    r.Index,
		})
	}

	if len(failures) == 0 {
		return nil
	}
	return &ReleaseError{Failures: failures}
}

// Close is Unwind under the io.Closer name
func (s *Stack) Close() error {
	return s.Unwind()
}

// DetachAll hands every entry to the caller without releasing it.
// The stack is empty afterwards; the caller now owns each release.
func (s *Stack) DetachAll() []*Resource {
	detached := s.entries
	s.entries = nil
	return detached
}

// Adopt takes ownership of resources detached from another stack.
// They keep their relative order and are released after anything pushed later.
func (s *Stack) Adopt(resources ...*Resource) {
	for _, r := range resources {
		if r == nil || r.released {
			continue
		}
		r.Index = s.next
		s.next++
		s.entries = append(s.entries, r)
	}
}
