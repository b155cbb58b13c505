// Package tempfile provides a scratch file that is deleted when released.
package tempfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/scope"
)

// Guard owns an open scratch file. Close closes and removes it.
type Guard struct {
	path   string
	file   *os.File
	logger *logging.Logger
	closed bool
}

// Option configures a Guard
type Option func(*Guard)

// WithLogger sets the narration logger
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// Open creates (or truncates) path for writing. A Guard is only returned
// when the file is actually open.
func Open(path string, opts ...Option) (*Guard, error) {
	g := &Guard{path: path, logger: logging.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithField("path", path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file %s: %w", path, err)
	}
	g.file = f
	g.logger.Info("temp file created")
	return g, nil
}

// Path returns the file location
func (g *Guard) Path() string { return g.path }

// File returns the underlying file
func (g *Guard) File() *os.File { return g.file }

// Write implements io.Writer
func (g *Guard) Write(p []byte) (int, error) {
	if g.closed {
		return 0, os.ErrClosed
	}
	return g.file.Write(p)
}

// WriteString writes s to the file
func (g *Guard) WriteString(s string) (int, error) {
	return g.Write([]byte(s))
}

// Close closes the file and deletes it. Later calls do nothing.
func (g *Guard) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	closeErr := g.file.Close()
	removeErr := os.Remove(g.path)
	if errors.Is(removeErr, fs.ErrNotExist) {
		removeErr = nil
	}
	if removeErr == nil {
		g.logger.Info("temp file removed")
	}
	if closeErr != nil || removeErr != nil {
		return errors.Join(closeErr, removeErr)
	}
	return nil
}

// Finish is the builder-style exit: it logs err if the block failed, always
// cleans up, and returns err unchanged. A cleanup failure is only returned
// when the block itself succeeded.
func (g *Guard) Finish(err error) error {
	if err != nil {
		g.logger.Warn("error detected in block", map[string]interface{}{"error": err})
	}
	cleanupErr := g.Close()
	if err != nil {
		if cleanupErr != nil {
			g.logger.Error("temp file cleanup failed", map[string]interface{}{"error": cleanupErr})
		}
		return err
	}
	return cleanupErr
}

// Acquirer declares a scratch file as a unit resource
func Acquirer(name, path string, logger *logging.Logger) scope.Acquirer {
	return scope.Closer(name, func(ctx context.Context) (*Guard, error) {
		return Open(path, WithLogger(logger))
	})
}

// With runs body against a scratch file inside a unit. Under scope.Absorb a
// body failure is logged and reported only through Outcome.Suppressed; under
// scope.Propagate it is returned. The file is gone either way. opts are
// applied after policy and logger.
func With(ctx context.Context, path string, policy scope.Policy, logger *logging.Logger, body func(ctx context.Context, g *Guard) error, opts ...scope.Option) (scope.Outcome, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	opts = append([]scope.Option{scope.WithPolicy(policy), scope.WithLogger(logger)}, opts...)
	u := scope.New("tempfile", []scope.Acquirer{Acquirer("file", path, logger)}, opts...)
	return u.Run(ctx, func(ctx context.Context, h *scope.Handles) error {
		g, err := scope.HandleAs[*Guard](h, "file")
		if err != nil {
			return err
		}
		return body(ctx, g)
	})
}
