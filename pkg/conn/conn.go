// Package conn simulates named service connections so units can be
// exercised without a network.
package conn

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/scope"
)

var (
	// ErrClosed is returned when a closed connection is used
	ErrClosed = errors.New("connection closed")

	// ErrNoService is returned by Dial for an empty service name
	ErrNoService = errors.New("service name is required")
)

// DefaultServices are the services opened by the multi-connection scenario
var DefaultServices = []string{"API_Auth", "API_Payment", "API_Notification"}

// Connection is a simulated connection to one named service
type Connection struct {
	service string
	logger  *logging.Logger
	queries int
	closed  bool
}

// Dial opens a connection to service
func Dial(ctx context.Context, service string, logger *logging.Logger) (*Connection, error) {
	if service == "" {
		return nil, ErrNoService
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", service, err)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	c := &Connection{service: service, logger: logger.WithField("service", service)}
	c.logger.Info(fmt.Sprintf("connection to %s established", service))
	return c, nil
}

// Service returns the service name
func (c *Connection) Service() string { return c.service }

// Queries returns how many queries have been executed
func (c *Connection) Queries() int { return c.queries }

// Query executes sql against the service
func (c *Connection) Query(sql string) error {
	if c.closed {
		return fmt.Errorf("query on %s: %w", c.service, ErrClosed)
	}
	c.queries++
	c.logger.Info("executing query", map[string]interface{}{"sql": sql})
	return nil
}

// Close disconnects. Later calls do nothing.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info(fmt.Sprintf("disconnected from %s", c.service))
	return nil
}

// Acquirer declares a connection to service as a unit resource
func Acquirer(service string, logger *logging.Logger) scope.Acquirer {
	return scope.Closer(service, func(ctx context.Context) (*Connection, error) {
		return Dial(ctx, service, logger)
	})
}
