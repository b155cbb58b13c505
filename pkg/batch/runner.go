package batch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/psantana5/scopekit/pkg/logging"
)

// Body processes one record
type Body func(ctx context.Context, rec Record) error

// CommandError is the failure produced by FailOn
type CommandError struct {
	ID        string
	Operation string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("critical failure on command %s", e.ID)
}

// FailOn returns a body that fails on records whose operation matches and
// succeeds on everything else.
func FailOn(operation string) Body {
	return func(ctx context.Context, rec Record) error {
		if rec.Operation == operation {
			return &CommandError{ID: rec.ID, Operation: rec.Operation}
		}
		return nil
	}
}

// Runner walks a record stream, journaling each record before its body runs
type Runner struct {
	record    func(message string) error
	logger    *logging.Logger
	delay     time.Duration
	processed int
	current   Record
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithRunnerLogger sets the narration logger
func WithRunnerLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDelay simulates per-record work. The wait honours ctx.
func WithDelay(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.delay = d
	}
}

// NewRunner creates a runner that journals through record
func NewRunner(record func(message string) error, opts ...RunnerOption) *Runner {
	r := &Runner{record: record, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Processed returns how many records completed
func (r *Runner) Processed() int { return r.processed }

// Current returns the record being processed, or the last one attempted
func (r *Runner) Current() Record { return r.current }

// Run processes records in order. The first body failure is returned
// unchanged and no later record is read.
func (r *Runner) Run(ctx context.Context, src RecordSource, body Body) error {
	for {
		rec, err := src.Next()
		if err == io.EOF {
			r.logger.Info("batch complete", map[string]interface{}{"processed": r.processed})
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}
		r.current = rec

		if err := r.record(fmt.Sprintf("processing %s: %s", rec.ID, rec.Operation)); err != nil {
			return err
		}

		if err := r.wait(ctx); err != nil {
			return err
		}

		if err := body(ctx, rec); err != nil {
			r.logger.Error("record failed", map[string]interface{}{
				"id":    rec.ID,
				"error": err,
			})
			return err
		}

		r.processed++
		if err := r.record(fmt.Sprintf("processed %s", rec.ID)); err != nil {
			return err
		}
		r.logger.Info("record processed", map[string]interface{}{
			"id":       rec.ID,
			"priority": rec.Priority,
		})
	}
}

func (r *Runner) wait(ctx context.Context) error {
	if r.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
