package batch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/psantana5/scopekit/pkg/audit"
	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/resource"
	"github.com/psantana5/scopekit/pkg/scope"
)

// Resource names held by a Processor's unit
const (
	InputResource   = "input"
	JournalResource = "journal"
)

// Config describes one batch run
type Config struct {
	// Name labels the unit; defaults to "batch"
	Name string

	Input   string
	Journal string
	Delay   time.Duration

	// OpenJournal overrides the file sink, e.g. with audit.Open for a SQL backend
	OpenJournal func() (audit.Sink, error)
}

// Processor runs a command file through a body inside a propagating unit.
// The input is acquired before the journal, so a journal that cannot be
// opened closes the input again before the error is returned.
type Processor struct {
	cfg    Config
	logger *logging.Logger
	opts   []scope.Option
	runner *Runner
}

// NewProcessor creates a processor. opts are applied to the unit after the
// processor's own; the policy is always scope.Propagate.
func NewProcessor(cfg Config, logger *logging.Logger, opts ...scope.Option) *Processor {
	if cfg.Name == "" {
		cfg.Name = "batch"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Processor{cfg: cfg, logger: logger, opts: opts}
}

// Processed returns how many records the last Run completed
func (p *Processor) Processed() int {
	if p.runner == nil {
		return 0
	}
	return p.runner.Processed()
}

// Run processes every record. A body failure aborts the batch and is
// returned unchanged after the journal records the abort and both files
// are closed.
func (p *Processor) Run(ctx context.Context, body Body) (scope.Outcome, error) {
	journal := scope.AuditFile(JournalResource, p.cfg.Journal)
	if p.cfg.OpenJournal != nil {
		journal = scope.Audit(JournalResource, p.cfg.OpenJournal)
	}

	opts := append([]scope.Option{scope.WithLogger(p.logger)}, p.opts...)
	opts = append(opts, scope.WithPolicy(scope.Propagate))
	u := scope.New(p.cfg.Name, []scope.Acquirer{p.input(), journal}, opts...)

	return u.Run(ctx, func(ctx context.Context, h *scope.Handles) error {
		src, err := scope.HandleAs[*Reader](h, InputResource)
		if err != nil {
			return err
		}
		if err := u.Record(fmt.Sprintf("reading %s", p.cfg.Input)); err != nil {
			return err
		}
		p.runner = NewRunner(u.Record, WithRunnerLogger(p.logger), WithDelay(p.cfg.Delay))
		return p.runner.Run(ctx, src, body)
	})
}

func (p *Processor) input() scope.Acquirer {
	file := scope.File(InputResource, p.cfg.Input, os.O_RDONLY, 0)
	return scope.Acquire(InputResource, func(ctx context.Context) (any, resource.ReleaseFunc, error) {
		handle, release, err := file.Open(ctx)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewReader(handle.(*os.File))
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("%s: %w", p.cfg.Input, err)
		}
		return r, release, nil
	})
}
