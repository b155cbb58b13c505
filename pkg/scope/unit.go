// Package scope runs a body inside a named unit that owns a resource stack.
//
// A unit acquires its declared resources in order during Enter, rolling back
// whatever it already holds if one of them fails. Exit writes a terminal
// audit record, releases everything in reverse order, and returns an
// Outcome. With the Absorb policy the body failure is recorded and
// Outcome.Suppressed is set; callers must check that flag instead of
// assuming a nil error means the body succeeded.
package scope

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/psantana5/scopekit/pkg/audit"
	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/metrics"
	"github.com/psantana5/scopekit/pkg/resource"
	"github.com/psantana5/scopekit/pkg/tracing"
)

// Outcome is what Exit decided
type Outcome struct {
	// Cause is the body failure passed to Exit, nil on success.
	Cause error

	// Err is what the caller should act on: the cause under Propagate,
	// nil under Absorb, a *resource.ReleaseError when only release failed,
	// or an *AuditError when the terminal record could not be written.
	Err error

	// Suppressed is true when a body failure was absorbed. A failure whose
	// ABORT record was not written is never absorbed.
	Suppressed bool

	// Release holds the unwind failure, if any, even when it was not surfaced.
	Release error

	// Audit holds the terminal record write failure, if any.
	Audit error
}

// Unit is not safe for concurrent use.
type Unit struct {
	id        string
	name      string
	policy    Policy
	acquirers []Acquirer

	state   State
	stack   *resource.Stack
	sink    audit.Sink
	handles *Handles

	logger  *logging.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
	ctx     context.Context
	span    trace.Span
}

// Option configures a Unit
type Option func(*Unit)

// WithPolicy sets the exit policy. The default is Propagate.
func WithPolicy(p Policy) Option {
	return func(u *Unit) {
		u.policy = p
	}
}

// WithLogger sets the narration logger
func WithLogger(l *logging.Logger) Option {
	return func(u *Unit) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithMetrics attaches a Prometheus recorder
func WithMetrics(r *metrics.Recorder) Option {
	return func(u *Unit) {
		u.metrics = r
	}
}

// WithTracer opens one span per unit between Enter and Exit
func WithTracer(t trace.Tracer) Option {
	return func(u *Unit) {
		if t != nil {
			u.tracer = t
		}
	}
}

// New declares a unit. Nothing is acquired until Enter.
func New(name string, resources []Acquirer, opts ...Option) *Unit {
	u := &Unit{
		id:        uuid.NewString(),
		name:      name,
		policy:    Propagate,
		acquirers: resources,
		state:     StateCreated,
		logger:    logging.Nop(),
		tracer:    noop.NewTracerProvider().Tracer("scopekit"),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.WithField("unit", name).WithField("scope_id", u.id)
	u.stack = resource.NewStack(
		resource.WithLogger(u.logger),
		resource.WithReleaseHook(u.onRelease),
	)
	return u
}

// ID is a random identifier distinguishing runs of the same unit
func (u *Unit) ID() string { return u.id }

// Name returns the unit name
func (u *Unit) Name() string { return u.name }

// Policy returns the exit policy
func (u *Unit) Policy() Policy { return u.policy }

// State returns the current lifecycle state
func (u *Unit) State() State { return u.state }

// Stack exposes the unit's stack so the body can push resources it opens
// itself; they are released with the rest on Exit.
func (u *Unit) Stack() *resource.Stack { return u.stack }

func (u *Unit) transition(to State) error {
	if err := ValidateTransition(u.state, to); err != nil {
		return fmt.Errorf("scope %s: %w", u.name, err)
	}
	u.state = to
	return nil
}

// Enter acquires every declared resource in order and writes "BEGIN <name>".
// On failure the resources acquired so far are released in reverse order,
// the unit becomes unusable, and an *AcquisitionError is returned; Exit must
// not be called in that case. A panicking acquirer is rolled back the same
// way and then re-raised as a *PanicError.
func (u *Unit) Enter(ctx context.Context) (*Handles, error) {
	if err := u.transition(StateEntering); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	u.ctx, u.span = u.tracer.Start(ctx, "scope "+u.name, trace.WithAttributes(
		attribute.String("scope.name", u.name),
		attribute.String("scope.id", u.id),
		attribute.String("scope.policy", string(u.policy)),
	))
	u.handles = newHandles(u)

	for _, a := range u.acquirers {
		if err := u.ctx.Err(); err != nil {
			return nil, u.failEntry(a.Name, err)
		}

		handle, release, pe, err := openSafely(u.ctx, a)
		if pe != nil {
			u.failEntry(a.Name, pe)
			panic(pe)
		}
		if err != nil {
			return nil, u.failEntry(a.Name, err)
		}

		u.stack.Push(a.Name, handle, release)
		u.handles.add(a.Name, handle)
		if u.metrics != nil {
			u.metrics.Acquired(u.name)
		}
		if a.audit && u.sink == nil {
			if sink, ok := handle.(audit.Sink); ok {
				u.sink = sink
			}
		}
		u.logger.Info("resource acquired", map[string]interface{}{"resource": a.Name})
	}

	if err := u.record("BEGIN " + u.name); err != nil {
		return nil, u.failEntry("audit", err)
	}

	if err := u.transition(StateActive); err != nil {
		return nil, err
	}
	if u.metrics != nil {
		u.metrics.ScopeEntered(u.name)
	}
	u.logger.Info("scope entered", map[string]interface{}{"resources": u.stack.Len()})
	return u.handles, nil
}

func (u *Unit) failEntry(name string, cause error) error {
	u.logger.Error("resource acquisition failed", map[string]interface{}{
		"resource": name,
		"error":    cause,
	})
	if u.metrics != nil {
		u.metrics.AcquisitionFailed(u.name, name)
	}

	relErr := u.stack.Unwind()
	if relErr != nil {
		u.logger.Error("rollback release failed; acquisition error takes precedence", map[string]interface{}{
			"error": relErr,
		})
	}
	u.sink = nil

	acqErr := &AcquisitionError{Unit: u.name, Resource: name, Err: cause, Release: relErr}
	tracing.SetError(u.span, acqErr)
	u.span.End()

	u.state = StateEntryFailed
	return acqErr
}

// Exit finishes an active unit. cause is the body failure, nil on success.
// The terminal audit record is written before anything is released.
func (u *Unit) Exit(cause error) Outcome {
	if err := u.transition(StateExiting); err != nil {
		return Outcome{Cause: cause, Err: err}
	}

	terminal := fmt.Sprintf("END %s: success", u.name)
	if cause != nil {
		terminal = fmt.Sprintf("ABORT %s: %v", u.name, cause)
	}
	var auditErr error
	if err := u.record(terminal); err != nil {
		auditErr = &AuditError{Unit: u.name, Record: terminal, Err: err, Cause: cause}
	}

	relErr := u.stack.Unwind()
	u.sink = nil

	out := Outcome{Cause: cause, Release: relErr, Audit: auditErr}
	disposition := metrics.OutcomeSuccess

	switch {
	case cause != nil && u.policy == Absorb && auditErr != nil:
		// An unrecorded failure cannot be absorbed.
		if relErr != nil {
			u.logger.Error("release failed during exit", map[string]interface{}{"error": relErr})
		}
		u.logger.Error("abort record lost; body failure not absorbed", map[string]interface{}{"error": auditErr})
		out.Err = auditErr
		disposition = metrics.OutcomeAuditErr

	case cause != nil && u.policy == Absorb:
		if relErr != nil {
			u.logger.Error("release failed during absorbed exit", map[string]interface{}{"error": relErr})
		}
		u.logger.Warn("body failure absorbed", map[string]interface{}{"error": cause})
		out.Suppressed = true
		disposition = metrics.OutcomeAbsorbed

	case cause != nil:
		out.Err = cause
		if relErr != nil {
			u.logger.Error("release failed; body failure takes precedence", map[string]interface{}{"error": relErr})
			out.Err = &BodyError{Unit: u.name, Err: cause, Release: relErr}
		}
		if auditErr != nil {
			u.logger.Error("abort record lost; body failure takes precedence", map[string]interface{}{"error": auditErr})
		}
		u.logger.Error("body failure propagated", map[string]interface{}{"error": cause})
		disposition = metrics.OutcomePropagated

	case relErr != nil:
		u.logger.Error("release failed", map[string]interface{}{"error": relErr})
		out.Err = relErr
		disposition = metrics.OutcomeReleaseErr

	case auditErr != nil:
		u.logger.Error("end record lost", map[string]interface{}{"error": auditErr})
		out.Err = auditErr
		disposition = metrics.OutcomeAuditErr
	}

	switch {
	case cause != nil:
		tracing.SetError(u.span, cause)
	case relErr != nil:
		tracing.SetError(u.span, relErr)
	case auditErr != nil:
		tracing.SetError(u.span, auditErr)
	}
	u.span.SetAttributes(
		attribute.String("scope.outcome", disposition),
		attribute.Bool("scope.suppressed", out.Suppressed),
	)
	u.span.End()

	u.state = StateClosed
	if u.metrics != nil {
		u.metrics.ScopeExited(u.name, disposition)
	}
	u.logger.Info("scope closed", map[string]interface{}{"outcome": disposition})
	return out
}

// Run enters the unit, runs body with the acquired handles and exits.
// The error is the *AcquisitionError when entry failed, otherwise
// Outcome.Err. A body panic drives the ABORT path and is re-raised as a
// *PanicError once every resource is released, under either policy.
func (u *Unit) Run(ctx context.Context, body func(ctx context.Context, h *Handles) error) (Outcome, error) {
	h, err := u.Enter(ctx)
	if err != nil {
		return Outcome{}, err
	}

	pe, cause := u.runBody(body, h)
	out := u.Exit(cause)
	if pe != nil {
		panic(pe)
	}
	return out, out.Err
}

func openSafely(ctx context.Context, a Acquirer) (handle any, release resource.ReleaseFunc, pe *PanicError, err error) {
	defer func() {
		if v := recover(); v != nil {
			handle, release = nil, nil
			pe = newPanicError(v)
			err = pe
		}
	}()
	handle, release, err = a.Open(ctx)
	return handle, release, nil, err
}

func (u *Unit) runBody(body func(ctx context.Context, h *Handles) error, h *Handles) (pe *PanicError, err error) {
	defer func() {
		if v := recover(); v != nil {
			pe = newPanicError(v)
			err = pe
		}
	}()
	return nil, body(u.ctx, h)
}

// Record writes an audit line on behalf of the body
func (u *Unit) Record(message string) error {
	if u.state != StateActive {
		return fmt.Errorf("scope %s: %w: record in state %s", u.name, ErrInvalidState, u.state)
	}
	return u.record(message)
}

func (u *Unit) record(message string) error {
	if u.sink == nil {
		u.logger.Debug("audit record (no sink)", map[string]interface{}{"message": message})
		return nil
	}

	err := u.sink.Write(message)
	if u.metrics != nil {
		u.metrics.AuditWritten(u.name, err)
	}
	if err != nil {
		u.logger.Error("audit write failed", map[string]interface{}{
			"message": message,
			"error":   err,
		})
	}
	return err
}

func (u *Unit) onRelease(r *resource.Resource, err error) {
	if u.metrics != nil {
		u.metrics.Released(u.name, r.Name, err)
	}
	if err == nil {
		u.logger.Info("resource released", map[string]interface{}{"resource": r.Name})
	}
}
