package scope

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/scopekit/pkg/audit"
	"github.com/psantana5/scopekit/pkg/metrics"
	"github.com/psantana5/scopekit/pkg/resource"
)

// ledger records every open and release so tests can check ordering
type ledger struct {
	events []string
	closes map[string]int
}

func newLedger() *ledger {
	return &ledger{closes: make(map[string]int)}
}

func (l *ledger) acquirer(name string, openErr, closeErr error) Acquirer {
	return Acquire(name, func(ctx context.Context) (any, resource.ReleaseFunc, error) {
		if openErr != nil {
			l.events = append(l.events, "fail "+name)
			return nil, nil, openErr
		}
		l.events = append(l.events, "open "+name)
		return "handle-" + name, func() error {
			l.events = append(l.events, "close "+name)
			l.closes[name]++
			return closeErr
		}, nil
	})
}

func (l *ledger) opened() []string { return l.filter("open ") }
func (l *ledger) released() []string { return l.filter("close ") }

func (l *ledger) filter(prefix string) []string {
	var out []string
	for _, e := range l.events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, strings.TrimPrefix(e, prefix))
		}
	}
	return out
}

func auditMessages(t *testing.T, path string) []string {
	t.Helper()
	entries, err := audit.ReadFile(path)
	require.NoError(t, err)
	return audit.Messages(entries)
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

func TestReleaseOrderIsReverseOfAcquisition(t *testing.T) {
	for _, n := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("%d resources", n), func(t *testing.T) {
			l := newLedger()
			var acq []Acquirer
			for i := 0; i < n; i++ {
				acq = append(acq, l.acquirer(fmt.Sprintf("r%d", i), nil, nil))
			}

			u := New("order", acq)
			out, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
				assert.Len(t, h.Names(), n)
				return nil
			})
			require.NoError(t, err)
			assert.False(t, out.Suppressed)

			assert.Equal(t, reversed(l.opened()), l.released())
			for name, c := range l.closes {
				assert.Equal(t, 1, c, "%s released once", name)
			}
			assert.Equal(t, StateClosed, u.State())
		})
	}
}

func TestPartialAcquisitionRollback(t *testing.T) {
	l := newLedger()
	boom := errors.New("connection refused")
	dir := t.TempDir()
	logPath := filepath.Join(dir, "journal.log")

	u := New("rollback", []Acquirer{
		l.acquirer("first", nil, nil),
		AuditFile("journal", logPath),
		l.acquirer("second", nil, nil),
		l.acquirer("third", boom, nil),
		l.acquirer("fourth", nil, nil),
	})

	bodyRan := false
	_, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
		bodyRan = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, bodyRan)

	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, "third", acqErr.Resource)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, acqErr.Release)

	assert.Equal(t, []string{"open first", "open second", "fail third", "close second", "close first"}, l.events)
	assert.Equal(t, StateEntryFailed, u.State())

	// No BEGIN was written because entry never completed.
	assert.Empty(t, auditMessages(t, logPath))

	// A failed unit accepts no further operations.
	out := u.Exit(nil)
	assert.ErrorIs(t, out.Err, ErrInvalidState)
	_, err = u.Enter(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRollbackReleaseFailureDoesNotMaskAcquisitionError(t *testing.T) {
	l := newLedger()
	openErr := errors.New("no such file")
	closeErr := errors.New("flush failed")

	u := New("masking", []Acquirer{
		l.acquirer("a", nil, closeErr),
		l.acquirer("b", openErr, nil),
	})
	_, err := u.Enter(context.Background())

	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.ErrorIs(t, err, openErr)
	assert.NotErrorIs(t, err, closeErr)

	var relErr *resource.ReleaseError
	require.True(t, errors.As(acqErr.Release, &relErr))
	assert.Equal(t, "a", relErr.Failures[0].Name)
}

func TestPolicyDivergence(t *testing.T) {
	bodyErr := errors.New("critical processing failure")

	tests := []struct {
		policy         Policy
		wantErr        bool
		wantSuppressed bool
	}{
		{Propagate, true, false},
		{Absorb, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			l := newLedger()
			logPath := filepath.Join(t.TempDir(), "journal.log")

			u := New("svc", []Acquirer{
				AuditFile("journal", logPath),
				l.acquirer("conn", nil, nil),
			}, WithPolicy(tt.policy))

			out, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
				return bodyErr
			})

			if tt.wantErr {
				require.Error(t, err)
				assert.Same(t, bodyErr, err, "propagated error is the original value")
			} else {
				assert.NoError(t, err)
				assert.NoError(t, out.Err)
			}
			assert.Equal(t, tt.wantSuppressed, out.Suppressed)
			assert.Same(t, bodyErr, out.Cause)

			assert.Equal(t, []string{
				"BEGIN svc",
				"ABORT svc: critical processing failure",
			}, auditMessages(t, logPath))
			assert.Equal(t, []string{"conn"}, l.released())
		})
	}
}

func TestSuccessWritesBeginEnd(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "activity.log")
	u := New("Production_Server", []Acquirer{AuditFile("activity", logPath)})

	h, err := u.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActive, u.State())

	sink, err := HandleAs[audit.Sink](h, "activity")
	require.NoError(t, err)
	require.NoError(t, u.Record("task performed on Production_Server"))

	out := u.Exit(nil)
	require.NoError(t, out.Err)
	assert.Nil(t, out.Cause)

	assert.Equal(t, []string{
		"BEGIN Production_Server",
		"task performed on Production_Server",
		"END Production_Server: success",
	}, auditMessages(t, logPath))

	// The sink was released with the stack.
	assert.ErrorIs(t, sink.Write("late"), audit.ErrClosed)
	_, ok := h.Get("activity")
	assert.False(t, ok, "handles are invalid after exit")
	_, err = HandleAs[audit.Sink](h, "activity")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, u.Record("late"), ErrInvalidState)
}

func TestAbortRecordedBeforeRelease(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "journal.log")
	var seenAtClose []string

	u := New("ordering", []Acquirer{
		AuditFile("journal", logPath),
		Acquire("probe", func(ctx context.Context) (any, resource.ReleaseFunc, error) {
			return nil, func() error {
				seenAtClose = auditMessages(t, logPath)
				return errors.New("probe close failed")
			}, nil
		}),
	})

	bodyErr := errors.New("body failed")
	out, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
		return bodyErr
	})

	assert.Equal(t, []string{"BEGIN ordering", "ABORT ordering: body failed"}, seenAtClose)

	// Release failure rides along without replacing the body failure.
	require.Error(t, err)
	assert.Equal(t, "body failed", err.Error())
	assert.ErrorIs(t, err, bodyErr)
	var bodyWrap *BodyError
	require.True(t, errors.As(err, &bodyWrap))
	var relErr *resource.ReleaseError
	assert.True(t, errors.As(err, &relErr))
	assert.NotNil(t, out.Release)
}

func TestReleaseFailureAloneSurfaces(t *testing.T) {
	for _, p := range []Policy{Propagate, Absorb} {
		t.Run(string(p), func(t *testing.T) {
			l := newLedger()
			closeErr := errors.New("socket already closed")
			u := New("release-only", []Acquirer{l.acquirer("conn", nil, closeErr)}, WithPolicy(p))

			out, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error { return nil })
			var relErr *resource.ReleaseError
			require.True(t, errors.As(err, &relErr))
			assert.ErrorIs(t, err, closeErr)
			assert.False(t, out.Suppressed)
		})
	}
}

func TestBeginWriteFailureIsAcquisitionFailure(t *testing.T) {
	l := newLedger()
	u := New("broken-audit", []Acquirer{
		l.acquirer("input", nil, nil),
		Audit("journal", func() (audit.Sink, error) { return failingSink{}, nil }),
	})

	_, err := u.Enter(context.Background())
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, "audit", acqErr.Resource)
	assert.Equal(t, []string{"input"}, l.released())
	assert.Equal(t, StateEntryFailed, u.State())
}

func TestCancelledContextStopsAcquisition(t *testing.T) {
	l := newLedger()
	ctx, cancel := context.WithCancel(context.Background())

	u := New("cancel", []Acquirer{
		l.acquirer("a", nil, nil),
		Acquire("cancel-here", func(context.Context) (any, resource.ReleaseFunc, error) {
			cancel()
			return nil, nil, nil
		}),
		l.acquirer("never", nil, nil),
	})

	_, err := u.Enter(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, l.opened())
	assert.Equal(t, []string{"a"}, l.released())
}

func TestRunRepanicsAfterCleanup(t *testing.T) {
	for _, p := range []Policy{Propagate, Absorb} {
		t.Run(string(p), func(t *testing.T) {
			l := newLedger()
			logPath := filepath.Join(t.TempDir(), "journal.log")
			u := New("panicky", []Acquirer{AuditFile("journal", logPath), l.acquirer("res", nil, nil)}, WithPolicy(p))

			var recovered any
			func() {
				defer func() { recovered = recover() }()
				u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
					panic("nil map write")
				})
			}()

			pe, ok := recovered.(*PanicError)
			require.True(t, ok, "expected *PanicError, got %T", recovered)
			assert.Equal(t, "nil map write", pe.Value)
			assert.NotEmpty(t, pe.Stack)
			assert.Equal(t, []string{"res"}, l.released())
			assert.Equal(t, []string{"BEGIN panicky", "ABORT panicky: panic: nil map write"}, auditMessages(t, logPath))
			assert.Equal(t, StateClosed, u.State())
		})
	}
}

func TestExitTwiceIsInvalid(t *testing.T) {
	l := newLedger()
	u := New("twice", []Acquirer{l.acquirer("x", nil, nil)})
	_, err := u.Enter(context.Background())
	require.NoError(t, err)

	require.NoError(t, u.Exit(nil).Err)
	out := u.Exit(nil)
	assert.ErrorIs(t, out.Err, ErrInvalidState)
	assert.Equal(t, 1, l.closes["x"])
}

func TestBodyPushedResourcesReleasedFirst(t *testing.T) {
	l := newLedger()
	u := New("dynamic", []Acquirer{l.acquirer("declared", nil, nil)})

	_, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
		u.Stack().Push("dynamic", nil, func() error {
			l.events = append(l.events, "close dynamic")
			return nil
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamic", "declared"}, l.released())
}

func TestHandleAs(t *testing.T) {
	l := newLedger()
	u := New("typed", []Acquirer{l.acquirer("conn", nil, nil)})
	h, err := u.Enter(context.Background())
	require.NoError(t, err)
	defer u.Exit(nil)

	s, err := HandleAs[string](h, "conn")
	require.NoError(t, err)
	assert.Equal(t, "handle-conn", s)

	_, err = HandleAs[int](h, "conn")
	assert.Error(t, err)
	_, err = HandleAs[string](h, "missing")
	assert.Error(t, err)
}

func TestMetricsAndTracing(t *testing.T) {
	rec := metrics.NewRecorder()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	l := newLedger()
	u := New("observed", []Acquirer{
		l.acquirer("a", nil, nil),
		l.acquirer("b", nil, nil),
	}, WithMetrics(rec), WithTracer(tp.Tracer("test")), WithPolicy(Absorb))

	_, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
		return errors.New("swallowed")
	})
	require.NoError(t, err)

	series, err := testutil.GatherAndCount(rec.Registry(), "scopekit_releases_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "scope observed", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

type failingSink struct{}

func (failingSink) Write(string) error { return errors.New("read-only file system") }
func (failingSink) Close() error { return nil }

// brokenAfterSink accepts the first ok writes and fails every later one
type brokenAfterSink struct {
	ok       int
	accepted []string
}

func (s *brokenAfterSink) Write(m string) error {
	if len(s.accepted) >= s.ok {
		return errors.New("disk full")
	}
	s.accepted = append(s.accepted, m)
	return nil
}

func (s *brokenAfterSink) Close() error { return nil }

func TestLostTerminalRecordSurfaces(t *testing.T) {
	bodyErr := errors.New("body boom")

	tests := []struct {
		name     string
		policy   Policy
		body     error
		wantSame bool // Err is the body failure itself
	}{
		{"absorb abort lost", Absorb, bodyErr, false},
		{"propagate abort lost", Propagate, bodyErr, true},
		{"end lost", Propagate, nil, false},
		{"end lost under absorb", Absorb, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger()
			sink := &brokenAfterSink{ok: 1}
			u := New("journaled", []Acquirer{
				Audit("journal", func() (audit.Sink, error) { return sink, nil }),
				l.acquirer("conn", nil, nil),
			}, WithPolicy(tt.policy))

			out, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
				return tt.body
			})

			require.Error(t, err)
			assert.False(t, out.Suppressed, "an unrecorded failure is never absorbed")
			assert.Equal(t, []string{"BEGIN journaled"}, sink.accepted)
			assert.Equal(t, []string{"conn"}, l.released())

			var auditErr *AuditError
			require.True(t, errors.As(out.Audit, &auditErr))
			assert.EqualError(t, auditErr.Err, "disk full")

			if tt.wantSame {
				assert.Same(t, bodyErr, err)
				return
			}
			assert.True(t, errors.As(err, &auditErr))
			if tt.body != nil {
				assert.ErrorIs(t, err, bodyErr)
			}
		})
	}
}

func TestAcquirerPanicRollsBack(t *testing.T) {
	l := newLedger()
	u := New("fragile", []Acquirer{
		l.acquirer("a", nil, nil),
		Acquire("b", func(context.Context) (any, resource.ReleaseFunc, error) {
			panic("driver bug")
		}),
		l.acquirer("never", nil, nil),
	})

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
			t.Fatal("body must not run")
			return nil
		})
	}()

	pe, ok := recovered.(*PanicError)
	require.True(t, ok, "expected *PanicError, got %T", recovered)
	assert.Equal(t, "driver bug", pe.Value)
	assert.Equal(t, []string{"a"}, l.opened())
	assert.Equal(t, []string{"a"}, l.released())
	assert.Equal(t, 0, u.Stack().Len())
	assert.Equal(t, StateEntryFailed, u.State())
}

func TestFileAcquirer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	u := New("files", []Acquirer{File("out", path, os.O_CREATE|os.O_WRONLY, 0644)})

	var f *os.File
	_, err := u.Run(context.Background(), func(ctx context.Context, h *Handles) error {
		var err error
		f, err = HandleAs[*os.File](h, "out")
		if err != nil {
			return err
		}
		_, err = f.WriteString("kept\n")
		return err
	})
	require.NoError(t, err)

	_, err = f.WriteString("late")
	assert.ErrorIs(t, err, os.ErrClosed, "file is closed on exit")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "kept\n", string(data))
}
