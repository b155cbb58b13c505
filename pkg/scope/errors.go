package scope

import (
	"fmt"
	"runtime"
)

// AcquisitionError means a resource failed to open during Enter.
// Everything acquired before it has already been released.
type AcquisitionError struct {
	Unit     string
	Resource string
	Err      error

	// Release holds any failure seen while rolling back; it never replaces Err.
	Release error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("scope %s: acquire %s: %v", e.Unit, e.Resource, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// BodyError carries a body failure together with a release failure that
// happened while unwinding. Its message is the body failure's message.
type BodyError struct {
	Unit    string
	Err     error
	Release error
}

func (e *BodyError) Error() string {
	return e.Err.Error()
}

func (e *BodyError) Unwrap() []error {
	if e.Release == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Release}
}

// AuditError means the terminal END or ABORT record could not be written.
// It unwraps to the write failure and, for ABORT, to the body failure.
type AuditError struct {
	Unit   string
	Record string
	Err    error
	Cause  error
}

func (e *AuditError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("scope %s: abort not recorded: %v (body failure: %v)", e.Unit, e.Err, e.Cause)
	}
	return fmt.Sprintf("scope %s: end not recorded: %v", e.Unit, e.Err)
}

func (e *AuditError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// PanicError is a recovered body or acquirer panic. It is re-raised after cleanup.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func newPanicError(v any) *PanicError {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return &PanicError{Value: v, Stack: string(buf[:n])}
}
