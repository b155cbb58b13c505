package resource

import (
	"fmt"
	"strings"
)

// ReleaseFailure records one release action that returned an error
type ReleaseFailure struct {
	Name  string
	Index int
	Err   error
}

// ReleaseError aggregates every failure seen during one unwind,
// in the order the releases were attempted.
type ReleaseError struct {
	Failures []ReleaseFailure
}

func (e *ReleaseError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("release %s: %v", f.Name, f.Err)
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Name, f.Err)
	}
	return fmt.Sprintf("%d releases failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual causes to errors.Is and errors.As
func (e *ReleaseError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
