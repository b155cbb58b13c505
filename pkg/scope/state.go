package scope

import (
	"errors"
	"fmt"
)

// State is a unit's lifecycle state
type State string

const (
	StateCreated     State = "created"      // Built, nothing acquired yet
	StateEntering    State = "entering"     // Acquiring resources
	StateActive      State = "active"       // All resources held, body may run
	StateEntryFailed State = "entry_failed" // Acquisition failed and was rolled back
	StateExiting     State = "exiting"      // Writing the terminal record and unwinding
	StateClosed      State = "closed"       // Everything released
)

// ErrInvalidState is returned when an operation does not fit the unit's state
var ErrInvalidState = errors.New("invalid scope state")

var validTransitions = map[State]map[State]bool{
	StateCreated: {
		StateEntering: true,
	},
	StateEntering: {
		StateActive:      true,
		StateEntryFailed: true,
	},
	StateActive: {
		StateExiting: true,
	},
	StateExiting: {
		StateClosed: true,
	},
	// Terminal states (no transitions allowed)
	StateEntryFailed: {},
	StateClosed:      {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidState, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: invalid transition from %s to %s", ErrInvalidState, from, to)
	}
	return nil
}

// IsTerminal returns true if no operation is valid in state
func IsTerminal(s State) bool {
	return s == StateEntryFailed || s == StateClosed
}
