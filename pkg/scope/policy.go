package scope

import (
	"fmt"
	"strings"
)

// Policy decides what the caller observes when the body fails
type Policy string

const (
	// Propagate hands the body failure back to the caller after cleanup.
	Propagate Policy = "propagate"

	// Absorb records the failure in the audit log and reports normal
	// completion. It hides every body error, including ones unrelated to the
	// resources, so it must be chosen per unit and never by default.
	Absorb Policy = "absorb"
)

// ParsePolicy accepts "propagate" or "absorb"; empty means Propagate
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case Propagate, "":
		return Propagate, nil
	case Absorb:
		return Absorb, nil
	default:
		return "", fmt.Errorf("unknown exit policy %q (want propagate or absorb)", s)
	}
}

func (p Policy) String() string {
	return string(p)
}
