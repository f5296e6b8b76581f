package trace

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPermissionDenied rejects a mutation from an actor who neither owns the
// trace nor holds an elevated role.
var ErrPermissionDenied = errors.New("permission denied")

// ErrLocked rejects edits while a trace is under analysis or after approval.
var ErrLocked = errors.New("trace is locked against edits")

// ValidationError carries every violated readiness rule, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// TransitionError rejects a state change not in the lifecycle table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
