package acton

import "fmt"

// Error kinds mirror the failure taxonomy of the runtime. Each kind is a
// distinct type so callers can branch with errors.As without string matching.

// ErrInvalidInput reports a schema violation or a reference to an unknown
// tool, node, or evaluator.
type ErrInvalidInput struct {
	What   string
	Reason string
}

func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.What, e.Reason)
}

// ErrNotFound reports a missing suite, trigger, experience, or function.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ErrTimeout reports that a bounded operation (model call, sandbox run,
// evaluator batch) exceeded its deadline.
type ErrTimeout struct {
	Op string
}

func (e *ErrTimeout) Error() string { return "timeout: " + e.Op }

// ErrCancelled reports that the surrounding context was cancelled.
type ErrCancelled struct {
	Op string
}

func (e *ErrCancelled) Error() string { return "cancelled: " + e.Op }

// ErrConflict reports an operation against incompatible existing state,
// e.g. transitioning a cancelled trigger.
type ErrConflict struct {
	Reason string
}

func (e *ErrConflict) Error() string { return "conflict: " + e.Reason }

// ErrDependencyFailed reports that an upstream criterion a node depends on
// finished in ERROR.
type ErrDependencyFailed struct {
	Criterion  string
	Dependency string
}

func (e *ErrDependencyFailed) Error() string {
	return fmt.Sprintf("criterion %s: dependency %s failed", e.Criterion, e.Dependency)
}

// ErrExternalFailure wraps an error raised by an SPI implementation
// (search provider, reply channel, repository).
type ErrExternalFailure struct {
	SPI string
	Err error
}

func (e *ErrExternalFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.SPI, e.Err)
}

func (e *ErrExternalFailure) Unwrap() error { return e.Err }

// ErrHalt is a control-flow signal: a hook may return it to stop the turn
// and emit Response as the final assistant message. The runtime catches it
// and converts it to a graceful result rather than a failure.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "hook halted: " + e.Response }
