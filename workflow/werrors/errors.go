// Package werrors defines the error kinds the engine surfaces across the
// executor, worker pool, store, and reliability layers. Kinds are sentinel
// errors so callers compose them with errors.Is/errors.As the same way
// goa-ai's toolerrors package does for tool execution failures.
package werrors

import (
	"errors"
	"fmt"
)

// Kind identifies a category of engine error. Kinds are not Go types; they
// are tags attached to an *Error so retry policies and propagation logic can
// branch on them without type assertions.
type Kind string

const (
	KindUnknownWorkflowType  Kind = "unknown_workflow_type"
	KindInvalidWorkflowInput Kind = "invalid_workflow_input"
	KindWorkflowNotFound     Kind = "workflow_not_found"
	KindCancelled            Kind = "cancelled"

	KindActivityFailed Kind = "activity_failed"
	KindTimeout        Kind = "timeout"
	KindCircuitOpen    Kind = "circuit_open"

	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindTaskNotFound        Kind = "task_not_found"
	KindDatabase            Kind = "database"
	KindSerialization       Kind = "serialization"

	KindReplayInconsistency Kind = "replay_inconsistency"

	// KindWorkflowNotRunning is not in the original spec's error kind list;
	// it resolves the "signals to a completed workflow" open question by
	// giving callers a discriminator distinct from KindWorkflowNotFound.
	// See SPEC_FULL.md §11, resolved Open Question 2.
	KindWorkflowNotRunning Kind = "workflow_not_running"
)

// Error is the concrete error type carried through the engine. Most engine
// code should construct one of the sentinel wrappers below rather than
// building an Error literal directly.
type Error struct {
	Kind      Kind
	Message   string
	Retryable *bool
	cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, werrors.ErrConcurrencyConflict) works without callers
// comparing messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Sentinel values for errors.Is comparisons. Each carries an empty message
// so comparisons are by Kind only — see (*Error).Is.
var (
	ErrUnknownWorkflowType  = &Error{Kind: KindUnknownWorkflowType}
	ErrInvalidWorkflowInput = &Error{Kind: KindInvalidWorkflowInput}
	ErrWorkflowNotFound     = &Error{Kind: KindWorkflowNotFound}
	ErrCancelled            = &Error{Kind: KindCancelled}

	ErrActivityFailed = &Error{Kind: KindActivityFailed}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrCircuitOpen    = &Error{Kind: KindCircuitOpen}

	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrTaskNotFound        = &Error{Kind: KindTaskNotFound}
	ErrDatabase            = &Error{Kind: KindDatabase}
	ErrSerialization       = &Error{Kind: KindSerialization}

	ErrReplayInconsistency = &Error{Kind: KindReplayInconsistency}
	ErrWorkflowNotRunning  = &Error{Kind: KindWorkflowNotRunning}
)

// ConcurrencyConflict carries the expected/actual sequence numbers involved
// in an optimistic-concurrency failure on append_events.
type ConcurrencyConflict struct {
	Expected int
	Actual   int
}

func (c *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict: expected sequence %d, got %d", c.Expected, c.Actual)
}

func (c *ConcurrencyConflict) Is(target error) bool {
	return errors.Is(target, ErrConcurrencyConflict)
}

func (c *ConcurrencyConflict) Unwrap() error { return ErrConcurrencyConflict }

// TimeoutKind names which of the three timeout classes fired.
type TimeoutKind string

const (
	TimeoutScheduleToStart TimeoutKind = "schedule_to_start"
	TimeoutStartToClose    TimeoutKind = "start_to_close"
	TimeoutHeartbeat       TimeoutKind = "heartbeat"
)

// Timeout carries which timeout fired and by how much it was exceeded.
type Timeout struct {
	Which   TimeoutKind
	Elapsed string
	Limit   string
}

func (t *Timeout) Error() string {
	return fmt.Sprintf("%s timeout: elapsed %s, limit %s", t.Which, t.Elapsed, t.Limit)
}

func (t *Timeout) Is(target error) bool { return errors.Is(target, ErrTimeout) }
func (t *Timeout) Unwrap() error        { return ErrTimeout }
