// Package faults defines the error taxonomy shared across tablemend packages.
// Every failure surfaced by the workflow engine carries a Kind so callers can
// distinguish an upstream outage from a sandbox violation without string
// matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUpstream: completion or embedding service unreachable, or its
	// response was malformed (no parseable payload).
	KindUpstream Kind = iota
	// KindRetrieval: the ranking pipeline could not produce table candidates.
	KindRetrieval
	// KindGeneration: no extractable transformation code in the completion.
	KindGeneration
	// KindEntryPoint: generated code does not define the agreed entry point.
	KindEntryPoint
	// KindTimeout: sandboxed execution exceeded its wall-clock limit.
	KindTimeout
	// KindSandboxViolation: generated code attempted a denied capability.
	KindSandboxViolation
	// KindInvalidState: operation invoked without its required precedent state.
	KindInvalidState
	// KindStorage: session or table store failure, passed through.
	KindStorage
)

var kindNames = map[Kind]string{
	KindUpstream:         "upstream",
	KindRetrieval:        "retrieval",
	KindGeneration:       "generation",
	KindEntryPoint:       "entry_point_not_found",
	KindTimeout:          "execution_timeout",
	KindSandboxViolation: "sandbox_violation",
	KindInvalidState:     "invalid_state",
	KindStorage:          "storage",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Op names the operation that failed
// ("workflow.ApplyTransformation", "sandbox.Execute"), Err is the underlying
// cause when one exists.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	}
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a message and no underlying cause.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies an underlying error with additional context.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. The second return is false
// when no classified error is present in the chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
