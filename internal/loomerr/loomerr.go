// Package loomerr provides the stable, machine-readable error codes used
// across the daemon and over IPC.
package loomerr

import (
	"errors"
	"fmt"
)

// Code is a stable dotted error code (e.g. "pool.timeout").
type Code string

const (
	CodeValidation        Code = "validation.graph"
	CodeValidationConfig  Code = "validation.config"
	CodeSubgraphTooDeep   Code = "validation.subgraph_too_deep"
	CodePoolTimeout       Code = "pool.timeout"
	CodePoolUnknownRole   Code = "pool.unknown_role"
	CodePoolShrink        Code = "pool.shrink_conflict"
	CodeSpawnFailed       Code = "process.spawn_failed"
	CodeProcessTimeout    Code = "process.timeout"
	CodeProcessStuck      Code = "process.stuck"
	CodeProcessCrashed    Code = "process.crashed"
	CodeWorkflowCancelled Code = "workflow.cancelled"
	CodeWorkflowFailed    Code = "workflow.failed"
	CodeWorkflowTimeout   Code = "workflow.timeout"
	CodeRetryExhausted    Code = "node.retry_exhausted"
	CodeExpression        Code = "node.expression_error"
	CodeScript            Code = "node.script_error"
	CodeBadTransition     Code = "session.bad_transition"
	CodeSessionNotFound   Code = "session.not_found"
	CodeProtocol          Code = "ipc.protocol_error"
	CodeUnknownMethod     Code = "ipc.unknown_method"
	CodeLockHeld          Code = "store.lock_held"
	CodeStoreIO           Code = "store.io_error"
)

// Error pairs a stable code with a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two loomerr errors by code, so errors.Is can be used with
// sentinel-style comparisons like errors.Is(err, loomerr.New(CodePoolTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from an error chain, or "" if none is present.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
