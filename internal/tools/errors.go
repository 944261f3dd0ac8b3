// Package tools provides the tool registry and execution framework.
//
// This file defines the typed errors a tool call can produce. None of
// them abort a run: the executor turns each into a failed result the
// model can read and react to.
package tools

import "fmt"

// ToolNotFoundError is returned when a tool call names a tool that is
// not registered. The model usually recovers by picking a listed tool.
type ToolNotFoundError struct {
	Name string
}

// Error implements the error interface.
func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// ToolValidationError is returned when a tool call's input does not
// satisfy the tool's schema.
type ToolValidationError struct {
	Tool   string
	Reason string
}

// Error implements the error interface.
func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %s", e.Tool, e.Reason)
}

// ToolExecutionError wraps a failure raised inside a handler,
// including recovered panics.
type ToolExecutionError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

// Unwrap returns the handler error.
func (e *ToolExecutionError) Unwrap() error { return e.Err }
