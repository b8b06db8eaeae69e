package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
type HTTPError interface {
	error
	StatusCode() int
}

// Domain error types implementing HTTPError interface
type (
	// NotFoundError indicates a resource was not found
	NotFoundError struct {
		Message string
	}

	// ValidationError indicates invalid input
	ValidationError struct {
		Message string
	}

	// UnauthorizedError indicates authentication failure
	UnauthorizedError struct {
		Message string
	}

	// ForbiddenError indicates authorization failure
	ForbiddenError struct {
		Message string
	}
)

func (e *NotFoundError) Error() string     { return e.Message }
func (e *ValidationError) Error() string   { return e.Message }
func (e *UnauthorizedError) Error() string { return e.Message }
func (e *ForbiddenError) Error() string    { return e.Message }

func (e *NotFoundError) StatusCode() int     { return http.StatusNotFound }
func (e *ValidationError) StatusCode() int   { return http.StatusBadRequest }
func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }
func (e *ForbiddenError) StatusCode() int    { return http.StatusForbidden }

func (e *NotFoundError) Is(target error) bool   { return target == ErrNotFound }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// ErrRunCancelled is returned by a run that observed its context being cancelled.
	// Callers treat it as an interruption, not a failure.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrToolCallFinish marks a run that exhausted its repair attempts while the
	// model still asked for tools. Nothing is persisted for such runs.
	ErrToolCallFinish = errors.New("run ended on a tool call")
)

// ConflictError represents a resource conflict with details about the existing resource
type ConflictError struct {
	Message      string // Human-readable error message
	ResourceType string // Type of resource (message, entry, agent)
	ResourceID   string // ID of the existing/conflicting resource
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) StatusCode() int {
	return http.StatusConflict
}

// Is allows errors.Is() to match against ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ToolArgumentError reports arguments that do not match a tool's parameter schema.
// It is returned to the model as an error tool result so the model can repair the call.
type ToolArgumentError struct {
	Tool     string
	Problems []string
}

func (e *ToolArgumentError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid arguments for tool %q", e.Tool)
	}
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e *ToolArgumentError) StatusCode() int { return http.StatusBadRequest }

func (e *ToolArgumentError) Is(target error) bool { return target == ErrValidation }

// ToolNotFoundError reports a call to a tool that is not in the active selection.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

func (e *ToolNotFoundError) StatusCode() int { return http.StatusNotFound }

func (e *ToolNotFoundError) Is(target error) bool { return target == ErrNotFound }

// AgentDepthError is returned when nested agent invocations exceed the depth limit.
type AgentDepthError struct {
	Agent string
	Limit int
}

func (e *AgentDepthError) Error() string {
	return fmt.Sprintf("agent %q cannot be invoked: nesting limit of %d reached", e.Agent, e.Limit)
}

func (e *AgentDepthError) StatusCode() int { return http.StatusUnprocessableEntity }
