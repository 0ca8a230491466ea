// Package apperr defines the runtime's error taxonomy and the mapping
// from each error kind to an HTTP status code at the transport edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the taxonomy's error categories.
type Kind string

const (
	KindAuth                  Kind = "auth_error"
	KindConfig                Kind = "config_error"
	KindCheckpointUnavailable Kind = "checkpoint_unavailable"
	KindProviderTransient     Kind = "provider_transient"
	KindProviderFatal         Kind = "provider_fatal"
	KindToolError             Kind = "tool_error"
	KindInsufficientCredits   Kind = "insufficient_credits"
	KindSandboxNotFound       Kind = "sandbox_not_found"
	KindSandboxNotInitialized Kind = "sandbox_not_initialized"
	KindSandboxAuth           Kind = "sandbox_auth"
	KindSandboxTimeout        Kind = "sandbox_timeout"
	KindIdempotencyDuplicate  Kind = "idempotency_duplicate"
)

// statusByKind maps taxonomy members to HTTP status codes.
var statusByKind = map[Kind]int{
	KindAuth:                  http.StatusUnauthorized,
	KindConfig:                http.StatusInternalServerError,
	KindCheckpointUnavailable: http.StatusServiceUnavailable,
	KindProviderTransient:     http.StatusInternalServerError,
	KindProviderFatal:         http.StatusInternalServerError,
	KindToolError:             http.StatusOK, // surfaced as a tool_result event, not an HTTP failure
	KindInsufficientCredits:   http.StatusPaymentRequired,
	KindSandboxNotFound:       http.StatusNotFound,
	KindSandboxNotInitialized: http.StatusUnprocessableEntity,
	KindSandboxAuth:           http.StatusUnauthorized,
	KindSandboxTimeout:        http.StatusRequestTimeout,
	KindIdempotencyDuplicate:  http.StatusOK,
}

// Error is a taxonomy-tagged application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomy error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// HTTPStatus returns the status code an error should be surfaced as. Errors
// not tagged with a Kind map to 500.
func HTTPStatus(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		if status, ok := statusByKind[ae.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// InsufficientCredits carries the structured per-pool breakdown surfaced
// in the error payload.
type InsufficientCredits struct {
	Required  float64
	Available float64
	Breakdown PoolBreakdown
}

// PoolBreakdown reports how much of a deduction came from each credit pool.
type PoolBreakdown struct {
	Daily        float64 `json:"daily"`
	Expiring     float64 `json:"expiring"`
	NonExpiring  float64 `json:"non_expiring"`
}

func (e *InsufficientCredits) Error() string {
	return fmt.Sprintf("insufficient credits: required %.4f, available %.4f", e.Required, e.Available)
}

// AsAppError wraps an InsufficientCredits into the taxonomy Error.
func (e *InsufficientCredits) AsAppError() *Error {
	return Wrap(KindInsufficientCredits, e.Error(), e)
}
