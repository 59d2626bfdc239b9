// Package taxonomy defines the failure codes surfaced by reactor.
// Every user-visible error and every terminal execution failure carries
// one of these codes so that clients and operators can branch on them
// without parsing message text.
package taxonomy

import "fmt"

// Code identifies a class of failure.
type Code string

const (
	// Gateway surface.
	CodeAuthFailure    Code = "auth_failure"
	CodeSessionBusy    Code = "session_busy"
	CodeConnectionLost Code = "connection_lost"

	// Dispatch surface.
	CodeUnknownTool         Code = "unknown_tool"
	CodeToolDispatchFailure Code = "tool_dispatch_failure"

	// Reasoner surface.
	CodeReasonerTransientFailure Code = "reasoner_transient_failure"
	CodeReasonerFatalFailure     Code = "reasoner_fatal_failure"
	CodeUnexpectedResponseShape  Code = "unexpected_response_shape"
	CodeIterationLimitExceeded   Code = "iteration_limit_exceeded"

	// Task token surface.
	CodeTokenExpired         Code = "token_expired"
	CodeTokenAlreadyResolved Code = "token_already_resolved"
	CodeTokenNotFound        Code = "token_not_found"

	// Catch-all for faults with no more specific class.
	CodeInternal Code = "internal_error"
)

// Error is a classified failure. It satisfies the error interface and
// unwraps to its cause so that errors.Is still works through wrapping.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the classification from err, walking the unwrap
// chain. Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	for err != nil {
		if te, ok := err.(*Error); ok {
			return te.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return CodeInternal
		}
		err = u.Unwrap()
	}
	return CodeInternal
}

// Retryable reports whether the failure class permits another attempt
// of the same operation.
func Retryable(err error) bool {
	return CodeOf(err) == CodeReasonerTransientFailure
}
