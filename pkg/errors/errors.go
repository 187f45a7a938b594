// Package errors provides the structured error type shared by every
// component of the clinic authentication pipeline.
//
// Each error carries a machine-readable code of the form CATEGORY_NNN. The
// category decides the HTTP status an error maps to and lets callers tell
// item-level failures apart from systemic ones without string matching:
//
//	if errors.IsRetryable(err) {
//	    // provider or store is down; abort the batch
//	}
//
// Components in this module never surface these errors to HTTP callers
// directly. Verification and store errors are logged and downgraded
// (unauthenticated, or rate limit not enforced); only RATE errors have a
// user-visible rendering.
package errors

import (
	"fmt"
	"maps"
	"net/http"
)

// Error is a structured error with a code, message, optional cause and
// optional structured details. Values are treated as immutable; the With*
// methods return copies.
type Error struct {
	// Code is the machine-readable error code (e.g. "AUTH_002").
	Code Code

	// Message is a human-readable message. It must not contain tokens,
	// secrets or other sensitive material.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Details holds structured context such as identity ids or limits.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code for the error's category.
func (e *Error) HTTPStatus() int {
	if status, ok := categoryStatus[e.Code.Category()]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetails returns a copy of e with details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Details: merged}
}

// WithDetail returns a copy of e with a single detail added.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format implements fmt.Formatter. %+v includes details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
