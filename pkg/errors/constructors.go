package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Wrap(nil, ...) returns nil.
//
//	row, err := pool.QueryRow(ctx, sql)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeInternalDatabase, "find identity")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a code and formatted message. Wrapf(nil, ...) returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a VAL_001 error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a VAL_001 error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound creates an NF_001 error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Unauthorized creates an AUTH_001 error.
func Unauthorized(message string) *Error {
	return New(CodeAuthentication, message)
}

// Forbidden creates an AUTHZ_001 error.
func Forbidden(message string) *Error {
	return New(CodeAuthorization, message)
}

// Conflict creates a CONF_001 error.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// RateLimited creates a RATE_001 error.
func RateLimited(message string) *Error {
	return New(CodeRateLimitExceeded, message)
}

// Internal creates an INT_001 error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates an INT_001 error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Unavailable creates an UNAVAIL_001 error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a TIMEOUT_001 error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// FromError returns err as an *Error, wrapping foreign errors as INT_001.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
