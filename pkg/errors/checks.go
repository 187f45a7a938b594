package errors

import (
	"errors"
)

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries exactly code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a VAL error.
func IsValidation(err error) bool { return hasCategory(err, CategoryValidation) }

// IsAuthentication reports whether err is an AUTH error.
func IsAuthentication(err error) bool { return hasCategory(err, CategoryAuthentication) }

// IsAuthorization reports whether err is an AUTHZ error.
func IsAuthorization(err error) bool { return hasCategory(err, CategoryAuthorization) }

// IsNotFound reports whether err is an NF error.
func IsNotFound(err error) bool { return hasCategory(err, CategoryNotFound) }

// IsConflict reports whether err is a CONF error.
func IsConflict(err error) bool { return hasCategory(err, CategoryConflict) }

// IsRateLimited reports whether err is a RATE error.
func IsRateLimited(err error) bool { return hasCategory(err, CategoryRateLimit) }

// IsInternal reports whether err is an INT error.
func IsInternal(err error) bool { return hasCategory(err, CategoryInternal) }

// IsUnavailable reports whether err is an UNAVAIL error.
func IsUnavailable(err error) bool { return hasCategory(err, CategoryUnavailable) }

// IsTimeout reports whether err is a TIMEOUT error.
func IsTimeout(err error) bool { return hasCategory(err, CategoryTimeout) }

// IsRetryable reports whether err is an UNAVAIL or TIMEOUT error. The
// reconciliation jobs treat retryable errors as systemic and abort the run;
// anything else is an item failure.
func IsRetryable(err error) bool {
	return IsUnavailable(err) || IsTimeout(err)
}

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	status := e.HTTPStatus()
	return status >= 400 && status < 500
}

// IsServerError reports whether err maps to a 5xx status. Foreign errors
// are not classified.
func IsServerError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	return e.HTTPStatus() >= 500
}
