package retry

import (
	"context"
	"strings"

	"github.com/teranos/genepulse/errors"
)

// Class is the error classification recorded against failed entities and providers
type Class string

const (
	ClassTimeout        Class = "timeout"
	ClassRateLimited    Class = "rate_limited"
	ClassServerError    Class = "server_error"
	ClassUnavailable    Class = "unavailable"
	ClassNotFound       Class = "not_found"
	ClassInvalidRequest Class = "invalid_request"
	ClassValidation     Class = "validation"
	ClassCircuitOpen    Class = "circuit_open"
	ClassCancelled      Class = "cancelled"
	ClassUnknown        Class = "unknown"
)

// Retryable reports whether another attempt might succeed.
// Unknown errors are retried: most of them are transport noise.
func (c Class) Retryable() bool {
	switch c {
	case ClassTimeout, ClassRateLimited, ClassServerError, ClassUnavailable, ClassUnknown:
		return true
	default:
		return false
	}
}

// sentinelClasses is checked in order; the first sentinel found in the chain wins
var sentinelClasses = []struct {
	sentinel error
	class    Class
}{
	{context.Canceled, ClassCancelled},
	{errors.ErrCircuitOpen, ClassCircuitOpen},
	{errors.ErrValidation, ClassValidation},
	{errors.ErrNotFound, ClassNotFound},
	{errors.ErrInvalidRequest, ClassInvalidRequest},
	{errors.ErrRateLimited, ClassRateLimited},
	{errors.ErrServerError, ClassServerError},
	{errors.ErrServiceUnavailable, ClassUnavailable},
	{errors.ErrTimeout, ClassTimeout},
	{context.DeadlineExceeded, ClassTimeout},
}

// Classify categorizes an error. Marked sentinels are authoritative; errors
// from outside the adapters fall back to message patterns.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	for _, sc := range sentinelClasses {
		if errors.Is(err, sc.sentinel) {
			return sc.class
		}
	}

	errLower := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errLower, "timeout") || strings.Contains(errLower, "timed out") || strings.Contains(errLower, "deadline exceeded"):
		return ClassTimeout

	case strings.Contains(errLower, "too many requests") || strings.Contains(errLower, "rate limit"):
		return ClassRateLimited

	case strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "connection reset") ||
		strings.Contains(errLower, "no such host") || strings.Contains(errLower, "broken pipe") ||
		strings.Contains(errLower, "unexpected eof"):
		return ClassUnavailable

	case strings.Contains(errLower, "internal server error") || strings.Contains(errLower, "bad gateway") ||
		strings.Contains(errLower, "service unavailable") || strings.Contains(errLower, "gateway timeout"):
		return ClassServerError

	case strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid character") ||
		strings.Contains(errLower, "cannot parse"):
		return ClassValidation

	case strings.Contains(errLower, "not found"):
		return ClassNotFound

	default:
		return ClassUnknown
	}
}
