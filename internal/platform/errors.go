package platform

import (
	"errors"
	"fmt"
)

// ErrNetwork wraps transport-level failures, timeouts included. They are
// transient: the owning timer retries on its next tick.
var ErrNetwork = errors.New("platform: network failure")

// ErrorKind classifies platform API error envelopes for retry decisions.
type ErrorKind string

const (
	// ErrorRateLimit is transient; back off and retry without escalation.
	ErrorRateLimit ErrorKind = "rate_limit"
	// ErrorInvalidToken is fatal for the credential until re-authorized.
	ErrorInvalidToken ErrorKind = "invalid_token"
	// ErrorPermission is a configuration issue surfaced as a warning.
	ErrorPermission ErrorKind = "permission"
	// ErrorGeneric covers everything the platform does not classify.
	ErrorGeneric ErrorKind = "generic"
)

// APIError is the platform's standard error envelope {error:{code,message}}
// mapped onto a typed category.
type APIError struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: %s (code %d): %s", e.Kind, e.Code, e.Message)
}

// classifyCode maps platform error codes onto kinds. Codes follow the
// Graph-style convention: 190 invalid token, 4/17/32/613 throttling,
// 10 and the 200 block permissions.
func classifyCode(code int) ErrorKind {
	switch {
	case code == 190:
		return ErrorInvalidToken
	case code == 4 || code == 17 || code == 32 || code == 613:
		return ErrorRateLimit
	case code == 10 || (code >= 200 && code <= 299):
		return ErrorPermission
	default:
		return ErrorGeneric
	}
}

// IsTransient reports whether the error is worth retrying on the next
// scheduled tick rather than surfacing as a credential or config problem.
func IsTransient(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == ErrorRateLimit || apiErr.Kind == ErrorGeneric
	}
	return false
}
