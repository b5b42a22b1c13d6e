package meshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a failed call against the mesh generation service.
// The classifier decides once, at this boundary; everything downstream
// branches on the kind, never on the raw error text.
type ErrorKind int

const (
	KindAuthentication ErrorKind = iota
	KindRateLimit
	KindTimeout
	KindTransient
	KindValidation
	KindUnknown
	KindCircuitOpen
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient_service"
	case KindValidation:
		return "validation"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be attempted again.
// Unknown is retried exactly once; the retry loop enforces that cap.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindTransient, KindUnknown:
		return true
	}
	return false
}

// Error is the typed failure the client surfaces to callers.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mesh service error (%s): %s", e.Kind, e.Msg)
}

// apiError captures a non-2xx response from the mesh service.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

var authMarkers = []string{"auth", "unauthorized", "forbidden", "api key"}
var rateLimitMarkers = []string{"rate limit", "too many requests", "quota"}
var timeoutMarkers = []string{"timeout", "timed out", "deadline exceeded"}

// Classify maps a raw error to an ErrorKind. Checks run in priority order:
// authentication, rate limit, timeout, 5xx, 4xx, unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	msg := strings.ToLower(err.Error())
	var api *apiError
	hasStatus := errors.As(err, &api)

	if hasStatus && (api.status == 401 || api.status == 403) {
		return KindAuthentication
	}
	if containsAny(msg, authMarkers) {
		return KindAuthentication
	}

	if hasStatus && api.status == 429 {
		return KindRateLimit
	}
	if containsAny(msg, rateLimitMarkers) {
		return KindRateLimit
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if containsAny(msg, timeoutMarkers) {
		return KindTimeout
	}

	if hasStatus && api.status >= 500 {
		return KindTransient
	}
	if hasStatus && api.status >= 400 {
		return KindValidation
	}

	return KindUnknown
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
