package meshclient

import (
	"time"
)

const (
	// Attempt ceiling when a unit runs inside batch execution.
	DefaultBatchAttempts = 3
	// Attempt ceiling when a single file is re-run standalone.
	DefaultStandaloneAttempts = 5
)

// backoffFor returns how long to wait before the next attempt after a
// failure of the given kind on the given zero-based attempt.
func backoffFor(kind ErrorKind, attempt int) time.Duration {
	switch kind {
	case KindRateLimit:
		secs := 60 * (1 << attempt)
		if secs > 900 {
			secs = 900
		}
		return time.Duration(secs) * time.Second
	case KindTimeout:
		secs := 30 * (attempt + 1)
		if secs > 300 {
			secs = 300
		}
		return time.Duration(secs) * time.Second
	default:
		// transient and unknown
		secs := 5 * (1 << attempt)
		if secs > 60 {
			secs = 60
		}
		return time.Duration(secs) * time.Second
	}
}
