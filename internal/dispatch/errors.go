package dispatch

import (
	"fmt"
	"math"
	"time"
)

// RateLimitedError is surfaced when the caller's window is exhausted.
type RateLimitedError struct {
	CallerID string
	Category string
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("dispatch: caller %s rate limited on %s until %s",
		e.CallerID, e.Category, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitedError) HTTPStatus() int { return 429 }

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (e *RateLimitedError) RetryAfter() int {
	secs := int(math.Ceil(time.Until(e.ResetAt).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ExhaustedError means every fallback candidate failed; it wraps the last
// attempt's error.
type ExhaustedError struct {
	Primary  string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dispatch: all %d attempts failed (primary %s): %v",
		e.Attempts, e.Primary, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
