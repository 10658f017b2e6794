// Package apierr provides the structured error envelope returned by the
// dispatch HTTP API and helpers for writing it to fasthttp responses.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Error code constants.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeNoSuchBackend    = "no_such_backend"
	CodeRateLimited      = "rate_limit_exceeded"
	CodeBackendError     = "backend_error"
	CodeQueueTimeout     = "queue_timeout"
	CodeExecutionTimeout = "execution_timeout"
	CodeInternalError    = "internal_error"
)

type (
	// APIError is the structured error body for 4xx/5xx responses.
	APIError struct {
		ErrorCode   string         `json:"error_code"`
		Message     string         `json:"message"`
		UserMessage string         `json:"user_message"`
		Details     map[string]any `json:"details,omitempty"`
	}

	// rateLimitBody is the dedicated 429 response body.
	rateLimitBody struct {
		Message    string  `json:"message"`
		ResetAt    string  `json:"reset_at"`
		RetryAfter float64 `json:"retry_after"`
	}
)

// Write serialises an APIError to the response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code, message, userMessage string, details map[string]any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(APIError{
		ErrorCode:   code,
		Message:     message,
		UserMessage: userMessage,
		Details:     details,
	})
	ctx.SetBody(body)
}

// WriteRateLimited writes the 429 body with reset_at and retry_after and sets
// the Retry-After header to the whole-second ceiling of the wait.
func WriteRateLimited(ctx *fasthttp.RequestCtx, resetAt time.Time) {
	retryAfter := time.Until(resetAt).Seconds()
	if retryAfter < 0 {
		retryAfter = 0
	}
	secs := int(retryAfter)
	if retryAfter > float64(secs) {
		secs++
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(rateLimitBody{
		Message:    "rate limit exceeded",
		ResetAt:    resetAt.UTC().Format(time.RFC3339),
		RetryAfter: retryAfter,
	})
	ctx.SetBody(body)
}

// WriteInternal writes a 500 with the internal_error code. The raw error text
// goes into message; user_message stays generic.
func WriteInternal(ctx *fasthttp.RequestCtx, err error) {
	Write(ctx, fasthttp.StatusInternalServerError, CodeInternalError,
		err.Error(), "an internal error occurred, please retry", nil)
}
