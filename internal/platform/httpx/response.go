// Package httpx writes JSON responses and the API error envelope.
package httpx

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tableside/api/internal/platform/requestctx"
)

const (
	maxCodeLength    = 80
	maxMessageLength = 512
)

// reservedKeys cannot be overwritten by error details.
var reservedKeys = map[string]struct{}{
	"error":     {},
	"message":   {},
	"status":    {},
	"retryable": {},
	"requestId": {},
	"traceId":   {},
}

// Error is the JSON error envelope returned by the API. Details are flattened into the
// top-level object next to the fixed keys.
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
	Details    map[string]any
}

// NewError builds an envelope, defaulting the status to 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLength),
		Message: clean(message, maxMessageLength),
		Status:  status,
	}
}

// WithDetails attaches extra fields such as the rejected line index.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WithRetryAfter sets the Retry-After hint sent with 429 and 503 responses.
func (e Error) WithRetryAfter(d time.Duration) Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// Retryable reports whether the client may repeat the request unchanged.
func (e Error) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

// WriteError renders the envelope, stamping the request and trace identifiers from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	err.Status = status

	payload := make(map[string]any, len(err.Details)+6)
	for k, v := range err.Details {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		payload[k] = v
	}
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = status
	if err.Retryable() {
		payload["retryable"] = true
		if err.RetryAfter > 0 {
			seconds := int(math.Ceil(err.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
	if id := clean(middleware.GetReqID(ctx), maxCodeLength); id != "" {
		payload["requestId"] = id
	}
	if id := clean(requestctx.TraceID(ctx), 64); id != "" {
		payload["traceId"] = id
	}

	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func clean(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, value)
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = strings.ToValidUTF8(value[:limit], "")
	}
	return value
}
