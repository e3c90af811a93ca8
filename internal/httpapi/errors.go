// Package httpapi defines the gateway's single JSON error envelope and the
// error-kind taxonomy used to select HTTP status codes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Kind is a stable error classification independent of its HTTP status.
type Kind string

const (
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindBadRequest         Kind = "bad_request"
	KindNotFound           Kind = "not_found"
	KindTooManyRequests    Kind = "too_many_requests"
	KindBadGateway         Kind = "bad_gateway"
	KindGatewayTimeout     Kind = "gateway_timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindBadRequest:         http.StatusBadRequest,
	KindNotFound:           http.StatusNotFound,
	KindTooManyRequests:    http.StatusTooManyRequests,
	KindBadGateway:         http.StatusBadGateway,
	KindGatewayTimeout:     http.StatusGatewayTimeout,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindInternal:           http.StatusInternalServerError,
}

// StatusFor reports the HTTP status associated with a Kind.
func StatusFor(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the JSON body written on every failure path. Fields beyond
// message/statusCode/traceId are only populated where the caller has them.
type Error struct {
	Message    string         `json:"message"`
	StatusCode int            `json:"statusCode"`
	TraceID    string         `json:"traceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"`
}

// New constructs an Error for the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Message: message, StatusCode: StatusFor(kind)}
}

// WithDetails attaches a details map (e.g. per-field validation issues).
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// WithRetryAfter attaches a retryAfter (seconds) field.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// Write sends the error as JSON with status err.StatusCode, setting traceId
// from the traceID argument if not already set.
func Write(w http.ResponseWriter, traceID string, err *Error) {
	if err.TraceID == "" {
		err.TraceID = traceID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(err)
}
