// Package envelope defines the uniform request/response shapes the gateway
// speaks at its single HTTP endpoint.
package envelope

import "github.com/google/uuid"

// ErrorKind is the closed set of error codes the gateway may return.
type ErrorKind string

const (
	ErrInvalidRequest ErrorKind = "INVALID_REQUEST"
	ErrAuthFailed      ErrorKind = "AUTH_FAILED"
	ErrIPBlocked       ErrorKind = "IP_BLOCKED"
	ErrForbidden       ErrorKind = "FORBIDDEN"
	ErrNotFound        ErrorKind = "NOT_FOUND"
	ErrQuotaExceeded   ErrorKind = "QUOTA_EXCEEDED"
	ErrTimeout         ErrorKind = "TIMEOUT"
	ErrServiceError    ErrorKind = "SERVICE_ERROR"
	ErrInitRejected    ErrorKind = "INIT_REJECTED"
	ErrInitExpired     ErrorKind = "INIT_EXPIRED"
)

// defaultRetryable mirrors spec.md's per-kind retryability defaults. A
// specific occurrence may still override this when constructing an Error.
var defaultRetryable = map[ErrorKind]bool{
	ErrAuthFailed:      false,
	ErrIPBlocked:       false,
	ErrInvalidRequest:  false,
	ErrNotFound:        false,
	ErrForbidden:       false,
	ErrQuotaExceeded:   true,
	ErrServiceError:    true,
	ErrTimeout:         true,
	ErrInitRejected:    false,
	ErrInitExpired:     false,
}

// Request is the shape accepted at the front door.
type Request struct {
	JWT      string                 `json:"jwt"`
	Service  string                 `json:"service"`
	Action   string                 `json:"action"`
	Params   map[string]interface{} `json:"params"`
	ClientIP string                 `json:"clientIp,omitempty"`
}

// Error is the failure half of the response envelope.
type Error struct {
	Code      ErrorKind `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Response is the uniform envelope returned from every request.
type Response struct {
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	Error     *Error      `json:"error,omitempty"`
	RequestID string      `json:"requestId"`
}

// NewRequestID mints a per-request identifier. It carries no security
// meaning; uniqueness only matters within the audit log's rolling window.
func NewRequestID() string {
	return uuid.NewString()
}

// Success builds an {ok:true} envelope.
func Success(data interface{}, requestID string) Response {
	return Response{OK: true, Data: data, RequestID: requestID}
}

// Fail builds an {ok:false} envelope for the given error kind. retryable, if
// nil, falls back to the kind's documented default.
func Fail(kind ErrorKind, message string, retryable *bool, requestID string) Response {
	r := defaultRetryable[kind]
	if retryable != nil {
		r = *retryable
	}
	return Response{
		OK:        false,
		Error:     &Error{Code: kind, Message: message, Retryable: r},
		RequestID: requestID,
	}
}

// DefaultRetryable exposes the per-kind default so other packages building
// DispatchError values don't have to duplicate the table.
func DefaultRetryable(kind ErrorKind) bool {
	return defaultRetryable[kind]
}
