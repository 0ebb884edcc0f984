// Package dispatcher implements the service×action registry and the
// exception-to-envelope error taxonomy described by the gateway's component
// design: a static, read-only-after-boot routing table plus a single outer
// trap that converts handler panics into the closed error-kind set.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/primevalsoup/google-workspaces-cli/pkg/envelope"
)

// DispatchError is the error shape every handler and the dispatcher itself
// return on failure. It always maps onto one of the closed error kinds.
type DispatchError struct {
	Kind      envelope.ErrorKind
	Message   string
	Retryable bool
}

func (e *DispatchError) Error() string { return e.Message }

// NewError builds a DispatchError using the kind's documented default
// retryability.
func NewError(kind envelope.ErrorKind, message string) *DispatchError {
	return &DispatchError{Kind: kind, Message: message, Retryable: envelope.DefaultRetryable(kind)}
}

// Handler is the shape every registered service implements: a function
// from (action, params) to raw result data or an error. Handlers return
// the bare result, not an envelope; the gateway wraps a successful result
// in envelope.Success. Handlers must not write to the audit sink and must
// not read secrets other than through the config accessor they were
// constructed with.
type Handler func(ctx context.Context, action string, params map[string]interface{}) (interface{}, error)

// Registry is the static service-name -> Handler routing table. It is
// built once at startup and never mutated afterward; concurrent dispatch
// calls only ever read it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty, ready-to-register registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs the handler for a lowercased service name. Intended to
// be called only during startup, before any Dispatch call.
func (r *Registry) Register(service string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(strings.TrimSpace(service))] = h
}

// Services returns the set of registered service names, for diagnostics.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch resolves and invokes the handler for (service, action), mapping
// any panic or error it raises onto the closed error-kind set. It never lets
// a panic cross its own boundary.
func (r *Registry) Dispatch(ctx context.Context, service, action string, params map[string]interface{}) (data interface{}, dispatchErr *DispatchError) {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" || strings.TrimSpace(action) == "" {
		return nil, NewError(envelope.ErrInvalidRequest, "service and action are required")
	}
	r.mu.RLock()
	handler, ok := r.handlers[service]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(envelope.ErrNotFound, fmt.Sprintf("unknown service %q", service))
	}

	defer func() {
		if rec := recover(); rec != nil {
			dispatchErr = mapFailure(service, action, fmt.Errorf("%v", rec))
			data = nil
		}
	}()

	result, err := handler(ctx, action, params)
	if err != nil {
		if de, ok := err.(*DispatchError); ok {
			return nil, de
		}
		return nil, mapFailure(service, action, err)
	}
	return result, nil
}

// mapFailure implements spec.md §4.3 step 3: any failure whose message
// contains "quota" (case-insensitive) is QUOTA_EXCEEDED; anything else is
// SERVICE_ERROR with a "service.action failed: <cause>" message.
func mapFailure(service, action string, cause error) *DispatchError {
	msg := cause.Error()
	if strings.Contains(strings.ToLower(msg), "quota") {
		return NewError(envelope.ErrQuotaExceeded, msg)
	}
	return NewError(envelope.ErrServiceError, fmt.Sprintf("%s.%s failed: %s", service, action, msg))
}

// RequireParams returns INVALID_REQUEST if any of the required keys is
// missing or holds an empty value (empty string, nil, or zero-length
// slice/map).
func RequireParams(params map[string]interface{}, required ...string) *DispatchError {
	for _, key := range required {
		v, ok := params[key]
		if !ok || isEmptyParam(v) {
			return NewError(envelope.ErrInvalidRequest, fmt.Sprintf("missing required parameter %q", key))
		}
	}
	return nil
}

func isEmptyParam(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// ClampInt reads an optional positive-integer parameter, clamping it into
// [1, max] and falling back to def when absent or non-numeric.
func ClampInt(params map[string]interface{}, key string, def, max int) int {
	v, ok := params[key]
	if !ok {
		return clamp(def, max)
	}
	n, ok := asInt(v)
	if !ok || n <= 0 {
		return clamp(def, max)
	}
	return clamp(n, max)
}

func clamp(n, max int) int {
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
