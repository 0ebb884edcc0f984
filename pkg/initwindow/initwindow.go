// Package initwindow implements the one-time, unauthenticated secret
// bootstrap channel (spec.md §4.6): immediately after deploy the gateway
// has no shared secret and so cannot authenticate whoever sets it. The
// window is strictly time- and state-limited.
package initwindow

import (
	"strings"
	"time"
)

// Window is the fixed duration after deploy during which _init.setSecret
// is reachable, per spec.md §4.6 step 2.
const Window = 5 * time.Minute

// MinSecretLength is the minimum acceptable length for a bootstrapped
// secret, per spec.md §4.6 step 3.
const MinSecretLength = 32

const (
	// ServiceName is the pseudo-service recognized only during the init
	// window.
	ServiceName = "_init"
	// ActionName is the single action it accepts.
	ActionName = "setSecret"
)

// Reason enumerates why a bootstrap attempt failed, mapping directly onto
// envelope.ErrInitRejected / envelope.ErrInitExpired.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonRejected Reason = "INIT_REJECTED"
	ReasonExpired  Reason = "INIT_EXPIRED"
)

// Gate decides whether an _init.setSecret call is currently admissible.
// DeployedAt must be captured once, at process start, from a
// monotonic-clock-derived source — never re-read from a wall clock that
// could be adjusted backwards to reopen the window.
type Gate struct {
	DeployedAt time.Time
	Configured func() bool
	SetSecret  func(secret string)
}

// Attempt is the outcome of a bootstrap call.
type Attempt struct {
	Accepted bool
	Reason   Reason
	Detail   string
}

// TrySetSecret implements spec.md §4.6's three-condition check in order:
// not yet configured, within the fixed window, secret long enough.
func (g *Gate) TrySetSecret(now time.Time, secret string) Attempt {
	if g.Configured != nil && g.Configured() {
		return Attempt{Reason: ReasonRejected, Detail: "a secret is already configured"}
	}
	if now.Sub(g.DeployedAt) > Window {
		return Attempt{Reason: ReasonExpired, Detail: "the init window has closed"}
	}
	if len(strings.TrimSpace(secret)) < MinSecretLength {
		return Attempt{Reason: ReasonRejected, Detail: "secret must be at least 32 characters"}
	}
	if g.SetSecret != nil {
		g.SetSecret(secret)
	}
	return Attempt{Accepted: true}
}

// IsInitRequest reports whether a request's (service, action) pair names
// the bootstrap pseudo-service, so the front door can short-circuit the
// normal auth/IP pipeline for it.
func IsInitRequest(service, action string) bool {
	return strings.EqualFold(strings.TrimSpace(service), ServiceName) &&
		strings.EqualFold(strings.TrimSpace(action), ActionName)
}
