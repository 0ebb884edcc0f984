// Package auth implements the gateway's token verifier: a symmetric
// HMAC-SHA256 bearer token with replay protection and bounded clock-skew
// tolerance, as specified by the component design's §4.1.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/primevalsoup/google-workspaces-cli/pkg/store"
)

// clockSkewSeconds is the only permitted slack on exp/iat checks.
const clockSkewSeconds = 30

// maxReplayTTL bounds how long a jti is remembered, matching the maximum
// token lifetime the gateway honors.
const maxReplayTTL = 300 * time.Second

const (
	algHS256 = "HS256"
	typJWT   = "JWT"
)

// Claims holds the subset of token claims the verifier understands. Unknown
// claims are preserved in Extra for handlers that need them.
type Claims struct {
	IssuedAt int64
	ExpireAt int64
	JTI      string
	Extra    map[string]json.RawMessage
}

// Verifier checks bearer tokens against a single shared secret and guards
// against replay using an external TTL cache.
type Verifier struct {
	Secret func() string
	Replay store.Cache
}

// NewVerifier builds a Verifier. secret is read lazily on every call so a
// runtime config.Set of JWT_SECRET (via the admin handler, or the init
// window) takes effect without restarting the process.
func NewVerifier(secret func() string, replay store.Cache) *Verifier {
	return &Verifier{Secret: secret, Replay: replay}
}

// Result is the outcome of Verify.
type Result struct {
	Claims Claims
	Reason string // non-empty iff verification failed
}

// OK reports whether verification succeeded.
func (r Result) OK() bool { return r.Reason == "" }

// Verify implements the full procedure of spec.md §4.1: structural shape,
// algorithm check, constant-time MAC comparison, temporal bounds, and
// atomic replay detection. It never panics; every negative outcome is
// surfaced through Result.Reason.
func (v *Verifier) Verify(ctx context.Context, token string, now time.Time) Result {
	secret := ""
	if v.Secret != nil {
		secret = v.Secret()
	}
	if strings.TrimSpace(secret) == "" {
		return Result{Reason: "authentication is not configured"}
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Result{Reason: "malformed token"}
	}
	headerSeg, claimsSeg, sigSeg := parts[0], parts[1], parts[2]

	headerRaw, err := base64.RawURLEncoding.DecodeString(headerSeg)
	if err != nil {
		return Result{Reason: "malformed token header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ,omitempty"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Result{Reason: "malformed token header"}
	}
	if !strings.EqualFold(header.Alg, algHS256) {
		return Result{Reason: "unsupported signing algorithm"}
	}
	if header.Typ != "" && !strings.EqualFold(header.Typ, typJWT) {
		return Result{Reason: "unsupported token type"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(headerSeg + "." + claimsSeg))
	expectedSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !constantTimeEqual(expectedSig, sigSeg) {
		return Result{Reason: "signature mismatch"}
	}

	claimsRaw, err := base64.RawURLEncoding.DecodeString(claimsSeg)
	if err != nil {
		return Result{Reason: "malformed token claims"}
	}
	var rawClaims map[string]json.RawMessage
	if err := json.Unmarshal(claimsRaw, &rawClaims); err != nil {
		return Result{Reason: "malformed token claims"}
	}
	claims := Claims{Extra: rawClaims}
	if raw, ok := rawClaims["iat"]; ok {
		_ = json.Unmarshal(raw, &claims.IssuedAt)
	}
	if raw, ok := rawClaims["exp"]; ok {
		_ = json.Unmarshal(raw, &claims.ExpireAt)
	}
	if raw, ok := rawClaims["jti"]; ok {
		_ = json.Unmarshal(raw, &claims.JTI)
	}

	nowSec := now.Unix()
	if claims.ExpireAt != 0 && claims.ExpireAt+clockSkewSeconds < nowSec {
		return Result{Reason: "token expired"}
	}
	if claims.IssuedAt != 0 && claims.IssuedAt-clockSkewSeconds > nowSec {
		return Result{Reason: "token issued in the future"}
	}

	if claims.JTI != "" {
		ttl := maxReplayTTL
		if claims.ExpireAt != 0 {
			remaining := time.Duration(claims.ExpireAt-nowSec) * time.Second
			if remaining > 0 && remaining < ttl {
				ttl = remaining
			}
		}
		accepted, err := v.checkAndInsertReplay(ctx, claims.JTI, ttl)
		if err != nil {
			return Result{Reason: fmt.Sprintf("replay check unavailable: %v", err)}
		}
		if !accepted {
			return Result{Reason: "replay detected for token identifier"}
		}
	}

	return Result{Claims: claims}
}

func (v *Verifier) checkAndInsertReplay(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if v.Replay == nil {
		return true, nil
	}
	return v.Replay.SetNX(ctx, "replay:"+jti, "1", ttl)
}

// constantTimeEqual implements spec.md §4.1 step 4 exactly: reject
// immediately on length mismatch, otherwise XOR-accumulate every byte so
// comparison time does not depend on where the first mismatch occurs.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
