// Package ippolicy implements the gateway's IP allow-list and optional
// external reputation check (spec.md §4.2). It is advisory, not a security
// boundary: the caller self-reports its address, and the reputation layer
// fails open on any error so a third-party outage never blocks traffic.
package ippolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/primevalsoup/google-workspaces-cli/pkg/httpx"
)

// reputationTimeout bounds the reputation provider call locally, per
// spec.md §5's suspension-point limit of 10s.
const reputationTimeout = 10 * time.Second

const reputationURL = "https://api.abuseipdb.com/api/v2/check"

// reputationURLOverride lets tests point the reputation check at a local
// httptest server instead of the real provider.
var reputationURLOverride = reputationURL

// Policy checks a self-reported client IP against an allow-list and,
// optionally, an external reputation provider.
type Policy struct {
	Allowlist         func() []string
	ReputationEnabled func() bool
	ReputationAPIKey  func() string
	ReputationThresh  func() int
	HTTPClient        *http.Client
}

// Result describes the outcome of Check.
type Result struct {
	Allowed bool
	Reason  string
}

// Check implements the three-step procedure of spec.md §4.2.
func (p *Policy) Check(ctx context.Context, reportedIP string) Result {
	ip := strings.TrimSpace(reportedIP)
	if ip == "" || strings.EqualFold(ip, "unknown") {
		return Result{Allowed: true}
	}

	allowlist := p.Allowlist()
	if len(allowlist) > 0 {
		if !matchesAnyEntry(ip, allowlist) {
			return Result{Allowed: false, Reason: fmt.Sprintf("ip %s is not in the allow-list", ip)}
		}
	}

	if p.ReputationEnabled != nil && p.ReputationEnabled() {
		key := ""
		if p.ReputationAPIKey != nil {
			key = p.ReputationAPIKey()
		}
		if strings.TrimSpace(key) != "" {
			if blocked, reason := p.checkReputation(ctx, ip, key); blocked {
				return Result{Allowed: false, Reason: reason}
			}
		}
	}

	return Result{Allowed: true}
}

// checkReputation calls the configured provider. Any failure — network
// error, non-2xx, malformed JSON, missing field — fails open: the caller
// is treated as not blocked.
func (p *Policy) checkReputation(ctx context.Context, ip, apiKey string) (blocked bool, reason string) {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithTimeout(ctx, reputationTimeout)
	defer cancel()

	url := reputationURLOverride + "?ipAddress=" + ip
	status, body, err := httpx.RequestJSON(reqCtx, client, http.MethodGet, url, nil, map[string]string{
		"Key":    apiKey,
		"Accept": "application/json",
	}, 1, 200*time.Millisecond)
	if err != nil {
		return false, ""
	}
	if status < 200 || status >= 300 {
		return false, ""
	}

	var parsed struct {
		Data struct {
			AbuseConfidenceScore json.Number `json:"abuseConfidenceScore"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, ""
	}
	score, err := strconv.Atoi(string(parsed.Data.AbuseConfidenceScore))
	if err != nil {
		return false, ""
	}

	threshold := 50
	if p.ReputationThresh != nil {
		if t := p.ReputationThresh(); t > 0 {
			threshold = t
		}
	}
	if score >= threshold {
		return true, fmt.Sprintf("ip %s has reputation score %d >= threshold %d", ip, score, threshold)
	}
	return false, ""
}

func matchesAnyEntry(ip string, entries []string) bool {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if CIDRMatch(ip, entry) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}

// CIDRMatch implements spec.md §4.2 step 2's packing-and-masking procedure
// exactly: octets packed into a 32-bit integer, mask derived from the
// prefix length, comparison on the masked network address.
func CIDRMatch(ip, cidr string) bool {
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return false
	}
	netIP, ok := packIPv4(parts[0])
	if !ok {
		return false
	}
	bits, err := strconv.Atoi(parts[1])
	if err != nil || bits < 0 || bits > 32 {
		return false
	}
	candidate, ok := packIPv4(ip)
	if !ok {
		return false
	}
	var mask uint32
	if bits > 0 {
		mask = 0xFFFFFFFF << (32 - bits)
	}
	return candidate&mask == netIP&mask
}

func packIPv4(addr string) (uint32, bool) {
	octets := strings.Split(addr, ".")
	if len(octets) != 4 {
		return 0, false
	}
	var packed uint32
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return 0, false
		}
		packed = packed<<8 | uint32(n)
	}
	return packed, true
}
