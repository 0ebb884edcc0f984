package ippolicy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCIDRMatchCorrectness(t *testing.T) {
	if !CIDRMatch("203.0.113.7", "0.0.0.0/0") {
		t.Fatal("every parseable IPv4 should match 0.0.0.0/0")
	}
	if !CIDRMatch("10.1.2.3", "10.1.0.0/16") {
		t.Fatal("10.1.2.3 should match 10.1.0.0/16")
	}
	if CIDRMatch("10.2.0.0", "10.1.0.0/16") {
		t.Fatal("10.2.0.0 should not match 10.1.0.0/16")
	}
	if CIDRMatch("not-an-ip", "10.0.0.0/8") {
		t.Fatal("malformed ip should not match")
	}
}

func TestCheckEmptyOrUnknownIPPasses(t *testing.T) {
	p := &Policy{Allowlist: func() []string { return []string{"203.0.113.0/24"} }}
	for _, ip := range []string{"", "unknown", "UNKNOWN"} {
		if res := p.Check(context.Background(), ip); !res.Allowed {
			t.Fatalf("expected empty/unknown ip %q to pass through, got %q", ip, res.Reason)
		}
	}
}

func TestCheckAllowlistDenyAndAllow(t *testing.T) {
	p := &Policy{Allowlist: func() []string { return []string{"203.0.113.0/24"} }}
	if res := p.Check(context.Background(), "198.51.100.7"); res.Allowed {
		t.Fatal("expected ip outside allow-list to be denied")
	}
	if res := p.Check(context.Background(), "203.0.113.42"); !res.Allowed {
		t.Fatalf("expected ip inside allow-list to be allowed, got %q", res.Reason)
	}
}

func TestCheckEmptyAllowlistAllowsAnyIP(t *testing.T) {
	p := &Policy{Allowlist: func() []string { return nil }}
	if res := p.Check(context.Background(), "1.2.3.4"); !res.Allowed {
		t.Fatal("empty allow-list should allow any reported ip")
	}
}

func TestReputationDeniesAboveThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"abuseConfidenceScore": 90},
		})
	}))
	defer srv.Close()

	p := &Policy{
		Allowlist:         func() []string { return nil },
		ReputationEnabled: func() bool { return true },
		ReputationAPIKey:  func() string { return "key" },
		ReputationThresh:  func() int { return 50 },
	}
	blocked, _ := p.checkReputationAgainst(srv.URL, "203.0.113.7", "key")
	if !blocked {
		t.Fatal("expected score 90 >= threshold 50 to be blocked")
	}
}

func TestReputationFailsOpenOnError(t *testing.T) {
	p := &Policy{
		Allowlist:         func() []string { return nil },
		ReputationEnabled: func() bool { return true },
		ReputationAPIKey:  func() string { return "key" },
		ReputationThresh:  func() int { return 50 },
	}
	res := p.Check(context.Background(), "198.51.100.9")
	if !res.Allowed {
		t.Fatal("expected unreachable reputation provider to fail open")
	}
}

func TestReputationFailsOpenOnMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	blocked, _ := (&Policy{}).checkReputationAgainst(srv.URL, "203.0.113.7", "key")
	if blocked {
		t.Fatal("malformed body should fail open, not block")
	}
}

// checkReputationAgainst is a tiny test seam letting tests point the
// reputation check at an httptest server instead of the real provider.
func (p *Policy) checkReputationAgainst(baseURL, ip, apiKey string) (bool, string) {
	orig := reputationURLOverride
	reputationURLOverride = baseURL
	defer func() { reputationURLOverride = orig }()
	return p.checkReputation(context.Background(), ip, apiKey)
}
