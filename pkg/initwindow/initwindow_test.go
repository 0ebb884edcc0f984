package initwindow

import (
	"testing"
	"time"
)

func TestTrySetSecretAccepted(t *testing.T) {
	deployed := time.Unix(1_700_000_000, 0)
	var captured string
	g := &Gate{
		DeployedAt: deployed,
		Configured: func() bool { return false },
		SetSecret:  func(s string) { captured = s },
	}
	secret := "topsecret-abcdefghijklmnopqrstuvwxyz12"
	res := g.TrySetSecret(deployed.Add(time.Minute), secret)
	if !res.Accepted {
		t.Fatalf("expected success, got %+v", res)
	}
	if captured != secret {
		t.Fatalf("expected secret to be installed, got %q", captured)
	}
}

func TestTrySetSecretRejectedWhenAlreadyConfigured(t *testing.T) {
	deployed := time.Unix(1_700_000_000, 0)
	g := &Gate{DeployedAt: deployed, Configured: func() bool { return true }}
	res := g.TrySetSecret(deployed.Add(time.Second), "topsecret-abcdefghijklmnopqrstuvwxyz12")
	if res.Accepted || res.Reason != ReasonRejected {
		t.Fatalf("expected INIT_REJECTED once configured, got %+v", res)
	}
}

func TestTrySetSecretExpiredAfterWindow(t *testing.T) {
	deployed := time.Unix(1_700_000_000, 0)
	g := &Gate{DeployedAt: deployed, Configured: func() bool { return false }}
	res := g.TrySetSecret(deployed.Add(Window+time.Second), "topsecret-abcdefghijklmnopqrstuvwxyz12")
	if res.Accepted || res.Reason != ReasonExpired {
		t.Fatalf("expected INIT_EXPIRED after window closes, got %+v", res)
	}
}

func TestTrySetSecretWithinWindowBoundary(t *testing.T) {
	deployed := time.Unix(1_700_000_000, 0)
	g := &Gate{DeployedAt: deployed, Configured: func() bool { return false }}
	res := g.TrySetSecret(deployed.Add(Window), "topsecret-abcdefghijklmnopqrstuvwxyz12")
	if !res.Accepted {
		t.Fatalf("expected exactly-at-boundary attempt to still succeed, got %+v", res)
	}
}

func TestTrySetSecretRejectedWhenTooShort(t *testing.T) {
	deployed := time.Unix(1_700_000_000, 0)
	g := &Gate{DeployedAt: deployed, Configured: func() bool { return false }}
	res := g.TrySetSecret(deployed.Add(time.Second), "too-short")
	if res.Accepted || res.Reason != ReasonRejected {
		t.Fatalf("expected INIT_REJECTED for short secret, got %+v", res)
	}
}

func TestIsInitRequest(t *testing.T) {
	if !IsInitRequest("_init", "setSecret") {
		t.Fatal("expected canonical pair to match")
	}
	if !IsInitRequest("_INIT", "SETSECRET") {
		t.Fatal("expected case-insensitive match")
	}
	if IsInitRequest("mail", "setSecret") {
		t.Fatal("expected non-init service to not match")
	}
}
