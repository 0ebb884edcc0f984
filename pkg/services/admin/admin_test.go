package admin

import (
	"context"
	"testing"
	"time"

	"github.com/primevalsoup/google-workspaces-cli/pkg/audit"
	"github.com/primevalsoup/google-workspaces-cli/pkg/config"
)

func newHandlers() *Handlers {
	return &Handlers{
		Config:    config.New(),
		Audit:     audit.New(audit.NewMemorySink(), func() int { return 5000 }),
		StartedAt: time.Now(),
		Version:   "1.0.0",
		Services:  func() []string { return []string{"admin", "mail"} },
	}
}

func TestHealthReportsConfiguredAndServices(t *testing.T) {
	h := newHandlers()
	data, err := h.Handle(context.Background(), "health", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := data.(map[string]interface{})
	if m["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", m["status"])
	}
	if m["configured"].(bool) {
		t.Fatal("expected unconfigured store to report configured=false")
	}
	if services, _ := m["services"].([]string); len(services) != 2 || services[0] != "admin" || services[1] != "mail" {
		t.Fatalf("expected services [admin mail], got %v", m["services"])
	}
}

func TestConfigGetRedactsSecret(t *testing.T) {
	h := newHandlers()
	h.Config.Set(config.KeyJWTSecret, "topsecret-abcdefghijklmnopqrstuvwxyz12")
	data, _ := h.Handle(context.Background(), "config.get", nil)
	snap := data.(map[string]string)
	if snap[config.KeyJWTSecret] == "topsecret-abcdefghijklmnopqrstuvwxyz12" {
		t.Fatal("expected JWT_SECRET to be redacted")
	}
}

func TestConfigSetRequiresKeyAndValue(t *testing.T) {
	h := newHandlers()
	if _, err := h.Handle(context.Background(), "config.set", map[string]interface{}{"key": "X"}); err == nil {
		t.Fatal("expected INVALID_REQUEST for missing value")
	}
	_, err := h.Handle(context.Background(), "config.set", map[string]interface{}{"key": "IP_CHECK_THRESHOLD", "value": "75"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Config.Get(config.KeyIPCheckThreshold) != "75" {
		t.Fatal("expected config.set to take effect")
	}
}

func TestLogStatusAndClear(t *testing.T) {
	h := newHandlers()
	h.Audit.Append(context.Background(), audit.Entry{Service: "mail", Action: "list", Status: audit.StatusOK})
	data, err := h.Handle(context.Background(), "log.status", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.(map[string]interface{})["rows"].(int) != 1 {
		t.Fatalf("expected 1 row, got %v", data)
	}
	if _, err := h.Handle(context.Background(), "log.clear", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ = h.Handle(context.Background(), "log.status", nil)
	if data.(map[string]interface{})["rows"].(int) != 0 {
		t.Fatalf("expected 0 rows after clear, got %v", data)
	}
}

func TestIPListAddRemove(t *testing.T) {
	h := newHandlers()
	data, _ := h.Handle(context.Background(), "ip.add", map[string]interface{}{"entry": "10.0.0.0/8"})
	entries := data.(map[string]interface{})["entries"].([]string)
	if len(entries) != 1 || entries[0] != "10.0.0.0/8" {
		t.Fatalf("got %v", entries)
	}
	data, _ = h.Handle(context.Background(), "ip.add", map[string]interface{}{"entry": "10.0.0.0/8"})
	if len(data.(map[string]interface{})["entries"].([]string)) != 1 {
		t.Fatal("expected duplicate add to be a no-op")
	}
	data, _ = h.Handle(context.Background(), "ip.remove", map[string]interface{}{"entry": "10.0.0.0/8"})
	if len(data.(map[string]interface{})["entries"].([]string)) != 0 {
		t.Fatal("expected entry to be removed")
	}
}

func TestUnknownActionIsNotFound(t *testing.T) {
	h := newHandlers()
	if _, err := h.Handle(context.Background(), "nonsense", nil); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
