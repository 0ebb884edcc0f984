// Package admin implements the gateway's own administrative surface
// (spec.md §6): configuration inspection and mutation, audit log status
// and clearing, and allow-list management. It is registered under the
// "admin" service name like any other handler and goes through the same
// auth/IP/dispatch pipeline as everything else.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/primevalsoup/google-workspaces-cli/pkg/audit"
	"github.com/primevalsoup/google-workspaces-cli/pkg/config"
	"github.com/primevalsoup/google-workspaces-cli/pkg/dispatcher"
	"github.com/primevalsoup/google-workspaces-cli/pkg/envelope"
)

// Handlers bundles the admin action set's dependencies.
type Handlers struct {
	Config    *config.Store
	Audit     *audit.Log
	StartedAt time.Time
	Version   string
	Services  func() []string
}

// Handle implements dispatcher.Handler for the "admin" service.
func (h *Handlers) Handle(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "health":
		return h.health(), nil
	case "config.get":
		return h.Config.Snapshot(), nil
	case "config.set":
		return h.configSet(params)
	case "log.status":
		return h.logStatus(ctx)
	case "log.clear":
		return h.logClear(ctx)
	case "ip.list":
		return h.ipList(), nil
	case "ip.add":
		return h.ipAdd(params)
	case "ip.remove":
		return h.ipRemove(params)
	default:
		return nil, dispatcher.NewError(envelope.ErrNotFound, fmt.Sprintf("unknown admin action %q", action))
	}
}

func (h *Handlers) health() map[string]interface{} {
	services := []string{}
	if h.Services != nil {
		services = h.Services()
	}
	return map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"version":    h.Version,
		"configured": h.Config.Configured(),
		"services":   services,
	}
}

func (h *Handlers) configSet(params map[string]interface{}) (interface{}, error) {
	if err := dispatcher.RequireParams(params, "key", "value"); err != nil {
		return nil, err
	}
	key, _ := params["key"].(string)
	value, _ := params["value"].(string)
	h.Config.Set(strings.ToUpper(strings.TrimSpace(key)), value)
	return map[string]interface{}{"key": key, "updated": true}, nil
}

func (h *Handlers) logStatus(ctx context.Context) (interface{}, error) {
	rows, err := h.Audit.RowCount(ctx)
	if err != nil {
		return nil, dispatcher.NewError(envelope.ErrServiceError, fmt.Sprintf("log.status failed: %v", err))
	}
	return map[string]interface{}{
		"rows":    rows,
		"maxRows": h.Config.Int(config.KeyLogMaxRows, 5000),
		"enabled": h.Config.Bool(config.KeyLogEnabled, true),
	}, nil
}

func (h *Handlers) logClear(ctx context.Context) (interface{}, error) {
	if err := h.Audit.Clear(ctx); err != nil {
		return nil, dispatcher.NewError(envelope.ErrServiceError, fmt.Sprintf("log.clear failed: %v", err))
	}
	return map[string]interface{}{"cleared": true}, nil
}

func (h *Handlers) ipList() map[string]interface{} {
	return map[string]interface{}{"entries": h.Config.StringSlice(config.KeyIPAllowlist)}
}

func (h *Handlers) ipAdd(params map[string]interface{}) (interface{}, error) {
	if err := dispatcher.RequireParams(params, "entry"); err != nil {
		return nil, err
	}
	entry := strings.TrimSpace(params["entry"].(string))
	entries := h.Config.StringSlice(config.KeyIPAllowlist)
	for _, e := range entries {
		if e == entry {
			return map[string]interface{}{"entries": entries}, nil
		}
	}
	entries = append(entries, entry)
	h.Config.Set(config.KeyIPAllowlist, strings.Join(entries, ","))
	return map[string]interface{}{"entries": entries}, nil
}

func (h *Handlers) ipRemove(params map[string]interface{}) (interface{}, error) {
	if err := dispatcher.RequireParams(params, "entry"); err != nil {
		return nil, err
	}
	entry := strings.TrimSpace(params["entry"].(string))
	entries := h.Config.StringSlice(config.KeyIPAllowlist)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e != entry {
			out = append(out, e)
		}
	}
	h.Config.Set(config.KeyIPAllowlist, strings.Join(out, ","))
	return map[string]interface{}{"entries": out}, nil
}
