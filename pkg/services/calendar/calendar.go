// Package calendar implements a minimal calendar service handler. It
// exists mainly to demonstrate that the dispatcher's registry accepts an
// open set of services (spec.md §1): nothing about the pipeline is
// mail-specific except the content-filter interceptor.
package calendar

import (
	"context"
	"fmt"
	"strings"

	"github.com/primevalsoup/google-workspaces-cli/pkg/dispatcher"
	"github.com/primevalsoup/google-workspaces-cli/pkg/envelope"
)

// Event is the minimal shape surfaced to callers.
type Event struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// UpstreamClient is the open-set adapter contract, per spec.md §6.
type UpstreamClient interface {
	List(ctx context.Context, limit int) ([]Event, error)
	Get(ctx context.Context, id string) (Event, error)
}

// Service implements dispatcher.Handler for the "calendar" service.
type Service struct {
	Upstream UpstreamClient
}

func (s *Service) Handle(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "list":
		limit := dispatcher.ClampInt(params, "limit", 20, 100)
		events, err := s.Upstream.List(ctx, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": events, "count": len(events)}, nil
	case "get":
		if err := dispatcher.RequireParams(params, "id"); err != nil {
			return nil, err
		}
		return s.Upstream.Get(ctx, params["id"].(string))
	default:
		return nil, dispatcher.NewError(envelope.ErrNotFound, fmt.Sprintf("unknown calendar action %q", action))
	}
}
