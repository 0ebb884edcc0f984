// Package mail implements the mail service handler together with the
// content-filter interceptor that sits directly in front of it
// (spec.md §4.4). Unlike every other service, mail's handler is wired
// through Filter before anything reaches the caller, and the interceptor
// writes its own "security_intercept:<action>" audit rows — the one
// documented exception to the rule that handlers never touch the audit
// sink, because the interceptor is a pipeline component in its own right.
package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/primevalsoup/google-workspaces-cli/pkg/contentfilter"
	"github.com/primevalsoup/google-workspaces-cli/pkg/dispatcher"
	"github.com/primevalsoup/google-workspaces-cli/pkg/envelope"
)

// UpstreamClient is the open-set adapter contract the mail service calls
// through, per spec.md §6: the concrete Mail API integration is out of
// the core's scope.
type UpstreamClient interface {
	List(ctx context.Context, query string, limit int) ([]contentfilter.Message, error)
	Get(ctx context.Context, id string) (contentfilter.Message, error)
	Mutate(ctx context.Context, action, id string, params map[string]interface{}) error
}

// InterceptFunc records one security_intercept audit row.
type InterceptFunc func(ctx context.Context, originAction, itemID string)

// Service implements dispatcher.Handler for the "mail" service and
// enforces the content-filter policy on every action it exposes.
type Service struct {
	Upstream    UpstreamClient
	Filter      *contentfilter.Filter
	OnIntercept InterceptFunc
}

// Handle dispatches list/search/get/label/star/archive/trash/delete.
func (s *Service) Handle(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	switch action {
	case "list", "search":
		return s.list(ctx, action, params)
	case "get":
		return s.get(ctx, params)
	case "label", "star", "archive", "trash", "delete":
		return s.mutate(ctx, action, params)
	default:
		return nil, dispatcher.NewError(envelope.ErrNotFound, fmt.Sprintf("unknown mail action %q", action))
	}
}

// list implements spec.md §4.4's "filter out before returning" rule:
// count reflects the post-filter size.
func (s *Service) list(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	query, _ := params["query"].(string)
	limit := dispatcher.ClampInt(params, "limit", 20, 100)
	items, err := s.Upstream.List(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	kept, filteredIDs := s.Filter.FilterList(items)
	for _, id := range filteredIDs {
		s.recordIntercept(ctx, action, id)
	}
	return map[string]interface{}{"items": kept, "count": len(kept)}, nil
}

func (s *Service) get(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := dispatcher.RequireParams(params, "id"); err != nil {
		return nil, err
	}
	id := params["id"].(string)
	msg, err := s.Upstream.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Filter.IsSensitive(msg) {
		s.recordIntercept(ctx, "get", id)
		return nil, dispatcher.NewError(envelope.ErrForbidden, (&contentfilter.InterceptError{ItemID: id, OriginAction: "get"}).Error())
	}
	return msg, nil
}

// mutate implements spec.md §4.4's "any mutation targeting a
// security-sensitive item returns FORBIDDEN" rule: the target is fetched
// and classified before the upstream mutation is ever attempted.
func (s *Service) mutate(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if err := dispatcher.RequireParams(params, "id"); err != nil {
		return nil, err
	}
	id := params["id"].(string)
	msg, err := s.Upstream.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Filter.IsSensitive(msg) {
		s.recordIntercept(ctx, action, id)
		return nil, dispatcher.NewError(envelope.ErrForbidden, (&contentfilter.InterceptError{ItemID: id, OriginAction: action}).Error())
	}
	if err := s.Upstream.Mutate(ctx, action, id, params); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "action": action, "ok": true}, nil
}

func (s *Service) recordIntercept(ctx context.Context, originAction, itemID string) {
	if s.OnIntercept != nil {
		s.OnIntercept(ctx, originAction, itemID)
	}
}
