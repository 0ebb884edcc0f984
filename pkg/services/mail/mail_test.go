package mail

import (
	"context"
	"errors"
	"testing"

	"github.com/primevalsoup/google-workspaces-cli/pkg/contentfilter"
	"github.com/primevalsoup/google-workspaces-cli/pkg/dispatcher"
	"github.com/primevalsoup/google-workspaces-cli/pkg/envelope"
)

type fakeUpstream struct {
	items     []contentfilter.Message
	byID      map[string]contentfilter.Message
	mutations []string
	mutateErr error
}

func (f *fakeUpstream) List(ctx context.Context, query string, limit int) ([]contentfilter.Message, error) {
	return f.items, nil
}

func (f *fakeUpstream) Get(ctx context.Context, id string) (contentfilter.Message, error) {
	m, ok := f.byID[id]
	if !ok {
		return contentfilter.Message{}, errors.New("not found upstream")
	}
	return m, nil
}

func (f *fakeUpstream) Mutate(ctx context.Context, action, id string, params map[string]interface{}) error {
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.mutations = append(f.mutations, action+":"+id)
	return nil
}

func newService(up *fakeUpstream) *Service {
	return &Service{
		Upstream: up,
		Filter: &contentfilter.Filter{
			BlockedSenders: func() []string { return []string{"no-reply@accounts.google.com"} },
			ContentRegex:   func() string { return `(?i)verification code` },
		},
	}
}

func TestListFiltersSensitiveItemsAndRecordsIntercept(t *testing.T) {
	up := &fakeUpstream{items: []contentfilter.Message{
		{ID: "m1", Sender: "no-reply@accounts.google.com", Subject: "account recovery", Body: "hi"},
		{ID: "m2", Sender: "alice@example.com", Subject: "lunch", Body: "sure"},
	}}
	var intercepted []string
	s := newService(up)
	s.OnIntercept = func(ctx context.Context, originAction, itemID string) {
		intercepted = append(intercepted, originAction+":"+itemID)
	}
	data, err := s.Handle(context.Background(), "list", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := data.(map[string]interface{})
	if m["count"].(int) != 1 {
		t.Fatalf("expected one surviving item, got %v", m)
	}
	if len(intercepted) != 1 || intercepted[0] != "list:m1" {
		t.Fatalf("expected intercept recorded for m1, got %v", intercepted)
	}
}

func TestGetSensitiveItemReturnsForbidden(t *testing.T) {
	up := &fakeUpstream{byID: map[string]contentfilter.Message{
		"m1": {ID: "m1", Sender: "no-reply@accounts.google.com", Subject: "security", Body: "code"},
	}}
	s := newService(up)
	_, err := s.Handle(context.Background(), "get", map[string]interface{}{"id": "m1"})
	de := asDispatchError(t, err)
	if de.Kind != envelope.ErrForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", de.Kind)
	}
}

func TestGetBenignItemPassesThrough(t *testing.T) {
	up := &fakeUpstream{byID: map[string]contentfilter.Message{
		"m2": {ID: "m2", Sender: "alice@example.com", Subject: "lunch", Body: "sure"},
	}}
	s := newService(up)
	data, err := s.Handle(context.Background(), "get", map[string]interface{}{"id": "m2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.(contentfilter.Message).ID != "m2" {
		t.Fatalf("got %v", data)
	}
}

func TestMutateSensitiveItemIsForbiddenAndNeverCallsUpstream(t *testing.T) {
	up := &fakeUpstream{byID: map[string]contentfilter.Message{
		"m1": {ID: "m1", Sender: "no-reply@accounts.google.com", Subject: "security", Body: "code"},
	}}
	s := newService(up)
	_, err := s.Handle(context.Background(), "trash", map[string]interface{}{"id": "m1"})
	de := asDispatchError(t, err)
	if de.Kind != envelope.ErrForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", de.Kind)
	}
	if len(up.mutations) != 0 {
		t.Fatal("upstream mutate must never be called for a sensitive item")
	}
}

func TestMutateBenignItemSucceeds(t *testing.T) {
	up := &fakeUpstream{byID: map[string]contentfilter.Message{
		"m2": {ID: "m2", Sender: "alice@example.com", Subject: "lunch", Body: "sure"},
	}}
	s := newService(up)
	_, err := s.Handle(context.Background(), "archive", map[string]interface{}{"id": "m2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(up.mutations) != 1 || up.mutations[0] != "archive:m2" {
		t.Fatalf("got %v", up.mutations)
	}
}

func TestMutateMissingIDIsInvalidRequest(t *testing.T) {
	s := newService(&fakeUpstream{byID: map[string]contentfilter.Message{}})
	_, err := s.Handle(context.Background(), "star", map[string]interface{}{})
	de := asDispatchError(t, err)
	if de.Kind != envelope.ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", de.Kind)
	}
}

func TestUnknownActionIsNotFound(t *testing.T) {
	s := newService(&fakeUpstream{})
	_, err := s.Handle(context.Background(), "forward", map[string]interface{}{"id": "m1"})
	de := asDispatchError(t, err)
	if de.Kind != envelope.ErrNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", de.Kind)
	}
}

func asDispatchError(t *testing.T, err error) *dispatcher.DispatchError {
	t.Helper()
	de, ok := err.(*dispatcher.DispatchError)
	if !ok {
		t.Fatalf("expected *dispatcher.DispatchError, got %T (%v)", err, err)
	}
	return de
}
