package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/primevalsoup/google-workspaces-cli/pkg/contentfilter"
	"github.com/primevalsoup/google-workspaces-cli/pkg/httpx"
	"github.com/primevalsoup/google-workspaces-cli/pkg/services/calendar"
	"github.com/primevalsoup/google-workspaces-cli/pkg/telemetry"
)

// httpUpstreamClient adapts the mail service's UpstreamClient contract onto
// a plain JSON HTTP backend, per spec.md §6: the concrete Mail API
// integration is explicitly out of the core's scope, so any backend that
// speaks this shape can sit behind it.
type httpUpstreamClient struct {
	baseURL string
	client  *http.Client
}

func newUpstreamClient(envKey, defaultURL string) *httpUpstreamClient {
	return &httpUpstreamClient{
		baseURL: env(envKey, defaultURL),
		client:  telemetry.InstrumentClient(&http.Client{Timeout: 15 * time.Second}),
	}
}

func (c *httpUpstreamClient) List(ctx context.Context, query string, limit int) ([]contentfilter.Message, error) {
	u := c.baseURL + "/messages?q=" + url.QueryEscape(query) + "&limit=" + strconv.Itoa(limit)
	status, body, err := httpx.RequestJSON(ctx, c.client, http.MethodGet, u, nil, nil, 2, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("upstream list failed with status %d", status)
	}
	var parsed struct {
		Messages []contentfilter.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode upstream list response: %w", err)
	}
	return parsed.Messages, nil
}

func (c *httpUpstreamClient) Get(ctx context.Context, id string) (contentfilter.Message, error) {
	u := c.baseURL + "/messages/" + url.PathEscape(id)
	status, body, err := httpx.RequestJSON(ctx, c.client, http.MethodGet, u, nil, nil, 2, 200*time.Millisecond)
	if err != nil {
		return contentfilter.Message{}, err
	}
	if status < 200 || status >= 300 {
		return contentfilter.Message{}, fmt.Errorf("upstream get failed with status %d", status)
	}
	var msg contentfilter.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return contentfilter.Message{}, fmt.Errorf("decode upstream get response: %w", err)
	}
	return msg, nil
}

func (c *httpUpstreamClient) Mutate(ctx context.Context, action, id string, params map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"action": action, "params": params})
	if err != nil {
		return err
	}
	u := c.baseURL + "/messages/" + url.PathEscape(id) + "/mutate"
	status, _, err := httpx.RequestJSON(ctx, c.client, http.MethodPost, u, payload, nil, 1, 200*time.Millisecond)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("upstream mutate failed with status %d", status)
	}
	return nil
}

// calendarUpstreamClient is the same pattern, adapted to calendar's
// narrower contract.
type calendarUpstreamClient struct {
	baseURL string
	client  *http.Client
}

func newCalendarUpstreamClient(envKey, defaultURL string) *calendarUpstreamClient {
	return &calendarUpstreamClient{
		baseURL: env(envKey, defaultURL),
		client:  telemetry.InstrumentClient(&http.Client{Timeout: 15 * time.Second}),
	}
}

func (c *calendarUpstreamClient) List(ctx context.Context, limit int) ([]calendar.Event, error) {
	u := c.baseURL + "/events?limit=" + strconv.Itoa(limit)
	status, body, err := httpx.RequestJSON(ctx, c.client, http.MethodGet, u, nil, nil, 2, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("upstream list failed with status %d", status)
	}
	var parsed struct {
		Events []calendar.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode upstream list response: %w", err)
	}
	return parsed.Events, nil
}

func (c *calendarUpstreamClient) Get(ctx context.Context, id string) (calendar.Event, error) {
	u := c.baseURL + "/events/" + url.PathEscape(id)
	status, body, err := httpx.RequestJSON(ctx, c.client, http.MethodGet, u, nil, nil, 2, 200*time.Millisecond)
	if err != nil {
		return calendar.Event{}, err
	}
	if status < 200 || status >= 300 {
		return calendar.Event{}, fmt.Errorf("upstream get failed with status %d", status)
	}
	var ev calendar.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return calendar.Event{}, fmt.Errorf("decode upstream get response: %w", err)
	}
	return ev, nil
}
