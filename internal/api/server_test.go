package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/inboxwatch/internal/eventbus"
	"github.com/flitsinc/inboxwatch/internal/memstore"
	"github.com/flitsinc/inboxwatch/internal/monitor"
	"github.com/flitsinc/inboxwatch/internal/testutil"
	"github.com/flitsinc/inboxwatch/internal/watch"
)

func newTestServer(t *testing.T) (*Server, *eventbus.Bus, *http.Client) {
	t.Helper()
	bus := eventbus.NewBus()
	store := memstore.New()
	server := &Server{
		Waiter:         monitor.New(store, bus),
		Store:          store,
		Publisher:      bus,
		DefaultTimeout: 100 * time.Millisecond,
		MaxTimeout:     2 * time.Second,
		StartedAt:      time.Now(),
	}
	return server, bus, testutil.NewInProcessClient(server.Handler())
}

func TestServerHealth(t *testing.T) {
	server, _, client := newTestServer(t)

	resp := doJSON(t, client, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var body map[string]any
	decodeJSONResponse(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}

	server.Health = func() SourceHealth { return SourceHealth{Kind: "websocket", Healthy: false} }
	client = testutil.NewInProcessClient(server.Handler())
	resp = doJSON(t, client, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for degraded source, got %d", resp.StatusCode)
	}
	decodeJSONResponse(t, resp, &body)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected degraded body: %v", body)
	}
}

func TestServerNextEmptyThenNew(t *testing.T) {
	_, bus, client := newTestServer(t)

	resp := doJSON(t, client, "GET", "/api/inbox/a@x.com/next?timeout=50ms", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("next status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var out outcomeResponse
	decodeJSONResponse(t, resp, &out)
	if out.State != "empty" || out.Item != nil {
		t.Fatalf("expected empty outcome, got %+v", out)
	}

	resp = doJSON(t, client, "GET", "/api/inbox/a@x.com/last", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any item, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	go func() {
		for bus.SubscriberCount() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		req, _ := http.NewRequest("POST", "http://in-process/api/inbox/a@x.com/items",
			strings.NewReader(`{"from":"s@x.com","subject":"code 9"}`))
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	resp = doJSON(t, client, "GET", "/api/inbox/a@x.com/next?timeout=2", nil)
	decodeJSONResponse(t, resp, &out)
	if out.State != "new" || out.Item == nil || out.Item.Subject != "code 9" {
		t.Fatalf("expected new outcome, got %+v", out)
	}

	resp = doJSON(t, client, "GET", "/api/inbox/a@x.com/last", nil)
	var last monitor.Item
	decodeJSONResponse(t, resp, &last)
	if last.Subject != "code 9" || last.ID == "" {
		t.Fatalf("unexpected last item: %+v", last)
	}

	resp = doJSON(t, client, "GET", "/api/inbox/a@x.com/next?timeout=10ms", nil)
	decodeJSONResponse(t, resp, &out)
	if out.State != "stale" || out.Item == nil || out.Item.ID != last.ID {
		t.Fatalf("expected stale outcome, got %+v", out)
	}

	resp = doJSON(t, client, "GET", "/api/inbox/a@x.com/items?limit=10", nil)
	var items []monitor.Item
	decodeJSONResponse(t, resp, &items)
	if len(items) != 1 {
		t.Fatalf("expected 1 stored item, got %d", len(items))
	}
}

func TestServerNextUnavailable(t *testing.T) {
	_, bus, client := newTestServer(t)
	bus.Close()

	resp := doJSON(t, client, "GET", "/api/inbox/a@x.com/next", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var out outcomeResponse
	decodeJSONResponse(t, resp, &out)
	if out.State != "unavailable" || out.Error == "" {
		t.Fatalf("unexpected unavailable body: %+v", out)
	}
}

func TestServerBadRequests(t *testing.T) {
	_, _, client := newTestServer(t)

	cases := []struct {
		method string
		path   string
		body   any
		status int
	}{
		{"GET", "/api/inbox/a@x.com/next?timeout=soon", nil, http.StatusBadRequest},
		{"GET", "/api/inbox/a@x.com/next?timeout=-1s", nil, http.StatusBadRequest},
		{"GET", "/api/inbox/a%20b/next", nil, http.StatusBadRequest},
		{"GET", "/api/inbox/a@x.com/unknown", nil, http.StatusNotFound},
		{"GET", "/api/inbox/a@x.com", nil, http.StatusNotFound},
		{"DELETE", "/api/inbox/a@x.com/items", nil, http.StatusMethodNotAllowed},
		{"POST", "/api/inbox/a@x.com/items", map[string]any{"nope": true}, http.StatusBadRequest},
		{"POST", "/api/health", nil, http.StatusMethodNotAllowed},
		{"GET", "/api/inbox/ws", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := doJSON(t, client, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s %s: expected %d, got %d body=%s", tc.method, tc.path, tc.status, resp.StatusCode, readBody(t, resp))
		}
		resp.Body.Close()
	}
}

func TestServerWithoutPublisher(t *testing.T) {
	server, _, _ := newTestServer(t)
	server.Publisher = nil
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "POST", "/api/inbox/a@x.com/items", map[string]any{"subject": "x"})
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

type staticStatus []watch.KeyStatus

func (s staticStatus) Status() []watch.KeyStatus { return s }

func TestServerStatus(t *testing.T) {
	server, _, _ := newTestServer(t)
	server.Runner = staticStatus{{Key: "a@x.com", State: watch.StateEmpty, Waits: 3}}
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "GET", "/api/status", nil)
	var body struct {
		Keys []watch.KeyStatus `json:"keys"`
	}
	decodeJSONResponse(t, resp, &body)
	if len(body.Keys) != 1 || body.Keys[0].Waits != 3 || body.Keys[0].State != watch.StateEmpty {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestParseTimeout(t *testing.T) {
	server := &Server{DefaultTimeout: 10 * time.Second, MaxTimeout: time.Minute}
	cases := map[string]time.Duration{
		"":      10 * time.Second,
		"5":     5 * time.Second,
		"250ms": 250 * time.Millisecond,
		"2h":    time.Minute,
		"0":     0,

		// Overflows time.Duration when multiplied out.
		"9999999999999999": time.Minute,
	}
	for raw, want := range cases {
		got, err := server.parseTimeout(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}
	for _, raw := range []string{"-3", "-1s", "soon"} {
		if _, err := server.parseTimeout(raw); err == nil {
			t.Fatalf("parse %q: expected error", raw)
		}
	}
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Errorf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
