package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/monitor"
	"github.com/flitsinc/inboxwatch/internal/watch"
)

const (
	defaultWaitTimeout = 30 * time.Second
	defaultMaxTimeout  = 5 * time.Minute
	defaultItemsLimit  = 50
	maxItemBodyBytes   = 1 << 20
)

// SourceHealth describes the upstream the waiter depends on.
type SourceHealth struct {
	Kind    string `json:"kind"`
	Healthy bool   `json:"healthy"`
	Detail  any    `json:"detail,omitempty"`
}

type StatusReporter interface {
	Status() []watch.KeyStatus
}

type Server struct {
	Waiter    watch.Waiter
	Store     monitor.Store
	Publisher monitor.Publisher
	Runner    StatusReporter
	Health    func() SourceHealth

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	StartedAt      time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/inbox/ws", s.handleInboxWS)
	mux.HandleFunc("/api/inbox/", s.handleInbox)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	status := http.StatusOK
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if !s.StartedAt.IsZero() {
		body["uptime"] = time.Since(s.StartedAt).Round(time.Second).String()
	}
	if s.Health != nil {
		health := s.Health()
		body["source"] = health
		if !health.Healthy {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	keys := []watch.KeyStatus{}
	if s.Runner != nil {
		keys = s.Runner.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/inbox/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("inbox route"))
		return
	}
	rawKey, err := url.PathUnescape(segments[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode key: %w", err))
		return
	}
	key, err := monitor.ParseKey(rawKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch segments[1] {
	case "next":
		s.handleNext(w, r, key)
	case "last":
		s.handleLast(w, r, key)
	case "items":
		s.handleItems(w, r, key)
	default:
		writeError(w, http.StatusNotFound, errNotFound("inbox action"))
	}
}

// outcomeResponse is the wire form of a wait result. State is one of new,
// stale, empty, unavailable or cancelled.
type outcomeResponse struct {
	Key        monitor.Key   `json:"key"`
	State      string        `json:"state"`
	Item       *monitor.Item `json:"item,omitempty"`
	Disruption string        `json:"disruption,omitempty"`
	Error      string        `json:"error,omitempty"`
}

const stateUnavailable = "unavailable"

func newOutcomeResponse(key monitor.Key, out monitor.Outcome) outcomeResponse {
	resp := outcomeResponse{Key: key, State: string(out.Kind), Item: out.Item}
	if out.Disruption != nil {
		resp.Disruption = out.Disruption.Error()
	}
	return resp
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request, key monitor.Key) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Waiter == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("waiter"))
		return
	}
	timeout, err := s.parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := log.WithFields(r.Context(), log.String("key", string(key)))
	out, err := s.Waiter.WaitForNext(ctx, key, timeout)
	if err != nil {
		if monitor.IsSourceUnavailable(err) {
			writeJSON(w, http.StatusServiceUnavailable, outcomeResponse{Key: key, State: stateUnavailable, Error: err.Error()})
			return
		}
		log.Error(ctx, "wait for next item", log.Cause(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeResponse(key, out))
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request, key monitor.Key) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("store"))
		return
	}
	item, ok, err := s.Store.Last(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("item"))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type itemInput struct {
	ID       string            `json:"id"`
	From     string            `json:"from"`
	Subject  string            `json:"subject"`
	Date     string            `json:"date"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request, key monitor.Key) {
	switch r.Method {
	case http.MethodGet:
		lister, ok := s.Store.(monitor.Lister)
		if !ok {
			writeError(w, http.StatusNotImplemented, errNotFound("item listing"))
			return
		}
		limit := parseInt(r.URL.Query().Get("limit"), defaultItemsLimit)
		items, err := lister.List(r.Context(), key, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		if s.Publisher == nil {
			writeError(w, http.StatusNotImplemented, errors.New("configured source does not accept items"))
			return
		}
		var input itemInput
		if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxItemBodyBytes), &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item := monitor.Item{
			ID:       input.ID,
			Key:      key,
			From:     input.From,
			Subject:  input.Subject,
			Date:     input.Date,
			Body:     input.Body,
			Metadata: input.Metadata,
		}
		if item.Date == "" {
			item.Date = time.Now().UTC().Format(time.RFC1123Z)
		}
		if err := s.Publisher.Publish(r.Context(), item); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusAccepted, item)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) parseTimeout(raw string) (time.Duration, error) {
	def := s.DefaultTimeout
	if def <= 0 {
		def = defaultWaitTimeout
	}
	maxTimeout := s.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = defaultMaxTimeout
	}
	if raw == "" {
		return min(def, maxTimeout), nil
	}

	var timeout time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		switch {
		case secs < 0:
			return 0, monitor.ErrNegativeTimeout
		case int64(secs) > int64(maxTimeout/time.Second):
			return maxTimeout, nil
		}
		timeout = time.Duration(secs) * time.Second
	} else {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q", raw)
		}
	}
	if timeout < 0 {
		return 0, monitor.ErrNegativeTimeout
	}
	return min(timeout, maxTimeout), nil
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
