// Package httpsource polls an HTTP JSON endpoint that lists a key's items.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flitsinc/inboxwatch/internal/itemjson"
	"github.com/flitsinc/inboxwatch/internal/monitor"
)

const (
	keyPlaceholder = "{key}"
	maxBodyBytes   = 4 << 20
	defaultTimeout = 15 * time.Second
)

var ErrNotArray = errors.New("items are not a JSON array")

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

type Config struct {
	// URL is a template; {key} is replaced by the path-escaped key.
	URL string
	// ItemsPath locates the item array; empty means the document root.
	ItemsPath string
	Fields    itemjson.Fields
	Headers   map[string]string
	// Token is sent as a bearer token when set.
	Token string
	// NewestFirst reverses endpoints that list the latest item first.
	NewestFirst bool
}

type Source struct {
	cfg    Config
	client *http.Client
}

var _ monitor.PullSource = (*Source)(nil)

type Option func(*Source)

func WithHTTPClient(client *http.Client) Option {
	return func(s *Source) {
		if client != nil {
			s.client = client
		}
	}
}

func New(cfg Config, opts ...Option) (*Source, error) {
	if !strings.Contains(cfg.URL, keyPlaceholder) {
		return nil, fmt.Errorf("http source url %q must contain %s", cfg.URL, keyPlaceholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(cfg.URL, keyPlaceholder, "k")); err != nil {
		return nil, fmt.Errorf("parse http source url: %w", err)
	}
	cfg.Fields = cfg.Fields.WithDefaults()
	s := &Source{cfg: cfg, client: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Source) endpoint(key monitor.Key) string {
	return strings.ReplaceAll(s.cfg.URL, keyPlaceholder, url.PathEscape(string(key)))
}

// Fetch returns the key's items oldest first.
func (s *Source) Fetch(ctx context.Context, key monitor.Key) ([]monitor.Item, error) {
	endpoint := s.endpoint(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range s.cfg.Headers {
		req.Header.Set(name, value)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: strings.TrimSpace(string(body))}
	}

	items, err := s.parse(body)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Key = key
	}
	return items, nil
}

func (s *Source) parse(body []byte) ([]monitor.Item, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid JSON")
	}
	list := gjson.ParseBytes(body)
	if s.cfg.ItemsPath != "" {
		list = list.Get(s.cfg.ItemsPath)
	}
	if !list.Exists() {
		return []monitor.Item{}, nil
	}
	if !list.IsArray() {
		return nil, ErrNotArray
	}

	var items []monitor.Item
	list.ForEach(func(_, elem gjson.Result) bool {
		items = append(items, s.cfg.Fields.Extract(elem))
		return true
	})
	if s.cfg.NewestFirst {
		slices.Reverse(items)
	}
	return items, nil
}
