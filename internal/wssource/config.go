package wssource

import (
	"net/http"
	"time"

	"github.com/flitsinc/inboxwatch/internal/itemjson"
)

type Config struct {
	// URL is the upstream endpoint; ws, wss, http and https schemes work.
	URL    string
	Header http.Header

	// WatchEvent is sent once per key on every connection.
	WatchEvent string
	// ItemEvent is the event name of frames that carry an item.
	ItemEvent string

	// EventField and KeyField name the top-level frame fields.
	EventField string
	KeyField   string
	// DataPath locates the item inside a frame; empty means the frame root.
	DataPath string
	// KeyPath is read from the item payload when the frame has no key.
	KeyPath string
	Fields  itemjson.Fields

	// Keys are announced on every connection even without subscribers.
	Keys []string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	// MaxRetries bounds consecutive failed dials; zero retries forever.
	MaxRetries int
	ReadLimit  int64
}

func (c Config) withDefaults() Config {
	if c.WatchEvent == "" {
		c.WatchEvent = "watch"
	}
	if c.ItemEvent == "" {
		c.ItemEvent = "new_email"
	}
	if c.EventField == "" {
		c.EventField = "event"
	}
	if c.KeyField == "" {
		c.KeyField = "key"
	}
	if c.DataPath == "" {
		c.DataPath = "data"
	}
	if c.KeyPath == "" {
		c.KeyPath = "to"
	}
	c.Fields = c.Fields.WithDefaults()
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}
