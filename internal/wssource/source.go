// Package wssource receives items from an upstream WebSocket feed.
//
// The upstream is told which keys to watch with a small JSON message,
// {"event": "<watch event>", "key": "<key>"}, sent for every key on every
// connection. Frames whose event field matches the item event carry one item.
// Run keeps the connection alive; subscriptions open when the connection
// drops are closed with the disconnect cause.
package wssource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/flitsinc/inboxwatch/internal/eventbus"
	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/monitor"
)

var (
	ErrNotConnected = errors.New("websocket source not connected")
	ErrNoURL        = errors.New("websocket source url is required")
)

// DisconnectError is the Err of subscriptions closed by a lost connection.
type DisconnectError struct {
	Err error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("websocket disconnected: %v", e.Err)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// Status is a snapshot of the connection.
type Status struct {
	Connected   bool      `json:"connected"`
	URL         string    `json:"url"`
	LastError   string    `json:"last_error,omitempty"`
	Reconnects  int       `json:"reconnects"`
	Since       time.Time `json:"since"`
	Subscribers int       `json:"subscribers"`
}

// wsConn is the part of *websocket.Conn the source uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	CloseNow() error
}

type Source struct {
	cfg  Config
	bus  *eventbus.Bus
	dial func(ctx context.Context) (wsConn, error)

	// writeMu serializes watch announcements so the same key is not
	// announced twice on one connection. mu is never held across a write.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       wsConn
	announced  map[monitor.Key]struct{}
	lastErr    error
	reconnects int
	since      time.Time

	connectedOnce bool
}

var _ monitor.PushSource = (*Source)(nil)

func New(cfg Config) (*Source, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	s := &Source{
		cfg:   cfg.withDefaults(),
		bus:   eventbus.NewBus(),
		since: time.Now().UTC(),
	}
	s.dial = s.dialUpstream
	return s, nil
}

// Subscribe announces key upstream if needed and registers interest.
// It fails with ErrNotConnected while the connection is down.
func (s *Source) Subscribe(ctx context.Context, key monitor.Key) (monitor.Subscription, error) {
	conn, err := s.announce(ctx, key)
	if err != nil {
		return nil, err
	}
	sub, err := s.bus.Subscribe(ctx, key)
	if err != nil {
		return nil, err
	}
	// A disconnect between announcing and subscribing has already closed
	// every subscription it knew about.
	s.mu.Lock()
	current := s.conn
	s.mu.Unlock()
	if current != conn {
		sub.Close()
		return nil, ErrNotConnected
	}
	return sub, nil
}

func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected:   s.conn != nil,
		URL:         s.cfg.URL,
		Reconnects:  s.reconnects,
		Since:       s.since,
		Subscribers: s.bus.SubscriberCount(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run connects and reconnects until ctx ends, or until MaxRetries dials in a
// row have failed.
func (s *Source) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.MinBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.Reset()

	defer s.bus.Close()

	failures := 0
	for {
		established, err := s.session(ctx)
		if ctx.Err() != nil {
			s.disconnect(ctx, ctx.Err())
			return nil
		}
		s.disconnect(ctx, err)

		if established {
			failures = 0
			b.Reset()
		} else {
			failures++
			if s.cfg.MaxRetries > 0 && failures >= s.cfg.MaxRetries {
				return fmt.Errorf("websocket source gave up after %d attempts: %w", failures, err)
			}
		}

		wait := b.NextBackOff()
		log.Warn(ctx, "websocket source disconnected",
			log.String("url", s.cfg.URL),
			log.Duration("retry_in", wait),
			log.Int("failures", failures),
			log.Cause(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Source) dialUpstream(ctx context.Context) (wsConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{HTTPHeader: s.cfg.Header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	return conn, nil
}

// session dials, announces watched keys and reads until the connection
// fails. established reports whether the connection got as far as reading.
func (s *Source) session(ctx context.Context) (established bool, err error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	if err := s.connect(ctx, conn); err != nil {
		return false, err
	}
	log.Info(ctx, "websocket source connected", log.String("url", s.cfg.URL))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		s.handleFrame(ctx, data)
	}
}

func (s *Source) connect(ctx context.Context, conn wsConn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	announced := make(map[monitor.Key]struct{})
	for _, raw := range s.cfg.Keys {
		key, err := monitor.ParseKey(raw)
		if err != nil {
			log.Warn(ctx, "skipping invalid watch key", log.String("key", raw), log.Cause(err))
			continue
		}
		if _, ok := announced[key]; ok {
			continue
		}
		if err := s.writeWatch(ctx, conn, key); err != nil {
			return err
		}
		announced[key] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.announced = announced
	if s.connectedOnce {
		s.reconnects++
	}
	s.connectedOnce = true
	s.lastErr = nil
	s.since = time.Now().UTC()
	return nil
}

func (s *Source) disconnect(ctx context.Context, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasConnected := s.conn != nil
	s.conn = nil
	s.announced = nil
	if cause != nil && !errors.Is(cause, context.Canceled) {
		s.lastErr = cause
	}
	if wasConnected {
		s.since = time.Now().UTC()
		s.bus.CloseAll(&DisconnectError{Err: cause})
		log.Debug(ctx, "closed subscriptions after disconnect")
	}
}

// announce sends the watch message for key on the current connection unless
// it was already sent there, and returns that connection.
func (s *Source) announce(ctx context.Context, key monitor.Key) (wsConn, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	_, done := s.announced[key]
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if done {
		return conn, nil
	}
	if err := s.writeWatch(ctx, conn, key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return nil, ErrNotConnected
	}
	s.announced[key] = struct{}{}
	return conn, nil
}

func (s *Source) writeWatch(ctx context.Context, conn wsConn, key monitor.Key) error {
	msg, err := json.Marshal(map[string]string{
		s.cfg.EventField: s.cfg.WatchEvent,
		s.cfg.KeyField:   string(key),
	})
	if err != nil {
		return fmt.Errorf("encode watch message: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("announce %s: %w", key, err)
	}
	return nil
}

func (s *Source) handleFrame(ctx context.Context, data []byte) {
	if !gjson.ValidBytes(data) {
		log.Debug(ctx, "ignoring non-json websocket frame", log.Int("bytes", len(data)))
		return
	}
	frame := gjson.ParseBytes(data)
	if event := frame.Get(s.cfg.EventField).String(); event != s.cfg.ItemEvent {
		log.Debug(ctx, "ignoring websocket event", log.String("event", event))
		return
	}

	payload := frame.Get(s.cfg.DataPath)
	if !payload.Exists() {
		payload = frame
	}
	item := s.cfg.Fields.Extract(payload)

	key, ok := s.frameKey(frame, payload)
	if !ok {
		log.Warn(ctx, "dropping websocket item without a key", log.String("subject", item.Subject))
		return
	}
	item.Key = key
	if err := s.bus.Publish(ctx, item); err != nil {
		log.Warn(ctx, "publish websocket item", log.String("key", string(key)), log.Cause(err))
	}
}

// frameKey attributes a frame to a key: the frame's key field, then the
// payload's key path, then the only announced key if there is exactly one.
func (s *Source) frameKey(frame, payload gjson.Result) (monitor.Key, bool) {
	for _, v := range []gjson.Result{frame.Get(s.cfg.KeyField), payload.Get(s.cfg.KeyPath)} {
		if key, err := monitor.ParseKey(v.String()); err == nil {
			return key, true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.announced) == 1 {
		for key := range s.announced {
			return key, true
		}
	}
	return "", false
}
