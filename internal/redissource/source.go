// Package redissource delivers items published on Redis pub/sub channels,
// one channel per key.
package redissource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/monitor"
)

const (
	DefaultPrefix = "inboxwatch:events:"
	defaultBuffer = 16
)

var ErrKeyRequired = errors.New("item key is required")

type Source struct {
	client *redis.Client
	prefix string
}

var (
	_ monitor.PushSource = (*Source)(nil)
	_ monitor.Publisher  = (*Source)(nil)
)

// New returns a Source using channels named prefix+key. An empty prefix
// selects DefaultPrefix.
func New(client *redis.Client, prefix string) *Source {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Source{client: client, prefix: prefix}
}

func (s *Source) channel(key monitor.Key) string {
	return s.prefix + string(key)
}

// Subscribe returns once Redis confirmed the subscription.
func (s *Source) Subscribe(ctx context.Context, key monitor.Key) (monitor.Subscription, error) {
	if key == "" {
		return nil, monitor.ErrEmptyKey
	}
	channel := s.channel(key)
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		channel: channel,
		ps:      ps,
		cancel:  cancel,
		items:   make(chan monitor.Item, defaultBuffer),
		done:    make(chan struct{}),
	}
	go sub.run(ctx, key)
	return sub, nil
}

// Publish sends item to the channel for item.Key.
func (s *Source) Publish(ctx context.Context, item monitor.Item) error {
	if item.Key == "" {
		return ErrKeyRequired
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(item.Key), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", item.Key, err)
	}
	return nil
}

type subscription struct {
	channel string
	ps      *redis.PubSub
	cancel  context.CancelFunc
	items   chan monitor.Item
	done    chan struct{}

	mu  sync.Mutex
	err error

	once sync.Once
}

func (s *subscription) Items() <-chan monitor.Item {
	return s.items
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.ps.Close()
		<-s.done
	})
}

func (s *subscription) run(ctx context.Context, key monitor.Key) {
	defer close(s.done)
	defer close(s.items)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.err = fmt.Errorf("receive %s: %w", s.channel, err)
			s.mu.Unlock()
			return
		}

		var item monitor.Item
		if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
			log.Warn(ctx, "redis source decode failed",
				log.String("channel", s.channel),
				log.String("payload", msg.Payload),
				log.Cause(err))
			continue
		}
		if item.Key == "" {
			item.Key = key
		}

		select {
		case s.items <- item:
		case <-ctx.Done():
			return
		}
	}
}
