// Package eventbus fans items out to in-process subscribers by key.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flitsinc/inboxwatch/internal/idgen"
	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/monitor"
)

type Bus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	dropped atomic.Int64
}

var (
	_ monitor.PushSource = (*Bus)(nil)
	_ monitor.Publisher  = (*Bus)(nil)
)

func NewBus(opts ...Option) *Bus {
	b := &Bus{buffer: defaultBuffer, subs: map[string]*subscription{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in key until ctx ends or the subscription is
// closed.
func (b *Bus) Subscribe(ctx context.Context, key monitor.Key) (monitor.Subscription, error) {
	if key == "" {
		return nil, monitor.ErrEmptyKey
	}
	sub := &subscription{
		id:   idgen.ULID(),
		key:  key,
		bus:  b,
		ch:   make(chan monitor.Item, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub.id, nil)
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish delivers item to every subscription for item.Key.
func (b *Bus) Publish(ctx context.Context, item monitor.Item) error {
	if item.Key == "" {
		return ErrKeyRequired
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.subs {
		if sub.key != item.Key {
			continue
		}
		select {
		case sub.ch <- item.Clone():
		default:
			// Drop if subscriber is slow.
			b.dropped.Add(1)
			log.Warn(ctx, "dropped item for slow subscriber",
				log.String("key", string(item.Key)), log.String("subscription", sub.id))
		}
	}
	return nil
}

// CloseAll ends every current subscription with cause. The bus stays open.
func (b *Bus) CloseAll(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subs {
		b.removeLocked(id, cause)
	}
}

// Close ends every subscription with ErrBusClosed and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.removeLocked(id, ErrBusClosed)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Keys returns the distinct keys with at least one subscription.
func (b *Bus) Keys() []monitor.Key {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[monitor.Key]struct{}, len(b.subs))
	keys := make([]monitor.Key, 0, len(b.subs))
	for _, sub := range b.subs {
		if _, ok := seen[sub.key]; ok {
			continue
		}
		seen[sub.key] = struct{}{}
		keys = append(keys, sub.key)
	}
	return keys
}

// Dropped reports how many items were discarded for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) remove(id string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id, cause)
}

func (b *Bus) removeLocked(id string, cause error) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	sub.err = cause
	close(sub.ch)
	close(sub.done)
}
