package monitor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flitsinc/inboxwatch/internal/monitor"
)

type fakePush struct {
	mu           sync.Mutex
	subs         map[*fakeSub]struct{}
	subscribeErr error
	preload      []monitor.Item
	subscribed   chan monitor.Key
}

func newFakePush() *fakePush {
	return &fakePush{
		subs:       make(map[*fakeSub]struct{}),
		subscribed: make(chan monitor.Key, 16),
	}
}

func (p *fakePush) Subscribe(_ context.Context, key monitor.Key) (monitor.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	sub := &fakeSub{src: p, key: key, items: make(chan monitor.Item, 16)}
	for _, item := range p.preload {
		sub.items <- item
	}
	p.subs[sub] = struct{}{}
	p.subscribed <- key
	return sub, nil
}

func (p *fakePush) push(item monitor.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		select {
		case sub.items <- item:
		default:
		}
	}
}

func (p *fakePush) drop(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		sub.err.Store(&err)
		close(sub.items)
		delete(p.subs, sub)
	}
}

func (p *fakePush) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type fakeSub struct {
	src   *fakePush
	key   monitor.Key
	items chan monitor.Item
	err   atomic.Pointer[error]
}

func (s *fakeSub) Items() <-chan monitor.Item { return s.items }

func (s *fakeSub) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *fakeSub) Close() {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	if _, ok := s.src.subs[s]; ok {
		delete(s.src.subs, s)
		close(s.items)
	}
}

// stallingPush never finishes a subscription before its context ends.
type stallingPush struct {
	released chan struct{}
}

func newStallingPush() *stallingPush {
	return &stallingPush{released: make(chan struct{})}
}

func (p *stallingPush) Subscribe(ctx context.Context, _ monitor.Key) (monitor.Subscription, error) {
	<-ctx.Done()
	close(p.released)
	return nil, ctx.Err()
}

type fakePull struct {
	mu    sync.Mutex
	items map[monitor.Key][]monitor.Item
	calls atomic.Int64
	// delay is how long each fetch takes unless ctx ends first.
	delay time.Duration
	// failCall reports whether the n-th fetch (1-based) should fail.
	failCall func(n int64) bool
}

func newFakePull() *fakePull {
	return &fakePull{items: make(map[monitor.Key][]monitor.Item)}
}

var errFetch = errors.New("fetch failed")

func (p *fakePull) Fetch(ctx context.Context, key monitor.Key) ([]monitor.Item, error) {
	n := p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.failCall != nil && p.failCall(n) {
		return nil, errFetch
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]monitor.Item(nil), p.items[key]...), nil
}

func (p *fakePull) add(key monitor.Key, item monitor.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = append(p.items[key], item)
}

type failingStore struct {
	monitor.Store
	lastErr   error
	appendErr error
}

func (s failingStore) Last(ctx context.Context, key monitor.Key) (monitor.Item, bool, error) {
	if s.lastErr != nil {
		return monitor.Item{}, false, s.lastErr
	}
	return s.Store.Last(ctx, key)
}

func (s failingStore) Append(ctx context.Context, key monitor.Key, item monitor.Item) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.Append(ctx, key, item)
}
