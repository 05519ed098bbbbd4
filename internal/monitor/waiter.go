package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/inboxwatch/internal/idgen"
	"github.com/flitsinc/inboxwatch/internal/log"
)

// ErrSubscriptionClosed is the disruption reported when a source closes a
// subscription without giving a reason.
var ErrSubscriptionClosed = errors.New("subscription closed by source")

type registration struct {
	sub Subscription
	err error
}

// abandon releases a registration the caller stopped waiting for, now or
// whenever the source gets around to finishing it.
func abandon(registered <-chan registration) {
	release := func(r registration) {
		if r.err == nil && r.sub != nil {
			r.sub.Close()
		}
	}
	select {
	case r := <-registered:
		release(r)
	default:
		go func() { release(<-registered) }()
	}
}

type registerFunc func(ctx context.Context, key Key, previous *Item, deadline time.Time) (Subscription, error)

// Waiter implements wait-for-next-item over a Store and a source.
// It is safe for concurrent use.
type Waiter struct {
	store    Store
	register registerFunc

	nowFn   func() time.Time
	newIDFn func() string

	pollInterval    time.Duration
	maxPollInterval time.Duration
}

type Option func(*Waiter)

// WithClock sets the clock used to stamp ReceivedAt on new items.
func WithClock(nowFn func() time.Time) Option {
	return func(w *Waiter) {
		if nowFn != nil {
			w.nowFn = nowFn
		}
	}
}

// WithIDGenerator sets the generator used for items that arrive without an ID.
func WithIDGenerator(newIDFn func() string) Option {
	return func(w *Waiter) {
		if newIDFn != nil {
			w.newIDFn = newIDFn
		}
	}
}

// WithPollInterval sets the first interval between fetches of a pull source.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithMaxPollInterval caps the backoff between fetches of a pull source.
func WithMaxPollInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d > 0 {
			w.maxPollInterval = d
		}
	}
}

func newWaiter(store Store, opts []Option) *Waiter {
	w := &Waiter{
		store:           store,
		nowFn:           func() time.Time { return time.Now().UTC() },
		newIDFn:         idgen.New,
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.maxPollInterval < w.pollInterval {
		w.maxPollInterval = w.pollInterval
	}
	return w
}

// New returns a Waiter that subscribes to source for each wait.
func New(store Store, source PushSource, opts ...Option) *Waiter {
	w := newWaiter(store, opts)
	w.register = func(ctx context.Context, key Key, _ *Item, _ time.Time) (Subscription, error) {
		return source.Subscribe(ctx, key)
	}
	return w
}

// NewPolling returns a Waiter that polls source for each wait.
// source must return items oldest first.
func NewPolling(store Store, source PullSource, opts ...Option) *Waiter {
	w := newWaiter(store, opts)
	w.register = func(ctx context.Context, key Key, previous *Item, deadline time.Time) (Subscription, error) {
		return w.startPolling(ctx, source, key, previous, deadline)
	}
	return w
}

// WaitForNext waits up to timeout for the next item tagged with key.
//
// The returned error is non-nil only for invalid arguments, a failing
// Store.Last, or a registration failure (*SourceUnavailableError). In every
// other case exactly one Outcome is returned within timeout and the source
// registration has been released, or will be as soon as a source that is slow
// to register returns.
func (w *Waiter) WaitForNext(ctx context.Context, key Key, timeout time.Duration) (Outcome, error) {
	if key == "" {
		return Outcome{}, ErrEmptyKey
	}
	if timeout < 0 {
		return Outcome{}, ErrNegativeTimeout
	}
	if ctx.Err() != nil {
		return Outcome{Kind: OutcomeCancelled}, nil
	}

	ctx = log.WithFields(ctx, log.String("key", string(key)))
	started := time.Now()
	deadline := started.Add(timeout)

	last, ok, err := w.store.Last(ctx, key)
	if err != nil {
		return Outcome{}, fmt.Errorf("load last item for %s: %w", key, err)
	}
	var previous *Item
	if ok {
		previous = &last
	}

	// The subscription outlives registration, so its context carries no
	// deadline. The wait budget is enforced by the timer instead.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	registered := make(chan registration, 1)
	go func() {
		sub, err := w.register(subCtx, key, previous, deadline)
		registered <- registration{sub: sub, err: err}
	}()

	var sub Subscription
	select {
	case r := <-registered:
		if r.err != nil {
			if ctx.Err() != nil {
				return Outcome{Kind: OutcomeCancelled}, nil
			}
			return Outcome{}, &SourceUnavailableError{Key: key, Err: r.err}
		}
		sub = r.sub
	case <-timer.C:
		cancel()
		abandon(registered)
		if timeout > 0 {
			log.Warn(ctx, "source registration did not finish within wait timeout",
				log.Duration("timeout", timeout))
		}
		return fallbackOutcome(previous, nil), nil
	case <-ctx.Done():
		cancel()
		abandon(registered)
		return Outcome{Kind: OutcomeCancelled}, nil
	}
	defer sub.Close()

	outcome := w.await(ctx, key, sub, timer.C, previous)
	log.Debug(ctx, "wait finished",
		log.String("outcome", string(outcome.Kind)),
		log.Duration("elapsed", time.Since(started)))
	return outcome, nil
}

func (w *Waiter) await(ctx context.Context, key Key, sub Subscription, expired <-chan time.Time, previous *Item) Outcome {
	for {
		select {
		case <-ctx.Done():
			return Outcome{Kind: OutcomeCancelled}
		case <-expired:
			return fallbackOutcome(previous, nil)
		case item, ok := <-sub.Items():
			if !ok {
				if ctx.Err() != nil {
					return Outcome{Kind: OutcomeCancelled}
				}
				cause := sub.Err()
				if cause == nil {
					cause = ErrSubscriptionClosed
				}
				log.Warn(ctx, "source dropped subscription during wait", log.Cause(cause))
				return fallbackOutcome(previous, cause)
			}
			if item.Key != "" && item.Key != key {
				continue
			}
			item = w.stamp(key, item)
			w.append(ctx, key, item)
			w.drain(ctx, key, sub)
			return newOutcome(item)
		}
	}
}

// drain stores items that were already buffered behind the reported one.
func (w *Waiter) drain(ctx context.Context, key Key, sub Subscription) {
	for {
		select {
		case item, ok := <-sub.Items():
			if !ok {
				return
			}
			if item.Key != "" && item.Key != key {
				continue
			}
			w.append(ctx, key, w.stamp(key, item))
		default:
			return
		}
	}
}

func (w *Waiter) stamp(key Key, item Item) Item {
	item = item.Clone()
	if item.Key == "" {
		item.Key = key
	}
	if item.ID == "" {
		item.ID = w.newIDFn()
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = w.nowFn()
	}
	return item
}

func (w *Waiter) append(ctx context.Context, key Key, item Item) {
	// The item has been observed; storing it must not depend on the caller
	// still waiting.
	if err := w.store.Append(context.WithoutCancel(ctx), key, item); err != nil {
		log.Error(ctx, "append item to store", log.String("item_id", item.ID), log.Cause(err))
	}
}
