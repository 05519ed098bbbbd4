// Package watch keeps a wait running for each configured key and notifies on
// every new item.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/monitor"
	"github.com/flitsinc/inboxwatch/internal/notify"
)

type Waiter interface {
	WaitForNext(ctx context.Context, key monitor.Key, timeout time.Duration) (monitor.Outcome, error)
}

type State string

const (
	StatePending     State = "pending"
	StateNew         State = "new"
	StateStale       State = "stale"
	StateEmpty       State = "empty"
	StateUnavailable State = "unavailable"
	StateError       State = "error"
	StateCancelled   State = "cancelled"
)

// KeyStatus is the latest result of the watch loop for one key.
type KeyStatus struct {
	Key           monitor.Key   `json:"key"`
	State         State         `json:"state"`
	LastItem      *monitor.Item `json:"last_item,omitempty"`
	LastCheckedAt time.Time     `json:"last_checked_at,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
	Waits         int           `json:"waits"`
	Notified      int           `json:"notified"`
}

const (
	DefaultWaitTimeout = 30 * time.Second
	defaultMinRetry    = time.Second
	defaultMaxRetry    = time.Minute
)

type Runner struct {
	waiter   Waiter
	notifier notify.Notifier
	keys     []monitor.Key

	timeout  time.Duration
	minRetry time.Duration
	maxRetry time.Duration
	nowFn    func() time.Time

	mu     sync.RWMutex
	status map[monitor.Key]*KeyStatus
}

type Option func(*Runner)

func WithWaitTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetryBackoff bounds the delay between waits after a failure.
func WithRetryBackoff(minDelay, maxDelay time.Duration) Option {
	return func(r *Runner) {
		if minDelay > 0 {
			r.minRetry = minDelay
		}
		if maxDelay > 0 {
			r.maxRetry = maxDelay
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(r *Runner) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

func NewRunner(w Waiter, n notify.Notifier, keys []monitor.Key, opts ...Option) *Runner {
	if n == nil {
		n = notify.LogNotifier{}
	}
	r := &Runner{
		waiter:   w,
		notifier: n,
		keys:     lo.Uniq(keys),
		timeout:  DefaultWaitTimeout,
		minRetry: defaultMinRetry,
		maxRetry: defaultMaxRetry,
		nowFn:    func() time.Time { return time.Now().UTC() },
		status:   make(map[monitor.Key]*KeyStatus),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRetry < r.minRetry {
		r.maxRetry = r.minRetry
	}
	for _, key := range r.keys {
		r.status[key] = &KeyStatus{Key: key, State: StatePending}
	}
	return r
}

func (r *Runner) Keys() []monitor.Key {
	return append([]monitor.Key(nil), r.keys...)
}

// Run watches every key until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.keys) == 0 {
		log.Info(ctx, "no keys to watch")
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range r.keys {
		g.Go(func() error {
			r.loop(log.WithFields(ctx, log.String("key", string(key))), key)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.minRetry
	b.MaxInterval = r.maxRetry
	b.Multiplier = 2
	b.Reset()
	return b
}

func (r *Runner) loop(ctx context.Context, key monitor.Key) {
	log.Info(ctx, "watching key", log.Duration("timeout", r.timeout))
	retry := r.newRetryBackoff()

	for {
		out, err := r.waiter.WaitForNext(ctx, key, r.timeout)
		if err != nil {
			if ctx.Err() != nil {
				r.record(key, StateCancelled, nil, nil)
				return
			}
			state := StateError
			if monitor.IsSourceUnavailable(err) {
				state = StateUnavailable
			}
			r.record(key, state, nil, err)
			wait := retry.NextBackOff()
			log.Warn(ctx, "wait failed", log.String("state", string(state)), log.Duration("retry_in", wait), log.Cause(err))
			if !sleep(ctx, wait) {
				r.record(key, StateCancelled, nil, nil)
				return
			}
			continue
		}

		switch out.Kind {
		case monitor.OutcomeCancelled:
			r.record(key, StateCancelled, nil, nil)
			return
		case monitor.OutcomeNew:
			retry.Reset()
			r.record(key, StateNew, out.Item, nil)
			r.deliver(ctx, key, *out.Item)
		default:
			state := StateStale
			if out.Kind == monitor.OutcomeEmpty {
				state = StateEmpty
			}
			r.record(key, state, out.Item, out.Disruption)
			if out.Disruption == nil {
				retry.Reset()
				continue
			}
			wait := retry.NextBackOff()
			log.Warn(ctx, "source disrupted during wait", log.Duration("retry_in", wait), log.Cause(out.Disruption))
			if !sleep(ctx, wait) {
				r.record(key, StateCancelled, nil, nil)
				return
			}
		}
	}
}

func (r *Runner) deliver(ctx context.Context, key monitor.Key, item monitor.Item) {
	if err := r.notifier.Notify(ctx, key, item); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		log.Error(ctx, "notify new item", log.String("item_id", item.ID), log.Cause(err))
		r.mu.Lock()
		r.status[key].LastError = err.Error()
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.status[key].Notified++
	r.mu.Unlock()
}

func (r *Runner) record(key monitor.Key, state State, item *monitor.Item, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status[key]
	st.State = state
	if state == StateCancelled {
		return
	}
	st.Waits++
	st.LastCheckedAt = r.nowFn()
	if item != nil {
		copied := item.Clone()
		st.LastItem = &copied
	}
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
}

// Status returns a snapshot for every key in configured order.
func (r *Runner) Status() []KeyStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.keys, func(key monitor.Key, _ int) KeyStatus {
		st := *r.status[key]
		if st.LastItem != nil {
			copied := st.LastItem.Clone()
			st.LastItem = &copied
		}
		return st
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
