package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flitsinc/inboxwatch/internal/log"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollInterval = 30 * time.Second

	pollMultiplier = 1.5
	pollJitter     = 0.3
	pollBuffer     = 16
)

// pollSubscription adapts a PullSource to the Subscription contract. Polling
// errors after the baseline fetch are retried, never surfaced, so Err is
// always nil.
type pollSubscription struct {
	items  chan Item
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSubscription) Items() <-chan Item { return s.items }

func (s *pollSubscription) Err() error { return nil }

func (s *pollSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		close(s.items)
	})
}

// startPolling takes the baseline fetch and starts a poll loop. Only items
// missing from the baseline that follow previous are emitted.
func (w *Waiter) startPolling(ctx context.Context, source PullSource, key Key, previous *Item, deadline time.Time) (Subscription, error) {
	baseline, err := source.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("baseline fetch: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{
		items:  make(chan Item, pollBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		w.pollLoop(ctx, source, key, previous, baseline, deadline, sub.items)
	}()
	return sub, nil
}

func (w *Waiter) newPollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.pollInterval
	b.MaxInterval = w.maxPollInterval
	b.Multiplier = pollMultiplier
	b.RandomizationFactor = pollJitter
	b.Reset()
	return b
}

func (w *Waiter) pollLoop(ctx context.Context, source PullSource, key Key, previous *Item, baseline []Item, deadline time.Time, out chan<- Item) {
	seen := append([]Item(nil), baseline...)
	b := w.newPollBackoff()

	for {
		wait := b.NextBackOff()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if wait == backoff.Stop || wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		fetched, err := source.Fetch(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn(ctx, "poll fetch failed", log.Cause(err))
			continue
		}

		fresh := diffFetched(fetched, previous, seen)
		if len(fresh) == 0 {
			continue
		}
		b.Reset()
		for _, item := range fresh {
			seen = append(seen, item)
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

// diffFetched returns the items of fetched that come after previous and are
// not in seen, oldest first.
func diffFetched(fetched []Item, previous *Item, seen []Item) []Item {
	start := 0
	if previous != nil {
		for i := len(fetched) - 1; i >= 0; i-- {
			if fetched[i].Equal(*previous) {
				start = i + 1
				break
			}
		}
	}

	var fresh []Item
	for _, item := range fetched[start:] {
		if containsItem(seen, item) || containsItem(fresh, item) {
			continue
		}
		fresh = append(fresh, item)
	}
	return fresh
}

func containsItem(items []Item, item Item) bool {
	for _, candidate := range items {
		if candidate.Equal(item) {
			return true
		}
	}
	return false
}
