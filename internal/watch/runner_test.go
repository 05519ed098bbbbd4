package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/inboxwatch/internal/eventbus"
	"github.com/flitsinc/inboxwatch/internal/memstore"
	"github.com/flitsinc/inboxwatch/internal/monitor"
	"github.com/flitsinc/inboxwatch/internal/notify"
)

type step struct {
	out monitor.Outcome
	err error
}

// scriptedWaiter replays steps per key, then blocks until ctx ends.
type scriptedWaiter struct {
	mu    sync.Mutex
	steps map[monitor.Key][]step
}

func (w *scriptedWaiter) WaitForNext(ctx context.Context, key monitor.Key, _ time.Duration) (monitor.Outcome, error) {
	w.mu.Lock()
	steps := w.steps[key]
	if len(steps) > 0 {
		w.steps[key] = steps[1:]
		w.mu.Unlock()
		return steps[0].out, steps[0].err
	}
	w.mu.Unlock()
	<-ctx.Done()
	return monitor.Outcome{Kind: monitor.OutcomeCancelled}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []monitor.Item
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, _ monitor.Key, item monitor.Item) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

func runInBackground(t *testing.T, r *Runner) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("runner did not stop")
		}
	})
	return cancel
}

func statusFor(r *Runner, key monitor.Key) KeyStatus {
	for _, st := range r.Status() {
		if st.Key == key {
			return st
		}
	}
	return KeyStatus{}
}

func TestRunnerNotifiesNewItems(t *testing.T) {
	item := monitor.Item{ID: "1", Subject: "hello"}
	w := &scriptedWaiter{steps: map[monitor.Key][]step{
		"a@x.com": {
			{out: monitor.Outcome{Kind: monitor.OutcomeEmpty}},
			{out: monitor.Outcome{Kind: monitor.OutcomeNew, Item: &item}},
			{out: monitor.Outcome{Kind: monitor.OutcomeStale, Item: &item}},
		},
	}}
	n := &recordingNotifier{}
	r := NewRunner(w, n, []monitor.Key{"a@x.com", "a@x.com"})
	require.Len(t, r.Keys(), 1)
	runInBackground(t, r)

	require.Eventually(t, func() bool {
		return statusFor(r, "a@x.com").Waits == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, n.count())
	st := statusFor(r, "a@x.com")
	assert.Equal(t, StateStale, st.State)
	assert.Equal(t, 1, st.Notified)
	require.NotNil(t, st.LastItem)
	assert.Equal(t, "hello", st.LastItem.Subject)
}

func TestRunnerRetriesUnavailableSource(t *testing.T) {
	item := monitor.Item{ID: "1"}
	unavailable := &monitor.SourceUnavailableError{Key: "a@x.com", Err: errors.New("down")}
	w := &scriptedWaiter{steps: map[monitor.Key][]step{
		"a@x.com": {
			{err: unavailable},
			{err: unavailable},
			{out: monitor.Outcome{Kind: monitor.OutcomeNew, Item: &item}},
		},
	}}
	n := &recordingNotifier{}
	r := NewRunner(w, n, []monitor.Key{"a@x.com"}, WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	runInBackground(t, r)

	require.Eventually(t, func() bool { return n.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	st := statusFor(r, "a@x.com")
	assert.Equal(t, StateNew, st.State)
	assert.Empty(t, st.LastError)
}

func TestRunnerRecordsUnavailableState(t *testing.T) {
	unavailable := &monitor.SourceUnavailableError{Key: "a@x.com", Err: errors.New("down")}
	w := &scriptedWaiter{steps: map[monitor.Key][]step{
		"a@x.com": {{err: unavailable}},
	}}
	r := NewRunner(w, nil, []monitor.Key{"a@x.com"}, WithRetryBackoff(time.Hour, time.Hour))
	runInBackground(t, r)

	require.Eventually(t, func() bool {
		return statusFor(r, "a@x.com").State == StateUnavailable
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, statusFor(r, "a@x.com").LastError, "down")
}

func TestRunnerNotifyFailureIsRecorded(t *testing.T) {
	item := monitor.Item{ID: "1"}
	w := &scriptedWaiter{steps: map[monitor.Key][]step{
		"a@x.com": {{out: monitor.Outcome{Kind: monitor.OutcomeNew, Item: &item}}},
	}}
	n := &recordingNotifier{err: errors.New("smtp down")}
	r := NewRunner(w, n, []monitor.Key{"a@x.com"})
	runInBackground(t, r)

	require.Eventually(t, func() bool {
		return statusFor(r, "a@x.com").LastError != ""
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, statusFor(r, "a@x.com").Notified)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	w := &scriptedWaiter{steps: map[monitor.Key][]step{}}
	r := NewRunner(w, nil, []monitor.Key{"a@x.com", "b@x.com"})
	cancel := runInBackground(t, r)

	cancel()
	require.Eventually(t, func() bool {
		return statusFor(r, "a@x.com").State == StateCancelled &&
			statusFor(r, "b@x.com").State == StateCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunnerNoKeys(t *testing.T) {
	r := NewRunner(&scriptedWaiter{}, nil, nil)
	assert.NoError(t, r.Run(context.Background()))
	assert.Empty(t, r.Status())
}

func TestRunnerWithBusSource(t *testing.T) {
	bus := eventbus.NewBus()
	store := memstore.New()
	w := monitor.New(store, bus)
	n := &recordingNotifier{}
	r := NewRunner(w, notify.Multi{n, notify.LogNotifier{}}, []monitor.Key{"a@x.com"},
		WithWaitTimeout(5*time.Second))
	runInBackground(t, r)

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), monitor.Item{Key: "a@x.com", Subject: "code 42"}))

	require.Eventually(t, func() bool { return n.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	last, ok, err := store.Last(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "code 42", last.Subject)
}
