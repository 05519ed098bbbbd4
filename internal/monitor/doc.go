// Package monitor waits for the next item observed for a key.
//
// A [Waiter] answers one question per call: "what is the state of key K,
// waiting up to T for a new observation". It reads the last known item from
// a [Store], registers interest with a source, and suspends until either an
// item tagged with K arrives, the timeout elapses, or the caller cancels.
//
// # Outcomes
//
//   - [OutcomeNew]: an item arrived during the wait window. It is appended to
//     the Store before the call returns.
//   - [OutcomeStale]: nothing arrived; the previously known item is reported.
//   - [OutcomeEmpty]: nothing arrived and nothing was ever known for the key.
//   - [OutcomeCancelled]: the caller's context ended first.
//
// Registration failures are returned as a [*SourceUnavailableError]. Source
// failures after registration never surface as errors: the wait degrades to
// Stale or Empty and the cause is kept in [Outcome.Disruption].
//
// # Sources
//
// Push sources ([PushSource]) deliver items over a [Subscription]. Pull
// sources ([PullSource]) are polled with exponential backoff bounded by the
// remaining wait budget; only fetched items that were not present when the
// wait registered, and that come after the Store's last item, count as new.
//
// # Ordering
//
// Only the first item of a window is reported. Items already buffered on the
// subscription when the first one is taken are appended to the Store too, so
// the next call sees the latest of them as its baseline rather than as New.
//
// Waits for distinct keys are independent. Concurrent waits on the same key
// are allowed but each holds its own subscription, so both may report (and
// append) the same item.
package monitor
