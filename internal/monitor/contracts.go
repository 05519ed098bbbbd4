package monitor

import "context"

// Store keeps the items observed per key in arrival order.
// Appends for different keys must not block each other.
type Store interface {
	// Last returns the most recently appended item for key.
	Last(ctx context.Context, key Key) (Item, bool, error)
	// Append adds item to the end of key's sequence.
	Append(ctx context.Context, key Key, item Item) error
}

// Lister is implemented by stores that can return a key's full history.
type Lister interface {
	// List returns up to limit of the most recent items for key, oldest first.
	// A limit <= 0 means no limit.
	List(ctx context.Context, key Key, limit int) ([]Item, error)
}

// Subscription delivers items pushed for one key.
type Subscription interface {
	// Items is closed when the subscription ends, either through Close, the
	// subscribing context, or the source dropping it. Err reports why the
	// source dropped it and is nil otherwise.
	Items() <-chan Item
	Err() error
	// Close unregisters the subscription. Safe to call more than once.
	Close()
}

// PushSource delivers items as they arrive.
type PushSource interface {
	// Subscribe registers interest in key until ctx ends or the returned
	// subscription is closed. An error means nothing was registered.
	Subscribe(ctx context.Context, key Key) (Subscription, error)
}

// PullSource returns the items currently visible for a key.
type PullSource interface {
	Fetch(ctx context.Context, key Key) ([]Item, error)
}

// Publisher injects items into a source, as if they had been observed.
type Publisher interface {
	Publish(ctx context.Context, item Item) error
}
