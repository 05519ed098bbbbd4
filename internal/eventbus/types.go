package eventbus

import (
	"errors"
	"sync"

	"github.com/flitsinc/inboxwatch/internal/monitor"
)

var (
	// ErrBusClosed ends every subscription when the bus is closed.
	ErrBusClosed = errors.New("event bus closed")

	ErrKeyRequired = errors.New("item key is required")
)

const defaultBuffer = 64

type Option func(*Bus)

// WithBuffer sets the per-subscription channel size. Items published to a
// full subscription are dropped.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

type subscription struct {
	id   string
	key  monitor.Key
	bus  *Bus
	ch   chan monitor.Item
	done chan struct{}

	// err is written under bus.mu before ch is closed.
	err error

	once sync.Once
}

func (s *subscription) Items() <-chan monitor.Item {
	return s.ch
}

func (s *subscription) Err() error {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.err
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id, nil)
	})
}
