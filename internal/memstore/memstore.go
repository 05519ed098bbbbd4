// Package memstore keeps observed items in process memory.
package memstore

import (
	"context"
	"sync"

	"github.com/flitsinc/inboxwatch/internal/monitor"
)

// Store is an in-memory monitor.Store. Each key has its own lock so appends
// for different keys never contend.
type Store struct {
	logs sync.Map // monitor.Key -> *keyLog
}

type keyLog struct {
	mu    sync.RWMutex
	items []monitor.Item
}

var (
	_ monitor.Store  = (*Store)(nil)
	_ monitor.Lister = (*Store)(nil)
)

func New() *Store {
	return &Store{}
}

func (s *Store) log(key monitor.Key, create bool) *keyLog {
	if v, ok := s.logs.Load(key); ok {
		return v.(*keyLog)
	}
	if !create {
		return nil
	}
	v, _ := s.logs.LoadOrStore(key, &keyLog{})
	return v.(*keyLog)
}

func (s *Store) Last(ctx context.Context, key monitor.Key) (monitor.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return monitor.Item{}, false, err
	}
	l := s.log(key, false)
	if l == nil {
		return monitor.Item{}, false, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.items) == 0 {
		return monitor.Item{}, false, nil
	}
	return l.items[len(l.items)-1].Clone(), true, nil
}

func (s *Store) Append(ctx context.Context, key monitor.Key, item monitor.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.log(key, true)
	l.mu.Lock()
	l.items = append(l.items, item.Clone())
	l.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, key monitor.Key, limit int) ([]monitor.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.log(key, false)
	if l == nil {
		return []monitor.Item{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	items := l.items
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]monitor.Item, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out, nil
}

// Keys returns every key that has at least one item, in no particular order.
func (s *Store) Keys() []monitor.Key {
	var keys []monitor.Key
	s.logs.Range(func(k, _ any) bool {
		keys = append(keys, k.(monitor.Key))
		return true
	})
	return keys
}
