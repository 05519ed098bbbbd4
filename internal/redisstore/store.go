// Package redisstore keeps observed items in Redis, one list per key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/flitsinc/inboxwatch/internal/monitor"
)

const DefaultPrefix = "inboxwatch:items:"

type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ monitor.Store  = (*Store)(nil)
	_ monitor.Lister = (*Store)(nil)
)

// New returns a Store that keeps items under prefix+key. An empty prefix
// selects DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) listKey(key monitor.Key) string {
	return s.prefix + string(key)
}

func (s *Store) Append(ctx context.Context, key monitor.Key, item monitor.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := s.client.RPush(ctx, s.listKey(key), payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

func (s *Store) Last(ctx context.Context, key monitor.Key) (monitor.Item, bool, error) {
	raw, err := s.client.LIndex(ctx, s.listKey(key), -1).Result()
	if errors.Is(err, redis.Nil) {
		return monitor.Item{}, false, nil
	}
	if err != nil {
		return monitor.Item{}, false, fmt.Errorf("lindex %s: %w", key, err)
	}
	item, err := decodeItem(raw)
	if err != nil {
		return monitor.Item{}, false, err
	}
	return item, true, nil
}

func (s *Store) List(ctx context.Context, key monitor.Key, limit int) ([]monitor.Item, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := s.client.LRange(ctx, s.listKey(key), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([]monitor.Item, 0, len(raws))
	for _, raw := range raws {
		item, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Keys scans for every key with a stored list.
func (s *Store) Keys(ctx context.Context) ([]monitor.Key, error) {
	var keys []monitor.Key
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, monitor.Key(strings.TrimPrefix(iter.Val(), s.prefix)))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

func decodeItem(raw string) (monitor.Item, error) {
	var item monitor.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return monitor.Item{}, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}
