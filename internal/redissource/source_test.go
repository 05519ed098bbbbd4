package redissource

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/inboxwatch/internal/memstore"
	"github.com/flitsinc/inboxwatch/internal/monitor"
)

func newTestSource(t *testing.T) (*Source, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:"), mr
}

func TestPublishReachesSubscriber(t *testing.T) {
	src, _ := newTestSource(t)
	ctx := context.Background()

	sub, err := src.Subscribe(ctx, "a@example.com")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, src.Publish(ctx, monitor.Item{Key: "b@example.com", Subject: "other"}))
	require.NoError(t, src.Publish(ctx, monitor.Item{Key: "a@example.com", Subject: "mine"}))

	select {
	case item := <-sub.Items():
		assert.Equal(t, "mine", item.Subject)
		assert.Equal(t, monitor.Key("a@example.com"), item.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for item")
	}
}

func TestSubscribeFailsWhenServerDown(t *testing.T) {
	src, mr := newTestSource(t)
	mr.Close()

	_, err := src.Subscribe(context.Background(), "a@example.com")
	require.Error(t, err)
}

func TestCloseEndsItemsWithoutError(t *testing.T) {
	src, _ := newTestSource(t)
	sub, err := src.Subscribe(context.Background(), "a@example.com")
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	_, ok := <-sub.Items()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
}

func TestServerLossIsReported(t *testing.T) {
	src, mr := newTestSource(t)
	sub, err := src.Subscribe(context.Background(), "a@example.com")
	require.NoError(t, err)
	defer sub.Close()

	mr.Close()

	select {
	case _, ok := <-sub.Items():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not closed after server loss")
	}
	assert.Error(t, sub.Err())
}

func TestWaiterOverRedis(t *testing.T) {
	src, mr := newTestSource(t)
	w := monitor.New(memstore.New(), src)
	key := monitor.Key("a@example.com")

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if n := mr.PubSubNumSub("test:a@example.com")["test:a@example.com"]; n > 0 {
				_ = src.Publish(context.Background(), monitor.Item{Key: key, Subject: "code"})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	out, err := w.WaitForNext(context.Background(), key, 3*time.Second)
	require.NoError(t, err)
	require.True(t, out.IsNew())
	assert.Equal(t, "code", out.Item.Subject)
}
