package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flitsinc/inboxwatch/internal/api"
	"github.com/flitsinc/inboxwatch/internal/config"
	"github.com/flitsinc/inboxwatch/internal/eventbus"
	"github.com/flitsinc/inboxwatch/internal/httpsource"
	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/memstore"
	"github.com/flitsinc/inboxwatch/internal/monitor"
	"github.com/flitsinc/inboxwatch/internal/redissource"
	"github.com/flitsinc/inboxwatch/internal/redisstore"
	"github.com/flitsinc/inboxwatch/internal/state"
	"github.com/flitsinc/inboxwatch/internal/wssource"
)

// deps holds everything built from config that outlives a single request.
type deps struct {
	Store      monitor.Store
	Waiter     *monitor.Waiter
	Publisher  monitor.Publisher
	Health     func() api.SourceHealth
	Background []func(context.Context) error
	WatchKeys  []monitor.Key

	redis   *redis.Client
	closers []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn(context.Background(), "close dependency", log.Cause(err))
		}
	}
}

func build(ctx context.Context, cfg config.Config) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	for _, raw := range cfg.WatchKeys {
		key, err := monitor.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("watch key: %w", err)
		}
		d.WatchKeys = append(d.WatchKeys, key)
	}

	if err := d.buildStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := d.buildSource(ctx, cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *deps) redisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	client, err := redisstore.NewClient(ctx, redisstore.Config{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	d.redis = client
	d.closers = append(d.closers, client.Close)
	return client, nil
}

func (d *deps) buildStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Store {
	case config.StoreMemory:
		d.Store = memstore.New()
	case config.StoreSQLite:
		db, err := state.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		d.closers = append(d.closers, db.Close)
		d.Store = state.NewStore(db)
	case config.StoreRedis:
		client, err := d.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		d.Store = redisstore.New(client, cfg.Redis.Prefix+"items:")
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	return nil
}

func (d *deps) buildSource(ctx context.Context, cfg config.Config) error {
	opts := []monitor.Option{
		monitor.WithPollInterval(cfg.PollInterval),
		monitor.WithMaxPollInterval(cfg.MaxPollInterval),
	}

	switch cfg.Source {
	case config.SourceBus:
		bus := eventbus.NewBus()
		d.closers = append(d.closers, func() error { bus.Close(); return nil })
		d.Waiter = monitor.New(d.Store, bus, opts...)
		d.Publisher = bus
		d.Health = func() api.SourceHealth {
			return api.SourceHealth{Kind: cfg.Source, Healthy: true, Detail: map[string]any{"subscribers": bus.SubscriberCount()}}
		}

	case config.SourceWebSocket:
		src, err := wssource.New(wssource.Config{
			URL:        cfg.WebSocket.URL,
			WatchEvent: cfg.WebSocket.WatchEvent,
			ItemEvent:  cfg.WebSocket.ItemEvent,
			Keys:       cfg.WatchKeys,
		})
		if err != nil {
			return err
		}
		d.Waiter = monitor.New(d.Store, src, opts...)
		d.Background = append(d.Background, src.Run)
		d.Health = func() api.SourceHealth {
			st := src.Status()
			return api.SourceHealth{Kind: cfg.Source, Healthy: st.Connected, Detail: st}
		}

	case config.SourceRedis:
		client, err := d.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		src := redissource.New(client, cfg.Redis.Prefix+"events:")
		d.Waiter = monitor.New(d.Store, src, opts...)
		d.Publisher = src
		d.Health = func() api.SourceHealth {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			health := api.SourceHealth{Kind: cfg.Source, Healthy: true}
			if err := client.Ping(pingCtx).Err(); err != nil {
				health.Healthy = false
				health.Detail = map[string]any{"error": err.Error()}
			}
			return health
		}

	case config.SourceHTTP:
		src, err := httpsource.New(httpsource.Config{
			URL:       cfg.HTTPSource.URL,
			ItemsPath: cfg.HTTPSource.ItemsPath,
			Token:     cfg.HTTPSource.Token,
		})
		if err != nil {
			return err
		}
		d.Waiter = monitor.NewPolling(d.Store, src, opts...)
		d.Health = func() api.SourceHealth {
			return api.SourceHealth{Kind: cfg.Source, Healthy: true}
		}

	default:
		return errors.New("unknown source " + cfg.Source)
	}
	return nil
}
