package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/inboxwatch/internal/api"
	"github.com/flitsinc/inboxwatch/internal/config"
	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/notify"
	"github.com/flitsinc/inboxwatch/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.New(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Name: "inboxwatchd"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	log.SetGlobal(logger)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error(ctx, "inboxwatchd stopped", log.Cause(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	deps, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	runner := watch.NewRunner(deps.Waiter, buildNotifier(cfg), deps.WatchKeys,
		watch.WithWaitTimeout(cfg.WaitTimeout))

	apiServer := &api.Server{
		Waiter:         deps.Waiter,
		Store:          deps.Store,
		Publisher:      deps.Publisher,
		Runner:         runner,
		Health:         deps.Health,
		DefaultTimeout: cfg.WaitTimeout,
		MaxTimeout:     cfg.MaxWaitTimeout,
		StartedAt:      time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	for _, task := range deps.Background {
		g.Go(func() error { return task(ctx) })
	}
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error {
		log.Info(ctx, "inboxwatchd listening",
			log.String("addr", listener.Addr().String()),
			log.String("store", cfg.Store),
			log.String("source", cfg.Source),
			log.Int("watch_keys", len(deps.WatchKeys)))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, "server shutdown error", log.Cause(err))
			_ = httpServer.Close()
		}
		return nil
	})

	return g.Wait()
}

func buildNotifier(cfg config.Config) notify.Notifier {
	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL))
	}
	return notifiers
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info(r.Context(), "http request",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", rec.status),
			log.Duration("duration", time.Since(start)),
			log.String("remote", r.RemoteAddr))
	})
}
