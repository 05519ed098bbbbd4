package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

const envPrefix = "INBOXWATCH"

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"

	SourceBus       = "bus"
	SourceWebSocket = "websocket"
	SourceRedis     = "redis"
	SourceHTTP      = "http"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	Store  string
	Source string

	Redis      Redis
	WebSocket  WebSocket
	HTTPSource HTTPSource

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	WaitTimeout     time.Duration
	MaxWaitTimeout  time.Duration

	WatchKeys  []string
	WebhookURL string

	LogLevel  string
	LogFormat string
}

type Redis struct {
	URL      string
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

type WebSocket struct {
	URL        string
	WatchEvent string
	ItemEvent  string
}

type HTTPSource struct {
	URL       string
	ItemsPath string
	Token     string
}

// Load reads .env (without overriding variables already set) and the
// INBOXWATCH_* environment.
func Load() (Config, error) {
	loadDotEnv(".env")
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("data_dir", "data")
	v.SetDefault("store", StoreMemory)
	v.SetDefault("source", SourceBus)
	v.SetDefault("redis_prefix", "inboxwatch:")
	v.SetDefault("ws_watch_event", "watch")
	v.SetDefault("ws_item_event", "new_email")
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("max_poll_interval", 30*time.Second)
	v.SetDefault("wait_timeout", 30*time.Second)
	v.SetDefault("max_wait_timeout", 5*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	dataDir := v.GetString("data_dir")
	dbPath := v.GetString("db_path")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "inboxwatch.db")
	}

	cfg := Config{
		HTTPAddr: v.GetString("http_addr"),
		DataDir:  dataDir,
		DBPath:   dbPath,

		Store:  strings.ToLower(v.GetString("store")),
		Source: strings.ToLower(v.GetString("source")),

		Redis: Redis{
			URL:      v.GetString("redis_url"),
			Addr:     v.GetString("redis_addr"),
			Username: v.GetString("redis_username"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
			Prefix:   v.GetString("redis_prefix"),
		},
		WebSocket: WebSocket{
			URL:        v.GetString("ws_url"),
			WatchEvent: v.GetString("ws_watch_event"),
			ItemEvent:  v.GetString("ws_item_event"),
		},
		HTTPSource: HTTPSource{
			URL:       v.GetString("http_source_url"),
			ItemsPath: v.GetString("http_source_items_path"),
			Token:     v.GetString("http_source_token"),
		},

		PollInterval:    v.GetDuration("poll_interval"),
		MaxPollInterval: v.GetDuration("max_poll_interval"),
		WaitTimeout:     v.GetDuration("wait_timeout"),
		MaxWaitTimeout:  v.GetDuration("max_wait_timeout"),

		WatchKeys:  splitComma(v.GetString("watch_keys")),
		WebhookURL: v.GetString("webhook_url"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if !lo.Contains([]string{StoreMemory, StoreSQLite, StoreRedis}, c.Store) {
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if !lo.Contains([]string{SourceBus, SourceWebSocket, SourceRedis, SourceHTTP}, c.Source) {
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}
	if c.Source == SourceWebSocket && c.WebSocket.URL == "" {
		errs = append(errs, errors.New("websocket source requires INBOXWATCH_WS_URL"))
	}
	if c.Source == SourceHTTP && c.HTTPSource.URL == "" {
		errs = append(errs, errors.New("http source requires INBOXWATCH_HTTP_SOURCE_URL"))
	}
	if (c.Store == StoreRedis || c.Source == SourceRedis) && c.Redis.URL == "" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis requires INBOXWATCH_REDIS_URL or INBOXWATCH_REDIS_ADDR"))
	}
	if c.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("wait timeout must be positive, got %v", c.WaitTimeout))
	}
	if c.MaxWaitTimeout < c.WaitTimeout {
		errs = append(errs, fmt.Errorf("max wait timeout %v is below wait timeout %v", c.MaxWaitTimeout, c.WaitTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %v", c.PollInterval))
	}
	return errors.Join(errs...)
}

func splitComma(value string) []string {
	parts := lo.Map(strings.Split(value, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	})
	return lo.Uniq(lo.Compact(parts))
}

func loadDotEnv(path string) {
	// godotenv.Load never overrides variables that are already set.
	_ = godotenv.Load(path)
}
