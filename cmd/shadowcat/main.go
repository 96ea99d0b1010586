// Command shadowcat runs the proxy as a streamable HTTP service in front of
// an upstream MCP server. Configuration comes from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/kevinswiber/shadowcat"
	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/events"
	"github.com/kevinswiber/shadowcat/interceptor"
	"github.com/kevinswiber/shadowcat/sessions"
	"github.com/kevinswiber/shadowcat/sessions/memstore"
	"github.com/kevinswiber/shadowcat/sessions/redisstore"
	"github.com/kevinswiber/shadowcat/streaminghttp"
)

type config struct {
	// ListenAddr is the local address the proxy serves on.
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	// PublicEndpoint is the externally visible URL of the proxy endpoint.
	PublicEndpoint string `env:"PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp"`
	// UpstreamEndpoint is the upstream MCP server's streamable HTTP URL.
	UpstreamEndpoint string `env:"UPSTREAM_ENDPOINT,required"`

	// RedisAddr enables the Redis session store when set; empty keeps
	// sessions in process memory.
	RedisAddr   string        `env:"REDIS_ADDR"`
	RedisPrefix string        `env:"REDIS_KEY_PREFIX,default=shadowcat:sessions:"`
	RedisTTL    time.Duration `env:"REDIS_SESSION_TTL,default=24h"`

	MaxSessions     int           `env:"MAX_SESSIONS,default=1000"`
	MaxIdleTime     time.Duration `env:"MAX_IDLE_TIME,default=30m"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`
	RetentionCount  int           `env:"EVENT_RETENTION_COUNT,default=256"`
	RetentionAge    time.Duration `env:"EVENT_RETENTION_AGE"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shadowcat:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	store, closeStore, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	up := shadowcat.NewHTTPUpstream(cfg.UpstreamEndpoint, nil, log)
	proxy := shadowcat.New(up, store, shadowcat.Config{
		Sessions: sessions.Config{
			MaxSessions: cfg.MaxSessions,
			MaxIdleTime: cfg.MaxIdleTime,
		},
		Events: events.Config{
			RetentionCount: cfg.RetentionCount,
			RetentionAge:   cfg.RetentionAge,
		},
		UpstreamTimeout: cfg.UpstreamTimeout,
		Logger:          log,
	})
	up.Bind(proxy)
	proxy.Use(&loggingInterceptor{log: log})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	proxy.Start(ctx)

	h, err := streaminghttp.New(cfg.PublicEndpoint, proxy, streaminghttp.WithLogger(log))
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: h}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.String("err", err.Error()))
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("proxy shutdown", slog.String("err", err.Error()))
	}
	return nil
}

func newStore(cfg config) (sessions.Store, func(), error) {
	if cfg.RedisAddr == "" {
		store, err := memstore.New(cfg.MaxSessions)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	store, err := redisstore.New(redisstore.Config{
		Client:    client,
		KeyPrefix: cfg.RedisPrefix,
		TTL:       cfg.RedisTTL,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}

// loggingInterceptor records every envelope that passes the chain. It never
// modifies or blocks traffic.
type loggingInterceptor struct {
	log *slog.Logger
}

func (l *loggingInterceptor) Name() string { return "logging" }

func (l *loggingInterceptor) Intercept(ctx context.Context, env envelope.Envelope, ic *interceptor.Context) (interceptor.Outcome, error) {
	l.log.DebugContext(ctx, "envelope",
		slog.String("phase", string(ic.Phase)),
		slog.String("session_id", ic.SessionID),
		slog.String("direction", string(env.Context.Direction)),
		slog.String("method", env.Message.Method))
	return interceptor.Continue(), nil
}
