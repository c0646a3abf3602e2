// Package bridge assembles the process: configuration in, one http.Handler
// and one upstream Connector out.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/config"
	"github.com/ggoodman/mcp-sse-bridge/internal/metrics"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/ggoodman/mcp-sse-bridge/proxy"
	"github.com/ggoodman/mcp-sse-bridge/sessions"
	"github.com/ggoodman/mcp-sse-bridge/sessions/memoryhost"
	"github.com/ggoodman/mcp-sse-bridge/sessions/redishost"
	"github.com/ggoodman/mcp-sse-bridge/ssehttp"
	"github.com/ggoodman/mcp-sse-bridge/storage"
	memorystorage "github.com/ggoodman/mcp-sse-bridge/storage/memory"
	redisstorage "github.com/ggoodman/mcp-sse-bridge/storage/redis"
	"github.com/ggoodman/mcp-sse-bridge/toolapi"
	"github.com/ggoodman/mcp-sse-bridge/upstream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// Version is reported to the upstream as the client version.
var Version = "0.1.0"

// App owns every long-lived component.
type App struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	store    storage.Storage
	registry *sessions.Registry
	conn     *upstream.Connector
	router   *proxy.Router
	tools    *toolapi.Service
	handler  http.Handler

	// stopStreams ends open SSE streams so Shutdown can finish.
	stopStreams context.CancelFunc
}

type options struct {
	launcher upstream.Launcher
	redis    *redis.Client
}

// Option customizes New.
type Option func(*options)

// WithLauncher replaces the configured command line.
func WithLauncher(l upstream.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithRedisClient supplies the client used by the redis backend instead of
// dialing cfg.Sessions.RedisAddr.
func WithRedisClient(c *redis.Client) Option {
	return func(o *options) { o.redis = c }
}

// New builds the application without starting the child; the first session
// or tool request does that.
func New(cfg config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = slog.Default()
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = upstream.CommandLauncher{
			Command: cfg.Upstream.Command,
			Args:    cfg.Upstream.Args,
			Env:     cfg.Upstream.Env,
			Dir:     cfg.Upstream.Dir,
		}
		warnMissingCredential(log, cfg.Upstream)
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}

	var host sessions.SessionHost
	switch cfg.Sessions.Backend {
	case config.BackendRedis:
		client := o.redis
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: cfg.Sessions.RedisAddr})
			if err := client.Ping(context.Background()).Err(); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("redis ping %s: %w", cfg.Sessions.RedisAddr, err)
			}
		}
		store, err := redisstorage.New(redisstorage.Config{Client: client, KeyPrefix: cfg.Sessions.KeyPrefix + "storage:"})
		if err != nil {
			return nil, err
		}
		a.store = store
		host = redishost.NewWithClient(client, redishost.Config{
			KeyPrefix: cfg.Sessions.KeyPrefix + "sessions:",
			MaxLen:    int64(cfg.Sessions.MaxPending),
		})
	default:
		store, err := memorystorage.New(cfg.Sessions.CacheSize)
		if err != nil {
			return nil, err
		}
		a.store = store
		host = memoryhost.New(memoryhost.WithMaxPending(cfg.Sessions.MaxPending))
	}

	a.conn = upstream.NewConnector(launcher,
		upstream.WithLogger(log),
		upstream.WithMetrics(a.metrics),
		upstream.WithClientInfo(mcp.ImplementationInfo{Name: "mcp-sse-bridge", Version: Version}),
		upstream.WithHandshakeTimeout(cfg.Upstream.HandshakeTimeout),
		upstream.WithRequestTimeout(cfg.Upstream.RequestTimeout),
		upstream.WithKillGrace(cfg.Upstream.KillGrace),
		upstream.WithToolCache(a.store, toolCacheNamespace(cfg.Upstream), cfg.Upstream.ToolCacheTTL),
	)
	a.registry = sessions.NewRegistry(host, sessions.WithLogger(log), sessions.WithMetrics(a.metrics))
	a.router = proxy.NewRouter(a.conn, a.registry,
		proxy.WithLogger(log),
		proxy.WithMetrics(a.metrics),
		proxy.WithRequestTimeout(cfg.Upstream.RequestTimeout),
	)
	a.tools = toolapi.NewService(a.conn, log)

	streams, stop := context.WithCancel(context.Background())
	a.stopStreams = stop
	sse, err := ssehttp.New(streams, a.router,
		ssehttp.WithLogger(log),
		ssehttp.WithPublicURL(cfg.PublicURL),
		ssehttp.WithPaths(cfg.HTTP.SSEPath, cfg.HTTP.MessagesPath),
		ssehttp.WithHeartbeatInterval(cfg.HTTP.HeartbeatInterval),
		ssehttp.WithMaxMessageBytes(cfg.HTTP.MaxMessageBytes),
		ssehttp.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
	)
	if err != nil {
		stop()
		_ = a.store.Close()
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	r.Handle("/api/mcp", a.tools.Handler())
	r.Handle("/*", sse)
	a.handler = r

	return a, nil
}

// Handler serves every HTTP endpoint.
func (a *App) Handler() http.Handler { return a.handler }

// Connector exposes the upstream connector.
func (a *App) Connector() *upstream.Connector { return a.conn }

// Tools exposes the in-process tool service.
func (a *App) Tools() *toolapi.Service { return a.tools }

// Sessions exposes the session registry.
func (a *App) Sessions() *sessions.Registry { return a.registry }

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   a.conn.State().String(),
		"sessions": a.registry.Len(),
		"inflight": a.router.Inflight(),
	})
}

// Run serves HTTP on the configured address until ctx ends, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.InfoContext(ctx, "http.listen", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.InfoContext(ctx, "http.shutdown.start")
	a.stopStreams()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.WarnContext(ctx, "http.shutdown.fail", slog.String("err", err.Error()))
		_ = srv.Close()
	}
	return nil
}

// Close ends every session, stops the child and releases storage.
func (a *App) Close() error {
	a.stopStreams()
	a.registry.CloseAll(context.Background())
	err := a.conn.Close()
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func toolCacheNamespace(u config.Upstream) string {
	sum := sha256.Sum256([]byte(u.Command + "\x00" + strings.Join(u.Args, "\x00")))
	return "tools:" + hex.EncodeToString(sum[:8])
}

func warnMissingCredential(log *slog.Logger, u config.Upstream) {
	if u.CredentialEnv == "" {
		return
	}
	for _, kv := range u.Env {
		if strings.HasPrefix(kv, u.CredentialEnv+"=") {
			return
		}
	}
	if os.Getenv(u.CredentialEnv) == "" {
		log.Warn("upstream.credential.missing", slog.String("env", u.CredentialEnv))
	}
}
