// Package config loads the bridge configuration. Values come from built-in
// defaults, then an optional TOML file, then the environment; command-line
// flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// Session and cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DefaultCredentialEnv names the variable holding the upstream access token.
const DefaultCredentialEnv = "SUPABASE_ACCESS_TOKEN"

type Config struct {
	// Port is used when ListenAddr is empty. ENV: PORT
	Port int `env:"PORT" toml:"port"`
	// ListenAddr like "127.0.0.1:3003". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR" toml:"listen_addr"`
	// PublicURL makes the SSE endpoint event absolute. ENV: PUBLIC_URL
	PublicURL string `env:"PUBLIC_URL" toml:"public_url"`

	Upstream Upstream `toml:"upstream"`
	HTTP     HTTP     `toml:"http"`
	Sessions Sessions `toml:"sessions"`
	Log      Log      `toml:"log"`
}

type Upstream struct {
	Command string   `env:"UPSTREAM_COMMAND" toml:"command"`
	Args    []string `env:"UPSTREAM_ARGS" toml:"args"` // ';'-separated in the environment
	// Env holds extra KEY=VALUE pairs for the child.
	Env []string `env:"UPSTREAM_ENV" toml:"env"`
	Dir string   `env:"UPSTREAM_DIR" toml:"dir"`
	// CredentialEnv is checked at startup so a missing token is reported
	// before the first session pays for a failed spawn.
	CredentialEnv    string        `env:"UPSTREAM_CREDENTIAL_ENV" toml:"credential_env"`
	HandshakeTimeout time.Duration `env:"UPSTREAM_HANDSHAKE_TIMEOUT" toml:"handshake_timeout"`
	RequestTimeout   time.Duration `env:"UPSTREAM_REQUEST_TIMEOUT" toml:"request_timeout"`
	KillGrace        time.Duration `env:"UPSTREAM_KILL_GRACE" toml:"kill_grace"`
	ToolCacheTTL     time.Duration `env:"UPSTREAM_TOOL_CACHE_TTL" toml:"tool_cache_ttl"`
}

type HTTP struct {
	SSEPath           string        `env:"SSE_PATH" toml:"sse_path"`
	MessagesPath      string        `env:"MESSAGES_PATH" toml:"messages_path"`
	HeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL" toml:"heartbeat_interval"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" toml:"max_message_bytes"`
	AllowedOrigins    []string      `env:"CORS_ALLOWED_ORIGINS" toml:"allowed_origins"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" toml:"shutdown_timeout"`
}

type Sessions struct {
	// Backend is memory or redis. It also selects the tool cache backend.
	Backend   string `env:"SESSIONS_BACKEND" toml:"backend"`
	RedisAddr string `env:"REDIS_ADDR" toml:"redis_addr"`
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX" toml:"key_prefix"`
	// MaxPending bounds the undelivered messages queued per session.
	MaxPending int `env:"SESSIONS_MAX_PENDING" toml:"max_pending"`
	CacheSize  int `env:"TOOL_CACHE_SIZE" toml:"cache_size"`
}

type Log struct {
	Format string `env:"LOG_FORMAT" toml:"format"`
	Level  string `env:"LOG_LEVEL" toml:"level"`
}

// Default returns the built-in configuration: the Supabase MCP server
// launched through npx, listening on port 3003.
func Default() Config {
	return Config{
		Port: 3003,
		Upstream: Upstream{
			Command:          "npx",
			Args:             []string{"-y", "@supabase/mcp-server-supabase@latest", "--access-token", "${" + DefaultCredentialEnv + "}"},
			CredentialEnv:    DefaultCredentialEnv,
			HandshakeTimeout: 30 * time.Second,
			RequestTimeout:   60 * time.Second,
			KillGrace:        5 * time.Second,
			ToolCacheTTL:     5 * time.Minute,
		},
		HTTP: HTTP{
			SSEPath:           "/sse",
			MessagesPath:      "/messages",
			HeartbeatInterval: 15 * time.Second,
			MaxMessageBytes:   4 << 20,
			ShutdownTimeout:   10 * time.Second,
		},
		Sessions: Sessions{
			Backend:    BackendMemory,
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "mcp:bridge:",
			MaxPending: 256,
			CacheSize:  64,
		},
		Log: Log{Format: "text", Level: "info"},
	}
}

// Load builds the configuration from defaults, the TOML file at path (when
// non-empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr is the address the HTTP server listens on.
func (c Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ListenAddr == "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.Upstream.Command) == "" {
		return errors.New("upstream command is required")
	}
	for _, kv := range c.Upstream.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("upstream env entry %q must be KEY=VALUE", kv)
		}
	}
	switch c.Sessions.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown sessions backend %q (want %s or %s)", c.Sessions.Backend, BackendMemory, BackendRedis)
	}
	if c.Sessions.Backend == BackendRedis && c.Sessions.RedisAddr == "" {
		return errors.New("redis address is required for the redis backend")
	}
	if c.Upstream.HandshakeTimeout <= 0 {
		return errors.New("upstream handshake timeout must be positive")
	}
	if c.Upstream.RequestTimeout < 0 || c.HTTP.HeartbeatInterval < 0 {
		return errors.New("timeouts must not be negative")
	}
	for _, p := range []string{c.HTTP.SSEPath, c.HTTP.MessagesPath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("http path %q must start with /", p)
		}
	}
	if c.HTTP.SSEPath == c.HTTP.MessagesPath {
		return errors.New("sse and messages paths must differ")
	}
	if c.HTTP.MaxMessageBytes <= 0 {
		return errors.New("max message bytes must be positive")
	}
	return nil
}
