package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "mcp:bridge:sessions:"
	defaultMaxLen    = 256
	defaultStreamTTL = 24 * time.Hour
	readBlock        = 500 * time.Millisecond
	readCount        = 64
)

// Config for the Redis-backed SessionHost. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:bridge:sessions:"`
	// MaxLen approximately bounds the undelivered entries of each session
	// stream. ENV: SESSIONS_MAX_LEN
	MaxLen int64 `env:"SESSIONS_MAX_LEN,default=256"`
	// StreamTTL is refreshed on every publish. ENV: SESSIONS_STREAM_TTL
	StreamTTL time.Duration `env:"SESSIONS_STREAM_TTL,default=24h"`
}

func (c Config) withDefaults() Config {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.MaxLen <= 0 {
		c.MaxLen = defaultMaxLen
	}
	if c.StreamTTL <= 0 {
		c.StreamTTL = defaultStreamTTL
	}
	return c
}

type Host struct {
	client    *redis.Client
	ownClient bool
	cfg       Config
}

// New dials cfg.RedisAddr and verifies the connection.
func New(cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Host{client: cl, ownClient: true, cfg: cfg}, nil
}

// NewWithClient wraps an existing client. cfg.RedisAddr is ignored and Close
// leaves the client open.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	return &Host{client: cl, cfg: cfg.withDefaults()}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis session config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client when the Host created it.
func (h *Host) Close() error {
	if !h.ownClient {
		return nil
	}
	return h.client.Close()
}

func (h *Host) streamKey(sessionID string) string { return h.cfg.KeyPrefix + "stream:" + sessionID }

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	key := h.streamKey(sessionID)
	var add *redis.StringCmd
	_, err := h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: h.cfg.MaxLen,
			Approx: true,
			Values: map[string]interface{}{"d": data},
		})
		p.Expire(ctx, key, h.cfg.StreamTTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	return add.Val(), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	// Delivered entries are deleted, so the oldest remaining entry is always
	// the next one to deliver.
	start := "0"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: readCount, Block: readBlock}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, s := range res {
			for _, m := range s.Messages {
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					payload = []byte(fmt.Sprintf("%v", v))
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
				if err := h.client.XDel(context.WithoutCancel(ctx), key, m.ID).Err(); err != nil {
					return fmt.Errorf("xdel %s %s: %w", key, m.ID, err)
				}
				start = m.ID
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	return h.client.Del(context.WithoutCancel(ctx), h.streamKey(sessionID)).Err()
}

var _ sessions.SessionHost = (*Host)(nil)
