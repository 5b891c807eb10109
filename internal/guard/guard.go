// Package guard provides admission control for message processing.
//
// The router admits each distinct message exactly once while it is in
// flight; a second delivery of the same message ID is dropped instead of
// producing a duplicate reply.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard tracks message IDs currently being processed. Admit reports whether
// the caller won the ID; Release frees it once processing finishes.
type Guard interface {
	Admit(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string)
}

// MemoryGuard is an in-process Guard backed by a mutex-guarded set. It is
// the default for single-instance deployments.
type MemoryGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewMemoryGuard creates an empty in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{inFlight: make(map[string]struct{})}
}

func (g *MemoryGuard) Admit(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.inFlight[id]; exists {
		return false, nil
	}
	g.inFlight[id] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, id)
}

// DefaultRedisTTL bounds how long a claimed ID survives a crashed worker.
const DefaultRedisTTL = 5 * time.Minute

// RedisGuard is a Guard shared across instances, claiming IDs with SET NX
// and a TTL so a crashed worker cannot hold an ID forever.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Opts holds configuration for the Redis guard.
type Opts struct {
	Addr   string
	Prefix string
	TTL    time.Duration
}

// Option defines a configuration option for the Redis guard.
type Option func(*Opts)

// WithRedisAddr sets the Redis server address.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithKeyPrefix sets the key namespace for claimed IDs.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.Prefix = prefix }
}

// WithTTL overrides the claim expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// NewRedisGuard creates a Redis-backed guard.
func NewRedisGuard(opts ...Option) (*RedisGuard, error) {
	cfg := Opts{Prefix: "chatpipe:inflight:", TTL: DefaultRedisTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis guard ping failed", "error", err, "addr", cfg.Addr)
		return nil, err
	}
	return &RedisGuard{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (g *RedisGuard) Admit(ctx context.Context, id string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+id, 1, g.ttl).Result()
	if err != nil {
		slog.Error("Redis guard admit failed", "error", err, "id", id)
		return false, err
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, id string) {
	if err := g.client.Del(ctx, g.prefix+id).Err(); err != nil {
		slog.Warn("Redis guard release failed", "error", err, "id", id)
	}
}

// Close closes the underlying Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
