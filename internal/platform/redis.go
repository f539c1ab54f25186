package platform

import (
	"context"
	"fmt"

	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
)

// KV is the shared key-value substrate client. With a single shard URL
// (the common case) it behaves like a plain *redis.Client. When KV_URL
// names more than one shard, keys are distributed across them by
// rendezvous (highest random weight) hashing, which tolerates adding or
// removing a shard with minimal key movement.
type KV struct {
	shards map[string]*redis.Client
	names  []string
	rdv    *rendezvous.Rendezvous
}

// NewKV creates a KV client from one or more Redis URLs.
func NewKV(ctx context.Context, urls []string) (*KV, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no KV shard URLs provided")
	}

	shards := make(map[string]*redis.Client, len(urls))
	names := make([]string, 0, len(urls))
	for i, u := range urls {
		opts, err := redis.ParseURL(u)
		if err != nil {
			for _, s := range shards {
				_ = s.Close()
			}
			return nil, fmt.Errorf("parsing KV URL %d: %w", i, err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			for _, s := range shards {
				_ = s.Close()
			}
			return nil, fmt.Errorf("pinging KV shard %d: %w", i, err)
		}
		name := fmt.Sprintf("shard-%d", i)
		shards[name] = client
		names = append(names, name)
	}

	return &KV{
		shards: shards,
		names:  names,
		rdv:    rendezvous.New(names, fnv1a),
	}, nil
}

// NewRedisClient creates a single-shard Redis client. Kept for callers (and
// background jobs) that only ever need one connection and don't want the
// sharding indirection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}

// Shard returns the redis.Client responsible for key.
func (kv *KV) Shard(key string) *redis.Client {
	if len(kv.names) == 1 {
		return kv.shards[kv.names[0]]
	}
	return kv.shards[kv.rdv.Lookup(key)]
}

// Primary returns the first shard, used by callers (health checks, the
// single-shard common case) that don't need key-based routing.
func (kv *KV) Primary() *redis.Client {
	return kv.shards[kv.names[0]]
}

// Close closes all shard connections.
func (kv *KV) Close() error {
	var firstErr error
	for _, s := range kv.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping checks connectivity to every shard.
func (kv *KV) Ping(ctx context.Context) error {
	for name, s := range kv.shards {
		if err := s.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// fnv1a is a small dependency-free string hash used as go-rendezvous's
// node-weight function.
func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
