package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the shared command connection used by every framework
// subsystem. Sessions, rate limiting, presence and the job queues all go
// through this one pooled client; pub/sub consumers call Subscribe, which
// allocates its own dedicated connection so blocking reads never starve the
// command pool.
type RedisClient struct {
	client *redis.Client
	logger Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL     string
	PoolSize     int
	MinIdleConns int
	Logger       Logger // Optional logger
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, &TypedError{
			Kind:    KindConfigError,
			Message: "redis URL is required",
			Key:     EnvRedisURL,
		}
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, &TypedError{
			Kind:    KindConfigError,
			Message: "invalid redis URL",
			Key:     EnvRedisURL,
			Err:     err,
		}
	}

	if opts.PoolSize > 0 {
		redisOpt.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		redisOpt.MinIdleConns = opts.MinIdleConns
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, WrapError(KindRedisConnection, "failed to connect to redis", err)
	}

	logger.Info("Redis client connected", map[string]interface{}{
		"pool_size": redisOpt.PoolSize,
	})

	return &RedisClient{client: client, logger: logger}, nil
}

// Client exposes the underlying go-redis client for subsystems that need
// commands beyond the helpers below (blocking pops, pipelines, hashes).
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	err := r.client.Close()
	if err != nil {
		r.logger.Error("Failed to close Redis client", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return err
}

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return WrapError(KindRedisConnection, "redis health check failed", err)
	}
	return nil
}

// --- Pub/sub ---

// Publish sends a payload on a channel and returns the receiver count.
func (r *RedisClient) Publish(ctx context.Context, channel string, payload interface{}) (int64, error) {
	return r.client.Publish(ctx, channel, payload).Result()
}

// Subscribe opens a dedicated subscriber connection for the given channels.
// The caller owns the returned PubSub and must Close it.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}

// --- String/counter operations ---

// Get retrieves a value. Returns redis.Nil when the key is absent.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// Set stores a value with an optional TTL (0 means no expiry).
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only when the key does not exist yet.
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Del deletes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Exists reports how many of the given keys exist.
func (r *RedisClient) Exists(ctx context.Context, keys ...string) (int64, error) {
	return r.client.Exists(ctx, keys...).Result()
}

// Expire sets a TTL on a key.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining lifetime of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, key).Result()
}

// Incr increments a counter.
func (r *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// --- Set operations (presence rosters) ---

// SAdd adds members to a set.
func (r *RedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set.
func (r *RedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SRem(ctx, key, members...).Err()
}

// SMembers returns every member of a set.
func (r *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// SCard returns the cardinality of a set.
func (r *RedisClient) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

// FormatRedisURL builds a redis URL from a bare host:port address. Handy for
// tests that run against miniredis.
func FormatRedisURL(addr string) string {
	return fmt.Sprintf("redis://%s", addr)
}
