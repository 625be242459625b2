package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "agentbridge:memory:"

// RedisStore implements Store on Redis so several server replicas share
// thread history.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	maxTurns int
	mu       sync.RWMutex
	closed   bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default: DefaultRedisPrefix).
	Prefix string
	// TTL expires idle threads (0 = never expire).
	TTL time.Duration
	// MaxTurns bounds each thread (default: DefaultMaxTurns).
	MaxTurns int
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL, cfg.MaxTurns), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration, maxTurns int) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		maxTurns: maxTurns,
	}
}

func (s *RedisStore) threadKey(threadID string) string {
	return s.prefix + "thread:" + threadID
}

func (s *RedisStore) resourceKey(resourceID string) string {
	return s.prefix + "resource:" + resourceID
}

func (s *RedisStore) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	data, err := s.client.LRange(ctx, s.threadKey(threadID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	turns := make([]Turn, 0, len(data))
	for _, d := range data {
		var t Turn
		if err := json.Unmarshal([]byte(d), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Append implements Store. The push, trim, index and expiry run in one
// pipeline.
func (s *RedisStore) Append(ctx context.Context, threadID, resourceID string, turns ...Turn) error {
	if err := s.open(); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	values := make([]any, 0, len(turns))
	for _, t := range stamp(turns) {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, data)
	}

	key := s.threadKey(threadID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
	if resourceID != "" {
		pipe.SAdd(ctx, s.resourceKey(resourceID), threadID)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
		if resourceID != "" {
			pipe.Expire(ctx, s.resourceKey(resourceID), s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

// Threads implements Store.
func (s *RedisStore) Threads(ctx context.Context, resourceID string) ([]string, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.resourceKey(resourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	// Redis sets are unordered.
	sort.Strings(ids)
	return ids, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.open(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
