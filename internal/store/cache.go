package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/metrics"
	"go.uber.org/zap"
)

// Error types
var ErrCacheMiss = fmt.Errorf("cache miss")

// Cache key prefixes. Job snapshots are keyed by job id; reconciliation
// summaries and activity views by wallet.
const (
	KeyJobSnapshot  = "shield:job"
	KeyReconSummary = "shield:recon"
	KeyActivity     = "shield:activity"
	KeyPrice        = "shield:price"
)

// ChannelActivity carries activity-view invalidation events to stream consumers.
const ChannelActivity = "shield:events:activity"

// Cache is the process-scoped snapshot store. Redis when available, an
// in-memory map with a local pubsub hub otherwise. Writes are last-writer-wins;
// callers enforce their own monotonic guards before writing.
type Cache struct {
	client *redis.Client

	mu  sync.RWMutex
	mem map[string]memEntry
	hub *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

func NewCache(addr string, logger *zap.SugaredLogger, m *metrics.Metrics) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory snapshot store", "error", err)
		}
		return &Cache{
			mem:     make(map[string]memEntry),
			hub:     NewPubSubHub(),
			logger:  logger,
			metrics: m,
		}, nil
	}

	return &Cache{
		client:  client,
		logger:  logger,
		metrics: m,
	}, nil
}

// NewMemoryCache builds an in-memory cache directly, for tests and dev.
func NewMemoryCache(logger *zap.SugaredLogger) *Cache {
	return &Cache{
		mem:    make(map[string]memEntry),
		hub:    NewPubSubHub(),
		logger: logger,
	}
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				c.metrics.RecordCacheMiss(ctx, key)
				return ErrCacheMiss
			}
			if c.logger != nil {
				c.logger.Errorw("Cache get error", "key", key, "error", err)
			}
			return fmt.Errorf("cache get error: %w", err)
		}
		c.metrics.RecordCacheHit(ctx, key)
		if err := json.Unmarshal([]byte(val), dest); err != nil {
			return fmt.Errorf("cache unmarshal error: %w", err)
		}
		return nil
	}

	c.mu.RLock()
	entry, ok := c.mem[key]
	c.mu.RUnlock()

	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		c.metrics.RecordCacheMiss(ctx, key)
		return ErrCacheMiss
	}
	c.metrics.RecordCacheHit(ctx, key)
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache set error", "key", key, "error", err)
			}
			return fmt.Errorf("cache set error: %w", err)
		}
		return nil
	}

	entry := memEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.mem[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
			}
			return fmt.Errorf("cache delete error: %w", err)
		}
		return nil
	}

	c.mu.Lock()
	for _, key := range keys {
		delete(c.mem, key)
	}
	c.mu.Unlock()
	return nil
}

// Specialized snapshot methods

func (c *Cache) GetJobSnapshot(ctx context.Context, jobID string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyJobSnapshot, jobID), dest)
}

func (c *Cache) SetJobSnapshot(ctx context.Context, jobID string, value interface{}) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyJobSnapshot, jobID), value, 2*time.Minute)
}

func (c *Cache) GetReconSummary(ctx context.Context, wallet string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyReconSummary, wallet), dest)
}

func (c *Cache) SetReconSummary(ctx context.Context, wallet string, value interface{}) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyReconSummary, wallet), value, 5*time.Minute)
}

// InvalidateWallet drops every cached view for a wallet. Exposed so callers
// can force a fresh read after a mutating operation.
func (c *Cache) InvalidateWallet(ctx context.Context, wallet string) error {
	return c.Delete(ctx,
		fmt.Sprintf("%s:%s", KeyReconSummary, wallet),
		fmt.Sprintf("%s:%s", KeyActivity, wallet),
	)
}

func (c *Cache) GetPrice(ctx context.Context, symbol string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyPrice, symbol), dest)
}

func (c *Cache) SetPrice(ctx context.Context, symbol string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyPrice, symbol), value, ttl)
}

// Pub/Sub

// Message is a pubsub payload, shared between the Redis and in-memory paths.
type Message struct {
	Channel string
	Payload string
}

// Subscription delivers pubsub messages until closed.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	c.hub.Publish(channel, string(data))
	return nil
}

func (c *Cache) Subscribe(ctx context.Context, channels ...string) Subscription {
	if c.client != nil {
		return newRedisSubscription(c.client.Subscribe(ctx, channels...))
	}
	return c.hub.Subscribe(channels...)
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	once   sync.Once
}

func newRedisSubscription(pubsub *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 100),
	}
	go func() {
		for msg := range pubsub.Channel() {
			s.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
		close(s.out)
	}()
	return s
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return nil
}

// IsInMemoryMode returns true when Redis is not backing the cache.
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
