// Package cache provides a two-layer response cache: an in-process LRU
// (L1) in front of an optional shared Redis layer (L2). Redis being down
// degrades the cache to L1-only without surfacing errors to callers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"atlas/pkg/logx"
)

// Key derives a stable cache key from a service name and request
// parameters. Parameter maps hash identically regardless of key order.
func Key(service string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v, _ := json.Marshal(params[k]) //nolint:errcheck // map values come from JSON
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.Write(v)
		sb.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return service + ":" + hex.EncodeToString(sum[:16])
}

// l1Entry is one resident L1 value.
type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// LRU is a fixed-capacity TTL cache. Reads refresh recency; inserting
// beyond capacity evicts the least recently used entry.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*l1Entry
	order    []string // oldest first
}

// NewLRU creates an LRU cache with the given capacity and entry TTL.
func NewLRU(capacity int, ttl time.Duration) *LRU {
	return &LRU{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*l1Entry, capacity),
	}
}

// Get returns the cached value and refreshes its recency.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false
	}

	c.removeFromOrder(key)
	c.order = append(c.order, key)
	return e.value, true
}

// Set stores a value, evicting the least recently used entry if full.
func (c *LRU) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeFromOrder(key)
	} else if len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = &l1Entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.order = append(c.order, key)
}

// Delete removes a key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.removeFromOrder(key)
	}
}

// Len returns the number of resident entries, including expired ones not
// yet evicted by reads.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*l1Entry, c.capacity)
	c.order = c.order[:0]
}

func (c *LRU) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Config tunes the multi-layer cache.
type Config struct {
	RedisURL  string
	L1MaxSize int
	L1TTL     time.Duration
	L2TTL     time.Duration
}

// DefaultConfig provides the standard cache tuning.
var DefaultConfig = Config{ //nolint:gochecknoglobals
	L1MaxSize: 500,
	L1TTL:     300 * time.Second,
	L2TTL:     3600 * time.Second,
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	L1Hits  int64 `json:"l1_hits"`
	L2Hits  int64 `json:"l2_hits"`
	Misses  int64 `json:"misses"`
	L1Size  int   `json:"l1_size"`
	RedisUp bool  `json:"redis_up"`
}

// MultiLayer is the L1+L2 cache used in front of integration services.
// All values are JSON-encoded. L2 hits are promoted back into L1.
type MultiLayer struct {
	config Config
	l1     *LRU
	redis  *redis.Client // nil when redis is unavailable
	logger *logx.Logger

	mu     sync.Mutex
	l1Hits int64
	l2Hits int64
	misses int64
}

// NewMultiLayer creates the cache and probes the Redis connection. A
// failed probe disables L2 for the life of the process; the cache still
// works from L1 alone.
func NewMultiLayer(ctx context.Context, cfg Config) *MultiLayer {
	m := &MultiLayer{
		config: cfg,
		l1:     NewLRU(cfg.L1MaxSize, cfg.L1TTL),
		logger: logx.NewLogger("cache"),
	}

	if cfg.RedisURL == "" {
		m.logger.Info("no redis URL configured, running L1-only")
		return m
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		m.logger.Warn("invalid redis URL %q, running L1-only: %v", cfg.RedisURL, err)
		return m
	}

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		m.logger.Warn("redis unreachable, running L1-only: %v", err)
		_ = client.Close() //nolint:errcheck
		return m
	}

	m.redis = client
	m.logger.Info("redis connected: %s", cfg.RedisURL)
	return m
}

// Get looks up a key in L1 then L2, unmarshaling into dest. L2 hits are
// promoted to L1.
func (m *MultiLayer) Get(ctx context.Context, key string, dest any) bool {
	if data, ok := m.l1.Get(key); ok {
		m.count(&m.l1Hits)
		if err := json.Unmarshal(data, dest); err != nil {
			m.logger.Warn("corrupt L1 entry for %s: %v", key, err)
			m.l1.Delete(key)
			return false
		}
		return true
	}

	if m.redis != nil {
		data, err := m.redis.Get(ctx, key).Bytes()
		if err == nil {
			m.count(&m.l2Hits)
			if uerr := json.Unmarshal(data, dest); uerr != nil {
				m.logger.Warn("corrupt L2 entry for %s: %v", key, uerr)
				return false
			}
			m.l1.Set(key, data)
			return true
		}
		if err != redis.Nil { //nolint:errorlint // go-redis returns the sentinel directly
			m.logger.Debug("redis get failed for %s: %v", key, err)
		}
	}

	m.count(&m.misses)
	return false
}

// Set writes a value to both layers. L2 write failures are logged and
// swallowed.
func (m *MultiLayer) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}

	m.l1.Set(key, data)

	if m.redis != nil {
		if err := m.redis.Set(ctx, key, data, m.config.L2TTL).Err(); err != nil {
			m.logger.Debug("redis set failed for %s: %v", key, err)
		}
	}
	return nil
}

// Invalidate removes a key from both layers.
func (m *MultiLayer) Invalidate(ctx context.Context, key string) {
	m.l1.Delete(key)
	if m.redis != nil {
		if err := m.redis.Del(ctx, key).Err(); err != nil {
			m.logger.Debug("redis del failed for %s: %v", key, err)
		}
	}
}

// InvalidateService removes all L2 keys for one service and clears L1.
// L1 is not indexed by service, so the whole layer goes.
func (m *MultiLayer) InvalidateService(ctx context.Context, service string) {
	m.l1.Clear()

	if m.redis == nil {
		return
	}

	var cursor uint64
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, service+":*", 100).Result()
		if err != nil {
			m.logger.Debug("redis scan failed for %s: %v", service, err)
			return
		}
		if len(keys) > 0 {
			if err := m.redis.Del(ctx, keys...).Err(); err != nil {
				m.logger.Debug("redis del failed for %s: %v", service, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// RedisUp reports whether the L2 layer is active.
func (m *MultiLayer) RedisUp() bool {
	return m.redis != nil
}

// GetStats returns effectiveness counters.
func (m *MultiLayer) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		L1Hits:  m.l1Hits,
		L2Hits:  m.l2Hits,
		Misses:  m.misses,
		L1Size:  m.l1.Len(),
		RedisUp: m.redis != nil,
	}
}

// Close releases the Redis connection.
func (m *MultiLayer) Close() error {
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}

func (m *MultiLayer) count(c *int64) {
	m.mu.Lock()
	*c++
	m.mu.Unlock()
}
