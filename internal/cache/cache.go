// Package cache wraps go-redis v9 for read-side caching of loans, lists and
// statistics. Redis being down degrades to cache misses; it never blocks a
// request path.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLs per object class.
const (
	LoanTTL  = 5 * time.Minute
	ListTTL  = time.Minute
	StatsTTL = 2 * time.Minute
)

var ErrMiss = errors.New("cache: miss")

// Keys builds the cache key namespace.
type Keys struct{}

func (Keys) Loan(id string) string { return "loan:" + id }

func (Keys) LoanStats(countryCode string) string {
	if countryCode == "" {
		return "stats:loans:all"
	}
	return "stats:loans:" + countryCode
}
func (Keys) User(id string) string { return "user:" + id }

// LoanListPattern matches every cached loan list.
const LoanListPattern = "loans:*"

// Cache is a thin JSON cache over Redis.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis with the URL form redis://host:port/db.
func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache: redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("redis connected", "addr", opts.Addr)
	return &Cache{rdb: rdb}, nil
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping reports backend health for readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get unmarshals the cached value into dst, ErrMiss when absent.
func (c *Cache) Get(ctx context.Context, key string, dst any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	return json.Unmarshal(raw, dst)
}

// Set stores value as JSON with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// Delete removes keys; missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// DeletePattern scans and removes keys matching pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan %s: %w", pattern, err)
	}
	return c.Delete(ctx, keys...)
}

// InvalidateLoan drops every cached view a loan change can stale: the loan
// itself, the country stats, the global stats and all list pages.
func (c *Cache) InvalidateLoan(ctx context.Context, loanID, countryCode string) {
	var keys Keys
	if err := c.Delete(ctx, keys.Loan(loanID), keys.LoanStats(countryCode), keys.LoanStats("")); err != nil {
		slog.Warn("cache invalidation failed", "loan", loanID, "error", err)
	}
	if err := c.DeletePattern(ctx, LoanListPattern); err != nil {
		slog.Warn("cache list invalidation failed", "error", err)
	}
}
