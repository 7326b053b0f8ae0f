/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache keeps rendered schedule views in Redis. Every call goes
// through a circuit breaker so a flapping Redis degrades to cache misses
// instead of slowing readers down.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

// DefaultScheduleTTL bounds how stale a view can get if an invalidation is lost.
const DefaultScheduleTTL = 10 * time.Minute

// Key prefixes for Redis cache
const (
	KeyPrefix   = "marathon:cache:"
	KeySchedule = KeyPrefix + "schedule:" // + event_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ScheduleTTL time.Duration

	// Breaker trips after this many consecutive Redis failures and stays
	// open for BreakerTimeout.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:        "localhost:6379",
		ScheduleTTL:      DefaultScheduleTTL,
		FailureThreshold: 3,
		BreakerTimeout:   30 * time.Second,
	}
}

// Cache provides Redis-backed caching with graceful fallback. A nil *Cache
// is valid and always misses.
type Cache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger
	config  Config
}

// New creates a new cache instance. An unreachable Redis is logged and the
// cache starts with its breaker open rather than failing startup.
func New(cfg Config, logger zerolog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	c := newWithClient(client, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.breaker.Execute(func() ([]byte, error) {
		return nil, client.Ping(ctx).Err()
	}); err != nil {
		c.logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis cache unavailable, serving from the database")
		return c
	}

	c.logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return c
}

func newWithClient(client *redis.Client, cfg Config, logger zerolog.Logger) *Cache {
	defaults := DefaultConfig()
	if cfg.ScheduleTTL <= 0 {
		cfg.ScheduleTTL = defaults.ScheduleTTL
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}

	logger = logger.With().Str("component", "cache").Logger()
	c := &Cache{client: client, logger: logger, config: cfg}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// A miss is an answer, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("cache circuit breaker state changed")
		},
	})
	return c
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsAvailable reports whether calls currently reach Redis.
func (c *Cache) IsAvailable() bool {
	return c != nil && c.client != nil && c.breaker.State() != gobreaker.StateOpen
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.client == nil {
		return false
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		return c.client.Get(ctx, key).Bytes()
	})
	switch {
	case errors.Is(err, redis.Nil):
		telemetry.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		telemetry.CacheRequestsTotal.WithLabelValues("bypass").Inc()
		return false
	case err != nil:
		c.logger.Debug().Err(err).Str("key", key).Msg("cache get failed")
		telemetry.CacheRequestsTotal.WithLabelValues("error").Inc()
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		telemetry.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return false
	}
	telemetry.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return true
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	_, err = c.breaker.Execute(func() ([]byte, error) {
		return nil, c.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// delete removes keys from cache.
func (c *Cache) delete(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.breaker.Execute(func() ([]byte, error) {
		return nil, c.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// GetSchedule loads the cached schedule view of an event into dest.
func (c *Cache) GetSchedule(ctx context.Context, eventID string, dest any) bool {
	return c.get(ctx, KeySchedule+eventID, dest)
}

// SetSchedule caches the schedule view of an event.
func (c *Cache) SetSchedule(ctx context.Context, eventID string, view any) error {
	if c == nil {
		return nil
	}
	return c.set(ctx, KeySchedule+eventID, view, c.config.ScheduleTTL)
}

// InvalidateSchedule drops the cached view of an event.
func (c *Cache) InvalidateSchedule(ctx context.Context, eventID string) error {
	if c != nil {
		c.logger.Debug().Str("event_id", eventID).Msg("invalidating schedule cache")
	}
	return c.delete(ctx, KeySchedule+eventID)
}

// Start drops cached views whenever a schedule change is published, until
// ctx is done.
func (c *Cache) Start(ctx context.Context, bus events.Broker) {
	if c == nil || bus == nil {
		return
	}

	scheduleChanged := bus.Subscribe(events.EventScheduleChanged)
	interstitialChanged := bus.Subscribe(events.EventInterstitialChanged)
	defer func() {
		bus.Unsubscribe(events.EventScheduleChanged, scheduleChanged)
		bus.Unsubscribe(events.EventInterstitialChanged, interstitialChanged)
	}()

	for {
		var payload events.Payload
		select {
		case <-ctx.Done():
			return
		case payload = <-scheduleChanged:
		case payload = <-interstitialChanged:
		}

		eventID := payload.EventID()
		if eventID == "" {
			continue
		}
		if err := c.InvalidateSchedule(ctx, eventID); err != nil {
			c.logger.Warn().Err(err).Str("event_id", eventID).Msg("failed to invalidate schedule cache")
		}
	}
}
