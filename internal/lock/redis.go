package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

const (
	// Default lock key prefix in Redis
	defaultKeyPrefix = "marathon:lock:event:"

	// Default lease - the holder must renew before this expires
	defaultLease = 10 * time.Second

	// Default retry interval while waiting for a held lock
	defaultRetryInterval = 50 * time.Millisecond
)

// Lua scripts only touch the key while the caller still owns it.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	// KeyPrefix is prepended to the event id
	KeyPrefix string

	// Lease is how long a lock survives without renewal
	Lease time.Duration

	// RetryInterval is how often a waiter retries
	RetryInterval time.Duration

	// Timeout bounds acquisition
	Timeout time.Duration

	// InstanceID identifies this process in logs
	InstanceID string
}

// RedisLocker is a lease-based lock shared by every instance that talks to
// the same Redis. The lease is renewed while held so a long transaction
// does not lose it, and expires on its own if the holder dies.
type RedisLocker struct {
	client *redis.Client
	logger zerolog.Logger
	config RedisConfig
}

// NewRedisLocker creates a distributed locker on an existing client.
func NewRedisLocker(client *redis.Client, config RedisConfig, logger zerolog.Logger) *RedisLocker {
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.Lease <= 0 {
		config.Lease = defaultLease
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}
	return &RedisLocker{
		client: client,
		logger: logger.With().Str("component", "event_lock").Str("instance_id", config.InstanceID).Logger(),
		config: config,
	}
}

// Lock acquires the lock for eventID.
func (r *RedisLocker) Lock(ctx context.Context, eventID string) (func(), error) {
	key := r.config.KeyPrefix + eventID
	token := uuid.New().String()
	started := time.Now()
	deadline := started.Add(r.config.Timeout)

	for {
		// SET NX PX takes the lock only if nobody holds it
		ok, err := r.client.SetNX(ctx, key, token, r.config.Lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn().Err(err).Str("key", key).Msg("lock backend unreachable")
			return nil, fmt.Errorf("acquire lock %s: %w: %v", key, ErrUnavailable, err)
		}
		if ok {
			telemetry.LockWaitDuration.WithLabelValues("redis").Observe(time.Since(started).Seconds())
			return r.hold(key, token), nil
		}

		if time.Now().After(deadline) {
			telemetry.LockTimeoutsTotal.WithLabelValues("redis").Inc()
			return nil, fmt.Errorf("event %s: %w", eventID, ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.config.RetryInterval):
		}
	}
}

// hold renews the lease until the returned release function is called.
func (r *RedisLocker) hold(key, token string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.config.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := renewScript.Run(ctx, r.client, []string{key}, token, r.config.Lease.Milliseconds()).Int()
				if err != nil && ctx.Err() == nil {
					r.logger.Error().Err(err).Str("key", key).Msg("failed to renew lock lease")
					continue
				}
				if n == 0 && ctx.Err() == nil {
					r.logger.Warn().Str("key", key).Msg("lost lock lease")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Error().Err(err).Str("key", key).Msg("failed to release lock")
			}
		})
	}
}
