/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesOneEvent(t *testing.T) {
	l := NewLocalLocker(time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "ev")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, l.slots)
}

func TestLocalLockerEventsDoNotContend(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)

	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLockerTimeout(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)

	unlock, err := l.Lock(context.Background(), "ev")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "ev")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	unlock()
	unlock() // second call is a no-op

	unlock, err = l.Lock(context.Background(), "ev")
	require.NoError(t, err)
	unlock()
}

func TestLocalLockerContextCancel(t *testing.T) {
	l := NewLocalLocker(time.Second)

	unlock, err := l.Lock(context.Background(), "ev")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "ev")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("MARATHON_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MARATHON_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	cfg := RedisConfig{KeyPrefix: "marathon:test:lock:", Lease: time.Second, Timeout: 100 * time.Millisecond}
	a := NewRedisLocker(client, cfg, zerolog.Nop())
	b := NewRedisLocker(client, cfg, zerolog.Nop())

	unlock, err := a.Lock(context.Background(), t.Name())
	require.NoError(t, err)

	_, err = b.Lock(context.Background(), t.Name())
	require.ErrorIs(t, err, ErrTimeout)

	unlock()
	unlock, err = b.Lock(context.Background(), t.Name())
	require.NoError(t, err)
	unlock()
}

func TestRedisLockerUnreachableIsRetryable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedisLocker(client, RedisConfig{Timeout: time.Second}, zerolog.Nop())
	release, err := l.Lock(context.Background(), "ev-down")
	require.Error(t, err)
	assert.Nil(t, release)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrTimeout)
}
