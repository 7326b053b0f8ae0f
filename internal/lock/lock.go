/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lock serializes schedule writes per event.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

// ErrTimeout is returned when the event lock could not be acquired in time.
// Callers may retry.
var ErrTimeout = errors.New("timed out waiting for event schedule lock")

// ErrUnavailable is returned when the lock backend cannot be reached. It
// wraps ErrTimeout so callers treat it as retryable contention.
var ErrUnavailable = fmt.Errorf("%w: lock backend unavailable", ErrTimeout)

// DefaultTimeout bounds lock acquisition when none is configured.
const DefaultTimeout = 5 * time.Second

// Locker grants exclusive access to one event's schedule.
type Locker interface {
	// Lock blocks until the event is locked, the timeout passes or ctx is
	// done. The returned function releases the lock.
	Lock(ctx context.Context, eventID string) (func(), error)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. Events never contend with
// each other.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LocalLocker{slots: make(map[string]*slot), timeout: timeout}
}

// Lock acquires the lock for eventID.
func (l *LocalLocker) Lock(ctx context.Context, eventID string) (func(), error) {
	started := time.Now()

	l.mu.Lock()
	s, ok := l.slots[eventID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[eventID] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		telemetry.LockWaitDuration.WithLabelValues("local").Observe(time.Since(started).Seconds())
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(eventID, s)
			})
		}, nil
	case <-timer.C:
		l.release(eventID, s)
		telemetry.LockTimeoutsTotal.WithLabelValues("local").Inc()
		return nil, fmt.Errorf("event %s: %w", eventID, ErrTimeout)
	case <-ctx.Done():
		l.release(eventID, s)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(eventID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, eventID)
	}
}
