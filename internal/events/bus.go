/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"sync"
	"sync/atomic"
)

// EventType names a schedule notification.
type EventType string

const (
	// EventScheduleChanged fires after a schedule operation commits.
	EventScheduleChanged EventType = "schedule.changed"
	// EventInterstitialChanged fires after interstitial CRUD commits.
	EventInterstitialChanged EventType = "interstitial.changed"
	// EventEventCreated fires when a new marathon event is created.
	EventEventCreated EventType = "event.created"
	// EventIntegrityReport carries the result of a background scan.
	EventIntegrityReport EventType = "integrity.report"
)

// subscriberBuffer is how many notifications a subscriber may lag behind.
const subscriberBuffer = 32

// Broker is the publish/subscribe surface shared by the in-process bus and
// the networked buses.
type Broker interface {
	Subscribe(eventType EventType) Subscriber
	Publish(eventType EventType, payload Payload)
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Payload is the body of a notification.
type Payload map[string]any

// EventID returns the marathon event the notification is about.
func (p Payload) EventID() string {
	id, _ := p["event_id"].(string)
	return id
}

// Count reads an integer field. Payloads that crossed NATS carry JSON
// numbers, so float64 is accepted as well.
func (p Payload) Count(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Subscriber receives payloads. A subscriber that falls more than
// subscriberBuffer notifications behind misses the overflow.
type Subscriber chan Payload

// Bus fans notifications out to in-process subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]Subscriber
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for eventType.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers payload to every current subscriber without blocking.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Unsubscribe detaches sub and closes it. Unknown subscribers are ignored.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate != sub {
			continue
		}
		b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
		if len(b.subs[eventType]) == 0 {
			delete(b.subs, eventType)
		}
		close(sub)
		return
	}
}
