package ics

import (
	"context"
	"sync"
)

const eventBufferSize = 16

// ChangeEvent is one change notification fanned out to advisory subscribers.
type ChangeEvent struct {
	SyncID          SyncID
	ChangeID        ChangeID
	SourceKey       SourceKey
	ParentSourceKey SourceKey
	ChangeType      ChangeType
}

// EventBus fans change notifications out to advisory subscribers, keyed by
// the parent source key of the changed object. Delivery is best effort: a
// subscriber that falls behind loses events instead of blocking writers, and
// the polling differential queries remain the source of truth.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*busSubscriber
	reconnects  map[int64]chan struct{}
	nextID      int64
}

type busSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string]map[int64]*busSubscriber),
		reconnects:  make(map[int64]chan struct{}),
	}
}

// Subscribe registers interest in changes under one parent source key. The
// returned cleanup is idempotent and also runs when the context ends.
func (b *EventBus) Subscribe(ctx context.Context, parentKey SourceKey) (<-chan ChangeEvent, func()) {
	if parentKey.IsZero() {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &busSubscriber{
		id:     b.nextSequence(),
		stream: make(chan ChangeEvent, eventBufferSize),
	}
	key := parentKey.String()
	b.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregisterSubscriber(key, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event to every subscriber of the parent key without
// blocking.
func (b *EventBus) Publish(event ChangeEvent) {
	if event.ParentSourceKey.IsZero() {
		return
	}
	key := event.ParentSourceKey.String()
	b.mu.RLock()
	subscribers := b.subscribers[key]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*busSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscribeReconnect registers for store reconnection signals so a consumer
// can re-issue its subscriptions after the backing connection is rebuilt.
func (b *EventBus) SubscribeReconnect(ctx context.Context) (<-chan struct{}, func()) {
	id := b.nextSequence()
	signal := make(chan struct{}, 1)
	b.mu.Lock()
	b.reconnects[id] = signal
	b.mu.Unlock()
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.reconnects, id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return signal, cleanup
}

// NotifyReconnect broadcasts a reconnection signal to every listener.
func (b *EventBus) NotifyReconnect() {
	b.mu.RLock()
	signals := make([]chan struct{}, 0, len(b.reconnects))
	for _, signal := range b.reconnects {
		signals = append(signals, signal)
	}
	b.mu.RUnlock()
	for _, signal := range signals {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

func (b *EventBus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *EventBus) registerSubscriber(key string, subscriber *busSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[int64]*busSubscriber)
	}
	b.subscribers[key][subscriber.id] = subscriber
}

func (b *EventBus) unregisterSubscriber(key string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, key)
		}
	}
	b.mu.Unlock()
}
