// Package events is the typed multi-subscriber broadcast bus the core
// orchestrator publishes operational events on. It generalizes the
// teacher's per-connection WebSocket outbox (one buffered channel per
// client, drop-on-full so a slow reader never blocks the publisher)
// into a pure in-process bus with no transport attached; the
// operator-facing API layer subscribes and forwards to WebSocket
// clients. Events are forwarded exactly as published: addresses in
// event payloads are not masked or aliased at that boundary.
package events

import (
	"sync"
	"time"
)

// Kind identifies the shape of an Event's Data payload.
type Kind string

const (
	KindStatus               Kind = "status"
	KindStats                Kind = "stats"
	KindRegistrationProgress Kind = "registration_progress"
	KindMiningStart          Kind = "mining_start"
	KindHashProgress         Kind = "hash_progress"
	KindSolutionSubmit       Kind = "solution_submit"
	KindSolutionResult       Kind = "solution_result"
	KindWorkerUpdate         Kind = "worker_update"
	KindSolution             Kind = "solution"
	KindDevFeeTriggered      Kind = "dev_fee_triggered"
	KindError                Kind = "error"
)

// Event is one published occurrence.
type Event struct {
	Kind Kind         `json:"kind"`
	At   time.Time    `json:"at"`
	Data interface{}  `json:"data"`
}

// subscriberBuffer is the per-subscriber outbox depth. A slow or
// disconnected subscriber never blocks publishers; excess events are
// dropped for that subscriber only.
const subscriberBuffer = 256

// Bus is a typed multi-subscriber broadcast bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	nextID      uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel along
// with an Unsubscribe func that must be called when the caller is done
// reading (typically deferred).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans an event out to every current subscriber. A subscriber
// whose buffer is full has the event dropped for it, not the others.
func (b *Bus) Publish(kind Kind, data interface{}) {
	ev := Event{Kind: kind, At: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
