// Package events fans realtime session events out to stream
// subscribers. The verification flow publishes after every handoff and
// the staleness sweeper after every sweep; the SSE transport subscribes
// one channel per connected client.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber channel capacity. A handoff
// happens at most every few seconds per chain, so a full buffer means
// the client stopped reading; dropped events are recovered by
// re-reading the chain roster.
const subscriberBuffer = 16

// Event is one realtime message scoped to a session. Payload is
// JSON-marshaled at the transport edge.
type Event struct {
	SessionID string
	Name      string
	Payload   any
}

type subscriber struct {
	sessionID string
	ch        chan Event
}

// Broadcaster distributes events to all subscribers of a session.
// Publishing never blocks: a subscriber whose buffer is full skips the
// event.
type Broadcaster struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewBroadcaster(log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log,
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a consumer for sessionID's events. The returned
// cancel func unregisters and closes the channel; it is safe to call
// more than once.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers e to every subscriber of its session. Non-blocking:
// slow subscribers drop the event.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.sessionID != e.SessionID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.log.Debug("subscriber buffer full, event dropped",
				zap.String("session_id", e.SessionID),
				zap.String("event", e.Name))
		}
	}
}

// SubscriberCount returns how many consumers sessionID currently has.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for sub := range b.subs {
		if sub.sessionID == sessionID {
			n++
		}
	}
	return n
}
