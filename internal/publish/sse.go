// Package publish implements the Publication Layer (C8): a Server-Sent
// Events bus with a bounded replay buffer, a JSON snapshot API, health
// endpoints, and a cardinality-capped Prometheus exposition — the read-only
// surface every other component's state flows out through.
package publish

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Event is one SSE message: a monotonically increasing sequence number plus
// a JSON-serializable payload. Seq lets a reconnecting client detect gaps
// and request backlog replay without needing a full-duplex protocol.
type Event struct {
	Seq     uint64 `json:"seq"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans out Events to every subscribed SSE client and keeps the last N
// in a ring buffer so a client that reconnects with a Last-Event-ID can
// replay what it missed instead of requiring a full resync.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	seq         atomic.Uint64
	replay      []Event
	replayCap   int
}

func NewBus(replayCap int) *Bus {
	if replayCap <= 0 {
		replayCap = 1024
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		replay:      make([]Event, 0, replayCap),
		replayCap:   replayCap,
	}
}

// Publish assigns the next sequence number to payload and delivers it to
// every current subscriber, dropping it for any subscriber whose buffer is
// full rather than blocking the publisher.
func (b *Bus) Publish(eventType string, payload any) Event {
	ev := Event{Seq: b.seq.Add(1), Type: eventType, Payload: payload}

	b.mu.Lock()
	b.replay = append(b.replay, ev)
	if len(b.replay) > b.replayCap {
		b.replay = b.replay[len(b.replay)-b.replayCap:]
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a new client and returns its event channel plus any
// buffered events with Seq > lastSeen (0 means "no replay, start fresh").
// Call unsubscribe when the client disconnects.
func (b *Bus) Subscribe(lastSeen uint64) (ch <-chan Event, backlog []Event, unsubscribe func()) {
	s := &subscriber{ch: make(chan Event, 256)}

	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	if lastSeen > 0 {
		for _, ev := range b.replay {
			if ev.Seq > lastSeen {
				backlog = append(backlog, ev)
			}
		}
	}
	b.mu.Unlock()

	return s.ch, backlog, func() {
		b.mu.Lock()
		delete(b.subscribers, s)
		b.mu.Unlock()
		close(s.ch)
	}
}

// SubscriberCount reports how many clients are currently connected.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev.Payload)
}
