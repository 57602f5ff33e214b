// Package eventbus implements the in-process publish/subscribe mechanism
// backing an agent's structured event stream. Events are
// retained in a bounded ring so a late subscriber can replay from a
// since_seq cursor, and a subscriber that falls behind is dropped rather
// than allowed to block publishers.
//
// One publisher (the runtime), many subscribers, bounded queues everywhere.
package eventbus

import (
	"sync"
	"time"
)

// Kind enumerates the event taxonomy.
type Kind string

const (
	KindTurnStarted         Kind = "turn_started"
	KindTurnFinished        Kind = "turn_finished"
	KindTurnCapped          Kind = "turn_capped"
	KindToolCallStarted     Kind = "tool_call_started"
	KindToolCallFinished    Kind = "tool_call_finished"
	KindPeerMessageReceived Kind = "peer_message_received"
	KindPeerMessageSent     Kind = "peer_message_sent"
	KindModelRequest        Kind = "model_request"
	KindModelResponse       Kind = "model_response"
	KindError               Kind = "error"
	KindConnected           Kind = "connected"
	KindDisconnected        Kind = "disconnected"
	KindShutdownRequested   Kind = "shutdown_requested"
)

// Event is one append-only record in an agent's event log.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	Kind          Kind           `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Peer          string         `json:"peer,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Seq           uint64         `json:"seq"`
}

// subscriberQueueSize bounds how far a subscriber may lag before it is
// dropped; sized generously for a single conversation's worth of event
// bursts without letting one slow reader pin memory indefinitely.
const subscriberQueueSize = 256

// defaultRingSize is the default retained event count supporting replay from
// since_seq ("bounded ring (default 1000)").
const defaultRingSize = 1000

type subscriber struct {
	ch     chan Event
	done   chan struct{}
	closed bool
}

// Bus is a single agent's event bus: one publisher (the runtime), many
// subscribers (control-socket subscribe_events streams).
type Bus struct {
	mu          sync.Mutex
	ring        []Event
	ringHead    int // index of the oldest retained event in ring, once full
	ringLen     int
	ringCap     int
	nextSeq     uint64
	subscribers map[*subscriber]struct{}
}

// New creates an event bus with the given ring capacity; zero or negative
// uses the default of 1000.
func New(ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = defaultRingSize
	}
	return &Bus{
		ring:        make([]Event, ringCap),
		ringCap:     ringCap,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish appends an event to the ring (assigning the next sequence number)
// and fans it out to every live subscriber. A subscriber whose queue is full
// is dropped immediately rather than blocking the publisher.
func (b *Bus) Publish(kind Kind, correlationID, peer string, payload map[string]any) Event {
	b.mu.Lock()
	ev := Event{
		Seq:           b.nextSeq,
		Timestamp:     time.Now(),
		Kind:          kind,
		CorrelationID: correlationID,
		Peer:          peer,
		Payload:       payload,
	}
	b.nextSeq++

	idx := int(ev.Seq % uint64(b.ringCap))
	b.ring[idx] = ev
	if b.ringLen < b.ringCap {
		b.ringLen++
	} else {
		b.ringHead = (idx + 1) % b.ringCap
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
			b.drop(s)
		}
	}
	return ev
}

// drop removes a subscriber and closes its channel; safe to call multiple
// times for the same subscriber.
func (b *Bus) drop(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// oldestSeq returns the sequence number of the oldest retained event, or the
// current next-seq if the ring is empty (nothing to replay).
func (b *Bus) oldestSeq() uint64 {
	if b.ringLen == 0 {
		return b.nextSeq
	}
	return b.ring[b.ringHead].Seq
}

// Subscribe returns a channel of events starting at sinceSeq (or from the
// oldest retained event if sinceSeq predates the ring, or from now if
// sinceSeq is negative), plus a cancel function the caller must call to stop
// receiving and release resources.
func (b *Bus) Subscribe(sinceSeq int64) (<-chan Event, func()) {
	b.mu.Lock()

	s := &subscriber{
		ch:   make(chan Event, subscriberQueueSize),
		done: make(chan struct{}),
	}

	var backlog []Event
	if sinceSeq >= 0 {
		start := uint64(sinceSeq)
		oldest := b.oldestSeq()
		if start < oldest {
			start = oldest
		}
		backlog = make([]Event, 0, b.ringLen)
		for i := 0; i < b.ringLen; i++ {
			ev := b.ring[(b.ringHead+i)%b.ringCap]
			if ev.Seq >= start {
				backlog = append(backlog, ev)
			}
		}
	}

	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	out := make(chan Event, subscriberQueueSize)
	go func() {
		defer close(out)
		for _, ev := range backlog {
			select {
			case out <- ev:
			case <-s.done:
				return
			}
		}
		for ev := range s.ch {
			select {
			case out <- ev:
			case <-s.done:
				return
			}
		}
	}()

	cancel := func() {
		close(s.done)
		b.drop(s)
	}
	return out, cancel
}

// Len returns the count of subscribers currently attached, for tests and
// introspection.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
