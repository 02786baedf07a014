// Package events provides the typed per-session publish/subscribe bus that
// connects producers to stream transports.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/flipside/internal/domain"
)

// Handlers receives events for one session. Nil callbacks are skipped.
// Every callback receives the per-session sequence number of the event.
type Handlers struct {
	OnAgentStatus func(seq uint64, ev domain.AgentStatusEvent)
	OnPanelUpdate func(seq uint64, ev domain.PanelUpdateEvent)
	OnComplete    func(seq uint64, ev domain.CompleteEvent)
	OnError       func(seq uint64, ev domain.ErrorEvent)
}

// Delivery is a single published event together with its routing data.
type Delivery struct {
	SessionID string
	Seq       uint64
	Event     domain.Event
}

// Forward returns Handlers that pass every event kind to fn.
func Forward(sessionID string, fn func(Delivery)) Handlers {
	return Handlers{
		OnAgentStatus: func(seq uint64, ev domain.AgentStatusEvent) {
			fn(Delivery{SessionID: sessionID, Seq: seq, Event: ev})
		},
		OnPanelUpdate: func(seq uint64, ev domain.PanelUpdateEvent) {
			fn(Delivery{SessionID: sessionID, Seq: seq, Event: ev})
		},
		OnComplete: func(seq uint64, ev domain.CompleteEvent) {
			fn(Delivery{SessionID: sessionID, Seq: seq, Event: ev})
		},
		OnError: func(seq uint64, ev domain.ErrorEvent) {
			fn(Delivery{SessionID: sessionID, Seq: seq, Event: ev})
		},
	}
}

type subscriber struct {
	h      Handlers
	closed atomic.Bool
}

func (s *subscriber) deliver(seq uint64, ev domain.Event) {
	if s.closed.Load() {
		return
	}
	switch e := ev.(type) {
	case domain.AgentStatusEvent:
		if s.h.OnAgentStatus != nil {
			s.h.OnAgentStatus(seq, e)
		}
	case domain.PanelUpdateEvent:
		if s.h.OnPanelUpdate != nil {
			s.h.OnPanelUpdate(seq, e)
		}
	case domain.CompleteEvent:
		if s.h.OnComplete != nil {
			s.h.OnComplete(seq, e)
		}
	case domain.ErrorEvent:
		if s.h.OnError != nil {
			s.h.OnError(seq, e)
		}
	}
}

type topic struct {
	// publish serializes publishers so subscribers observe publish order.
	publish sync.Mutex
	seq     uint64
	subs    []*subscriber
}

// Bus fans events out to the subscribers of each session. There is no
// buffering: a subscriber only sees events published after it subscribed.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicLocked(sessionID string) *topic {
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{}
		b.topics[sessionID] = t
	}
	return t
}

// Subscribe registers h for sessionID and returns its unsubscribe function.
// Unsubscribe is idempotent and may be called from inside a handler. Once it
// returns, no further events are delivered to h; a delivery that had already
// begun on another goroutine is allowed to finish.
func (b *Bus) Subscribe(sessionID string, h Handlers) (unsubscribe func()) {
	sub := &subscriber{h: h}

	b.mu.Lock()
	t := b.topicLocked(sessionID)
	t.subs = append(t.subs, sub)
	b.mu.Unlock()

	return func() {
		if sub.closed.Swap(true) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		cur, ok := b.topics[sessionID]
		if !ok {
			return
		}
		for i, s := range cur.subs {
			if s == sub {
				cur.subs = append(cur.subs[:i:i], cur.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every current subscriber of sessionID, synchronously
// and in order, and returns the sequence number assigned to it.
func (b *Bus) Publish(sessionID string, ev domain.Event) uint64 {
	b.mu.Lock()
	t := b.topicLocked(sessionID)
	b.mu.Unlock()

	t.publish.Lock()
	defer t.publish.Unlock()

	b.mu.Lock()
	t.seq++
	seq := t.seq
	subs := append([]*subscriber(nil), t.subs...)
	b.mu.Unlock()

	slog.Debug("Publishing stream event",
		"session_id", sessionID,
		"event_type", ev.Kind(),
		"seq", seq,
		"subscribers", len(subs),
	)

	for _, s := range subs {
		s.deliver(seq, ev)
	}
	return seq
}

// PublishAgentStatus publishes an agent-status event.
func (b *Bus) PublishAgentStatus(sessionID string, ev domain.AgentStatusEvent) uint64 {
	return b.Publish(sessionID, ev)
}

// PublishPanelUpdate publishes a panel-update event.
func (b *Bus) PublishPanelUpdate(sessionID string, ev domain.PanelUpdateEvent) uint64 {
	return b.Publish(sessionID, ev)
}

// PublishComplete publishes the successful terminal event.
func (b *Bus) PublishComplete(sessionID string, ev domain.CompleteEvent) uint64 {
	return b.Publish(sessionID, ev)
}

// PublishError publishes the failed terminal event.
func (b *Bus) PublishError(sessionID string, ev domain.ErrorEvent) uint64 {
	return b.Publish(sessionID, ev)
}

// SubscriberCount returns the number of live subscribers for sessionID.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[sessionID]; ok {
		return len(t.subs)
	}
	return 0
}

// Drop forgets sessionID. Existing subscribers stop receiving events.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.mu.Lock()
	subs := t.subs
	t.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.closed.Store(true)
	}
}
