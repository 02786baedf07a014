package stream

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/events"
)

const defaultReplaySize = 100

// BufferedEvent is an encoded event kept for replay.
type BufferedEvent struct {
	Seq        uint64
	Kind       domain.EventKind
	Data       []byte
	RecordedAt time.Time
}

// ReplayBuffer keeps the most recent events of every session so a
// reconnecting stream can resume from its Last-Event-ID. Each session gets its
// own bounded list; one session's burst never evicts another's events.
type ReplayBuffer struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewReplayBuffer creates a buffer holding up to maxSize events per session.
func NewReplayBuffer(maxSize int) *ReplayBuffer {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	return &ReplayBuffer{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Record encodes ev and appends it to the session's queue.
func (b *ReplayBuffer) Record(sessionID string, seq uint64, ev domain.Event) {
	data, err := domain.EncodeEvent(ev)
	if err != nil {
		slog.Warn("Failed to encode event for replay", "session_id", sessionID, "seq", seq, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.queues[sessionID]
	if !ok {
		l = list.New()
		b.queues[sessionID] = l
	}
	l.PushBack(BufferedEvent{Seq: seq, Kind: ev.Kind(), Data: data, RecordedAt: time.Now()})
	for l.Len() > b.maxSize {
		l.Remove(l.Front())
	}
}

// Attach subscribes the buffer to a session's events. Call it before the
// producer starts so nothing is missed.
func (b *ReplayBuffer) Attach(bus *events.Bus, sessionID string) (detach func()) {
	return bus.Subscribe(sessionID, events.Forward(sessionID, func(d events.Delivery) {
		b.Record(d.SessionID, d.Seq, d.Event)
	}))
}

// Since returns the buffered events with a sequence number above afterSeq.
func (b *ReplayBuffer) Since(sessionID string, afterSeq uint64) []BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.queues[sessionID]
	if !ok {
		return nil
	}
	var out []BufferedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(BufferedEvent)
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of buffered events for a session.
func (b *ReplayBuffer) Len(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l, ok := b.queues[sessionID]; ok {
		return l.Len()
	}
	return 0
}

// Prune drops a session's queue.
func (b *ReplayBuffer) Prune(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sessionID)
}
