package conversation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/schedule"
)

// Reply is the result of one conversation turn.
type Reply struct {
	Response string
	State    domain.ConversationState
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Script    Script
	Scheduler schedule.Scheduler
	Logger    Logger
	// OnStartAnalysis runs when the belief-before score arrives.
	OnStartAnalysis func(sessionID string)
	// OnComplete receives the final state of every completed conversation.
	OnComplete func(state domain.ConversationState)
	// OnEvict receives the state of an unfinished conversation dropped by
	// Evict, so it can be restored later.
	OnEvict func(state domain.ConversationState)
}

type entry struct {
	mu     sync.Mutex
	state  domain.ConversationState
	search schedule.Timer
	reset  bool
}

// Manager owns one ConversationState per session id and serializes turns
// within a session. Sessions never share a lock.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a Manager. A nil Scheduler uses real timers and a nil
// Logger discards turn logs.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Scheduler == nil {
		cfg.Scheduler = schedule.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	return &Manager{cfg: cfg, entries: make(map[string]*entry)}
}

func (m *Manager) entry(sessionID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &entry{state: domain.NewConversationState(sessionID)}
		e.state.UpdatedAt = m.cfg.Scheduler.Now()
		m.entries[sessionID] = e
	}
	return e
}

// Turn feeds one input to the session's conversation.
func (m *Manager) Turn(sessionID string, in Input) (Reply, error) {
	for {
		reply, err := m.turn(sessionID, m.entry(sessionID), in)
		if errors.Is(err, errEntryReset) {
			continue
		}
		return reply, err
	}
}

var errEntryReset = errors.New("conversation entry reset")

func (m *Manager) turn(sessionID string, e *entry, in Input) (Reply, error) {
	e.mu.Lock()
	if e.reset {
		e.mu.Unlock()
		return Reply{}, errEntryReset
	}

	prev := e.state
	next, out, effects, err := Transition(prev, in, m.cfg.Script)
	if err != nil {
		e.mu.Unlock()
		slog.Debug("Conversation input rejected",
			"session_id", sessionID,
			"phase", prev.Phase,
			"input", in.Kind,
			"error", err,
		)
		return Reply{}, err
	}

	now := m.cfg.Scheduler.Now()
	if out.Mutated {
		if out.UserMessage != "" {
			next.Messages = append(next.Messages, domain.ChatMessage{Role: domain.RoleUser, Content: out.UserMessage, Timestamp: now})
		}
		next.Messages = append(next.Messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: out.Response, Timestamp: now})
		next.UpdatedAt = now
		e.state = next
	}

	startAnalysis := false
	for _, eff := range effects {
		switch eff := eff.(type) {
		case StartAnalysis:
			startAnalysis = true
		case ScheduleSearch:
			if e.search != nil {
				e.search.Stop()
			}
			e.search = m.cfg.Scheduler.AfterFunc(eff.Delay, func() {
				m.finishSearch(sessionID, e)
			})
		}
	}

	state := e.state.Clone()
	completed := out.Mutated && prev.Phase != domain.PhaseComplete && state.IsComplete()
	e.mu.Unlock()

	m.logTurn(sessionID, prev.Phase, in, out, state.Phase)

	if startAnalysis && m.cfg.OnStartAnalysis != nil {
		m.cfg.OnStartAnalysis(sessionID)
	}
	if completed && m.cfg.OnComplete != nil {
		m.cfg.OnComplete(state)
	}

	return Reply{Response: out.Response, State: state}, nil
}

func (m *Manager) finishSearch(sessionID string, e *entry) {
	e.mu.Lock()
	stale := e.reset
	e.search = nil
	e.mu.Unlock()
	if stale {
		return
	}
	if _, err := m.turn(sessionID, e, SearchComplete()); err != nil && !errors.Is(err, errEntryReset) {
		slog.Warn("Search completion rejected", "session_id", sessionID, "error", err)
	}
}

// Snapshot returns a copy of the session's state. Unknown ids yield the
// initial state without creating an entry.
func (m *Manager) Snapshot(sessionID string) domain.ConversationState {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return domain.NewConversationState(sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Lookup returns the session's state if the manager tracks it.
func (m *Manager) Lookup(sessionID string) (domain.ConversationState, bool) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return domain.ConversationState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

// Restore installs a previously archived state for sessionID. A state saved
// mid-search gets a fresh search timer.
func (m *Manager) Restore(state domain.ConversationState) {
	e := &entry{state: state.Clone()}
	if e.state.IsSearching {
		e.search = m.cfg.Scheduler.AfterFunc(m.cfg.Script.SearchDelay, func() {
			m.finishSearch(state.SessionID, e)
		})
	}
	m.mu.Lock()
	old := m.entries[state.SessionID]
	m.entries[state.SessionID] = e
	m.mu.Unlock()
	if old != nil {
		old.invalidate()
	}
}

// Reset forgets the session's conversation and cancels its pending search.
func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	delete(m.entries, sessionID)
	m.mu.Unlock()
	if ok {
		e.invalidate()
	}
}

// Evict is Reset for expiring sessions: an unfinished conversation with at
// least one turn is handed to OnEvict first.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	delete(m.entries, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	state := e.state.Clone()
	e.mu.Unlock()
	e.invalidate()

	if len(state.Messages) == 0 || state.IsComplete() || m.cfg.OnEvict == nil {
		return
	}
	slog.Debug("Handing off unfinished conversation", "session_id", sessionID, "phase", state.Phase)
	m.cfg.OnEvict(state)
}

// Len returns the number of tracked conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (e *entry) invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset = true
	if e.search != nil {
		e.search.Stop()
		e.search = nil
	}
}

func (m *Manager) logTurn(sessionID string, from domain.Phase, in Input, out Output, to domain.Phase) {
	ts := m.cfg.Scheduler.Now().UTC().Format(time.RFC3339Nano)
	if out.UserMessage != "" {
		m.cfg.Logger.Log(LogEvent{
			Timestamp:  ts,
			SessionID:  sessionID,
			Channel:    "chat_http",
			Direction:  "outbound",
			EventType:  "chat_user_message",
			Phase:      string(from),
			ContentRaw: out.UserMessage,
			Meta:       map[string]any{"input": in.Kind.String()},
		})
	}
	m.cfg.Logger.Log(LogEvent{
		Timestamp:  ts,
		SessionID:  sessionID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		Phase:      string(to),
		ContentRaw: out.Response,
		Meta: map[string]any{
			"input":   in.Kind.String(),
			"mutated": out.Mutated,
		},
	})
}
