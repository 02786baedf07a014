// Package session provides the in-memory Session Registry.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/flipside/internal/domain"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when creating an id that already exists.
	ErrDuplicateSession = errors.New("duplicate session id")
	// ErrResultConflict is returned when a completed session is completed
	// again with a different result.
	ErrResultConflict = errors.New("session already completed with a different result")
	// ErrAlreadyTerminal is returned when finalizing a session that already
	// finished the other way.
	ErrAlreadyTerminal = errors.New("session already in a terminal state")
)

// Patch carries optional field updates for Update. Nil fields are left alone.
type Patch struct {
	Status    *domain.SessionStatus
	BackendID *string
}

// Registry owns every Session record. It is safe for concurrent use and is
// constructed once per process and passed to whoever needs it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*domain.Session),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Create inserts a new session in the analyzing state.
func (r *Registry) Create(id string, input domain.SessionInput) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	now := r.now()
	s := &domain.Session{
		ID:        id,
		Status:    domain.StatusAnalyzing,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.sessions[id] = s
	return snapshot(s), nil
}

// Get returns a copy of the session. A missing id is a normal outcome.
func (r *Registry) Get(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return snapshot(s), true
}

// Update merges p into the session. Unknown ids, attempts to move a
// terminal session and attempts to reach a terminal status are logged and
// ignored.
func (r *Registry) Update(id string, p Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		slog.Warn("Session update for unknown id ignored", "session_id", id)
		return
	}
	if p.Status != nil && *p.Status != s.Status {
		// Terminal transitions go through MarkComplete and MarkError only.
		if s.Status.Terminal() || p.Status.Terminal() {
			slog.Warn("Refusing session status change",
				"session_id", id,
				"from", s.Status,
				"to", *p.Status,
			)
		} else {
			s.Status = *p.Status
		}
	}
	if p.BackendID != nil {
		s.BackendID = *p.BackendID
	}
	s.UpdatedAt = r.now()
}

// MarkComplete moves the session to done and stores result. Completing again
// with an identical result is a no-op.
func (r *Registry) MarkComplete(id string, result domain.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("mark complete %s: %w", id, ErrNotFound)
	}
	switch s.Status {
	case domain.StatusDone:
		if s.Result.Equal(result) {
			return nil
		}
		slog.Warn("Session completed twice with different results", "session_id", id)
		return fmt.Errorf("mark complete %s: %w", id, ErrResultConflict)
	case domain.StatusError:
		return fmt.Errorf("mark complete %s: %w", id, ErrAlreadyTerminal)
	}

	s.Status = domain.StatusDone
	s.Result = result.Clone()
	s.UpdatedAt = r.now()
	return nil
}

// MarkError moves the session to error. No result is stored.
func (r *Registry) MarkError(id string, info domain.ErrorInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("mark error %s: %w", id, ErrNotFound)
	}
	switch s.Status {
	case domain.StatusError:
		return nil
	case domain.StatusDone:
		return fmt.Errorf("mark error %s: %w", id, ErrAlreadyTerminal)
	}

	s.Status = domain.StatusError
	s.Result = nil
	s.Error = &info
	s.UpdatedAt = r.now()
	return nil
}

// Delete removes the session. Unknown ids are ignored.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Expired returns the ids of sessions created more than ttl before now.
func (r *Registry) Expired(ttl time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var ids []string
	for id, s := range r.sessions {
		if s.Age(now) > ttl {
			ids = append(ids, id)
		}
	}
	return ids
}

func snapshot(s *domain.Session) domain.Session {
	out := *s
	out.Result = s.Result.Clone()
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}
