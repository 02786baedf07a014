// Package producer emits analysis events for a session. Exactly one
// implementation is chosen at startup: the in-process Simulator or the Proxy
// that forwards a real analysis backend.
package producer

import (
	"context"
	"errors"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/session"
)

// ErrBackend marks failures of the upstream analysis backend.
var ErrBackend = errors.New("analysis backend error")

// Producer drives one session from analyzing to a terminal state.
type Producer interface {
	// Start begins emitting events for s. The context only bounds startup;
	// emission continues until a terminal event or Cancel.
	Start(ctx context.Context, s domain.Session, content string) error
	// Cancel stops emission for the session. Unknown ids are ignored.
	Cancel(sessionID string)
	Name() string
}

// Sessions is the part of the session registry a producer writes to.
type Sessions interface {
	Update(id string, p session.Patch)
	MarkComplete(id string, result domain.AnalysisResult) error
	MarkError(id string, info domain.ErrorInfo) error
}

// Publisher is the part of the event bus a producer writes to.
type Publisher interface {
	Publish(sessionID string, ev domain.Event) uint64
}

// finalize records a terminal event in the registry before it is published,
// so a reader reacting to the event always sees the terminal status.
func finalize(sessions Sessions, bus Publisher, sessionID string, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.CompleteEvent:
		if err := sessions.MarkComplete(sessionID, e.Result); err != nil {
			return err
		}
	case domain.ErrorEvent:
		if err := sessions.MarkError(sessionID, e.Info()); err != nil {
			return err
		}
	}
	bus.Publish(sessionID, ev)
	return nil
}
