package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/scenario"
	"github.com/ashureev/flipside/internal/schedule"
)

// Simulator replays a scenario timeline for every session.
type Simulator struct {
	sc       *scenario.Scenario
	result   domain.AnalysisResult
	sessions Sessions
	bus      Publisher
	sched    schedule.Scheduler

	mu      sync.Mutex
	running map[string]func()
}

// NewSimulator creates a Simulator. A nil scheduler uses real timers.
func NewSimulator(sc *scenario.Scenario, sessions Sessions, bus Publisher, sched schedule.Scheduler) (*Simulator, error) {
	result, err := sc.Result()
	if err != nil {
		return nil, err
	}
	if sched == nil {
		sched = schedule.Real()
	}
	return &Simulator{
		sc:       sc,
		result:   result,
		sessions: sessions,
		bus:      bus,
		sched:    sched,
		running:  make(map[string]func()),
	}, nil
}

// Name implements Producer.
func (s *Simulator) Name() string { return "simulator" }

// Result returns the payload every simulated session completes with.
func (s *Simulator) Result() domain.AnalysisResult { return s.result.Clone() }

// Start schedules the timeline for sess. Starting a running session is a no-op.
func (s *Simulator) Start(_ context.Context, sess domain.Session, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[sess.ID]; ok {
		return nil
	}

	plan := make(schedule.Plan, 0, len(s.sc.Timeline))
	for _, st := range s.sc.Timeline {
		st := st
		plan = append(plan, schedule.Step{
			Delay:  st.At,
			Effect: func() { s.emit(sess.ID, st) },
		})
	}
	s.running[sess.ID] = plan.Run(s.sched)

	slog.Info("Simulated analysis started",
		"session_id", sess.ID,
		"stages", len(plan),
		"duration", s.sc.Duration(),
	)
	return nil
}

// Cancel stops pending stages for sessionID.
func (s *Simulator) Cancel(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.running[sessionID]
	delete(s.running, sessionID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Simulator) emit(sessionID string, st scenario.Stage) {
	for _, spec := range st.Events {
		ev, err := s.sc.Event(sessionID, spec, s.result)
		if err != nil {
			slog.Error("Failed to build simulated event", "session_id", sessionID, "error", err)
			ev = domain.ErrorEvent{Code: "INTERNAL_ERROR", Message: "simulation failed"}
		}

		if !ev.Terminal() {
			s.bus.Publish(sessionID, ev)
			continue
		}

		s.Cancel(sessionID)
		if err := finalize(s.sessions, s.bus, sessionID, ev); err != nil {
			slog.Warn("Dropping simulated terminal event",
				"session_id", sessionID,
				"event_type", ev.Kind(),
				"error", fmt.Errorf("finalize: %w", err),
			)
		}
		return
	}
}
