package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/schedule"
)

// ResultFetcher is the part of Client the Poller needs.
type ResultFetcher interface {
	Result(ctx context.Context, sessionID string) (Result, error)
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Fetcher   ResultFetcher
	Scheduler schedule.Scheduler
	Grace     time.Duration
	Interval  time.Duration
	Timeout   time.Duration
	// OnTerminal receives the first done or error result.
	OnTerminal func(Result)
}

// Poller fetches the session result on an interval while the stream is not
// connected. It stops for good once a terminal result is applied.
type Poller struct {
	cfg PollerConfig

	mu        sync.Mutex
	gen       uint64
	sessionID string
	connected bool
	finished  bool
	timer     schedule.Timer
	polling   bool
}

// NewPoller creates an idle Poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Scheduler == nil {
		cfg.Scheduler = schedule.Real()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Poller{cfg: cfg}
}

// Start begins watching sessionID, replacing any previous session. The grace
// timer starts unless the stream is already connected.
func (p *Poller) Start(sessionID string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.sessionID = sessionID
	p.connected = connected
	if sessionID != "" && !connected {
		p.armGraceLocked()
	}
}

// Stop clears every timer.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.sessionID = ""
}

// SetConnected records the stream state. Connecting cancels the grace timer
// and any polling; disconnecting before a terminal result re-arms the grace
// timer.
func (p *Poller) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == connected {
		return
	}
	p.connected = connected
	if p.sessionID == "" || p.finished {
		return
	}
	if connected {
		p.stopTimerLocked()
		p.polling = false
		p.gen++
		return
	}
	p.armGraceLocked()
}

// Finish marks the session terminal so polling never starts again.
func (p *Poller) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	p.stopTimerLocked()
	p.polling = false
	p.gen++
}

// Polling reports whether interval polling is active.
func (p *Poller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

func (p *Poller) resetLocked() {
	p.stopTimerLocked()
	p.gen++
	p.finished = false
	p.polling = false
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) armGraceLocked() {
	p.stopTimerLocked()
	p.gen++
	gen := p.gen
	p.timer = p.cfg.Scheduler.AfterFunc(p.cfg.Grace, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.connected || p.finished || p.sessionID == "" {
		p.mu.Unlock()
		return
	}
	p.polling = true
	p.timer = nil
	sessionID := p.sessionID
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	res, err := p.cfg.Fetcher.Result(ctx, sessionID)
	cancel()

	p.mu.Lock()
	if gen != p.gen || p.finished {
		p.mu.Unlock()
		return
	}
	if err == nil && res.Status.Terminal() {
		p.finished = true
		p.polling = false
		p.gen++
		p.mu.Unlock()
		slog.Debug("Polling observed terminal result", "session_id", sessionID, "status", res.Status)
		if p.cfg.OnTerminal != nil {
			p.cfg.OnTerminal(res)
		}
		return
	}
	if err != nil {
		slog.Debug("Result poll failed", "session_id", sessionID, "error", err)
	}
	p.timer = p.cfg.Scheduler.AfterFunc(p.cfg.Interval, func() { p.tick(gen) })
	p.mu.Unlock()
}

// terminalResult converts a stream terminal event into the Result shape the
// poller reports, so both paths apply the same state.
func terminalResult(sessionID string, ev domain.Event) (Result, bool) {
	switch e := ev.(type) {
	case domain.CompleteEvent:
		return Result{SessionID: sessionID, Status: domain.StatusDone, Result: e.Result}, true
	case domain.ErrorEvent:
		info := e.Info()
		return Result{SessionID: sessionID, Status: domain.StatusError, Error: &info}, true
	}
	return Result{}, false
}
