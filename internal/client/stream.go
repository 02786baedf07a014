package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/sse"
)

// EventHandler receives stream events in arrival order.
type EventHandler func(domain.Event)

// StreamConfig bounds reconnects: Attempts consecutive failures with a delay
// of Base, doubling after each one.
type StreamConfig struct {
	Attempts int
	Base     time.Duration
	// OnConnected observes every change of Connected.
	OnConnected func(bool)
}

// DefaultStreamConfig is 5 attempts starting at 500ms.
var DefaultStreamConfig = StreamConfig{Attempts: 5, Base: 500 * time.Millisecond}

var errStreamRejected = errors.New("stream rejected")

// Stream keeps one event stream open for the current session id.
type Stream struct {
	c   *Client
	cfg StreamConfig

	handler   atomic.Pointer[EventHandler]
	connected atomic.Bool

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStream creates an idle Stream. Call SetSession to connect.
func (c *Client) NewStream(cfg StreamConfig) *Stream {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultStreamConfig.Attempts
	}
	if cfg.Base <= 0 {
		cfg.Base = DefaultStreamConfig.Base
	}
	return &Stream{c: c, cfg: cfg}
}

// SetHandler swaps the event handler without reconnecting.
func (s *Stream) SetHandler(h EventHandler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}

// Connected reports whether the stream is acknowledged and not terminally
// closed. Retried transient failures leave it unchanged.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// SessionID returns the session currently streamed.
func (s *Stream) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSession connects to sessionID, tearing down any previous connection.
// An empty id only tears down. Setting the current id again is a no-op.
func (s *Stream) SetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == s.sessionID {
		return
	}
	s.stopLocked()
	s.sessionID = sessionID
	if sessionID == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.run(ctx, sessionID, done)
}

// Close tears down the stream.
func (s *Stream) Close() {
	s.SetSession("")
}

// Wait blocks until the current connection loop exits or ctx ends.
func (s *Stream) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.setConnected(false)
}

func (s *Stream) setConnected(v bool) {
	if s.connected.Swap(v) != v && s.cfg.OnConnected != nil {
		s.cfg.OnConnected(v)
	}
}

func (s *Stream) run(ctx context.Context, sessionID string, done chan struct{}) {
	defer close(done)

	var (
		lastID   string
		failures int
	)
	for {
		acked, terminal, err := s.connect(ctx, sessionID, &lastID)
		if ctx.Err() != nil {
			return
		}
		if terminal {
			s.setConnected(false)
			return
		}
		if errors.Is(err, errStreamRejected) || errors.Is(err, ErrSessionNotFound) {
			slog.Warn("Stream rejected", "session_id", sessionID, "error", err)
			s.setConnected(false)
			return
		}
		if acked {
			failures = 0
		}
		failures++
		if failures > s.cfg.Attempts {
			slog.Warn("Stream reconnects exhausted", "session_id", sessionID, "attempts", s.cfg.Attempts, "error", err)
			s.setConnected(false)
			return
		}

		delay := s.cfg.Base * time.Duration(1<<(failures-1))
		slog.Debug("Stream reconnecting", "session_id", sessionID, "attempt", failures, "delay", delay, "last_event_id", lastID, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect reads one connection until it ends. terminal is true once a
// complete or error event was delivered.
func (s *Stream) connect(ctx context.Context, sessionID string, lastID *string) (acked, terminal bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.c.baseURL+"/api/stream/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", errStreamRejected, err)
	}
	req.Header.Set("Accept", sse.ContentType)
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}

	resp, err := s.c.stream.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, false, ErrSessionNotFound
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		return false, false, fmt.Errorf("%w: status %d", errStreamRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, false, fmt.Errorf("stream status %d", resp.StatusCode)
	}

	r := sse.NewReader(resp.Body)
	for {
		f, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return acked, false, err
		}
		if f.Event == "connected" {
			acked = true
			s.setConnected(true)
			continue
		}
		if f.Data == "" {
			continue
		}
		ev, err := domain.DecodeEvent([]byte(f.Data))
		if err != nil {
			slog.Warn("Skipping undecodable stream event", "session_id", sessionID, "error", err)
			continue
		}
		if f.ID != "" {
			*lastID = f.ID
		}
		if h := s.handler.Load(); h != nil {
			(*h)(ev)
		}
		if ev.Terminal() {
			return acked, true, nil
		}
	}
}
