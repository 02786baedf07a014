package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/session"
	"github.com/ashureev/flipside/internal/sse"
)

// RetryPolicy bounds stream reconnects: Attempts tries with a delay of Base,
// doubling after each failure.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetryPolicy is 3 attempts starting at 500ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return p.Base * time.Duration(1<<(attempt-1))
}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	BaseURL string
	Timeout time.Duration
	Retry   RetryPolicy
	Client  *http.Client
}

// Proxy forwards a real analysis backend onto the local bus under the local
// session id.
type Proxy struct {
	baseURL  string
	client   *http.Client
	stream   *http.Client
	retry    RetryPolicy
	sessions Sessions
	bus      Publisher

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewProxy creates a Proxy.
func NewProxy(cfg ProxyConfig, sessions Sessions, bus Publisher) *Proxy {
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	// Streams outlive any request timeout; they are bounded by cancellation.
	stream := &http.Client{Transport: client.Transport}
	return &Proxy{
		baseURL:  cfg.BaseURL,
		client:   client,
		stream:   stream,
		retry:    cfg.Retry,
		sessions: sessions,
		bus:      bus,
		running:  make(map[string]context.CancelFunc),
	}
}

// Name implements Producer.
func (p *Proxy) Name() string { return "proxy" }

type backendAnalyzeResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	StreamURL string `json:"streamUrl"`
}

// Start creates the upstream session and begins relaying its stream.
func (p *Proxy) Start(ctx context.Context, s domain.Session, content string) error {
	backendID, err := p.createUpstream(ctx, s.Input.Type, content)
	if err != nil {
		return err
	}
	p.sessions.Update(s.ID, session.Patch{BackendID: &backendID})

	streamCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if prev, ok := p.running[s.ID]; ok {
		prev()
	}
	p.running[s.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.forget(s.ID)
		p.relay(streamCtx, s.ID, backendID)
	}()

	slog.Info("Proxied analysis started", "session_id", s.ID, "backend_id", backendID)
	return nil
}

// Cancel stops relaying for sessionID.
func (p *Proxy) Cancel(sessionID string) {
	p.mu.Lock()
	cancel, ok := p.running[sessionID]
	delete(p.running, sessionID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels every relay and waits for them to exit.
func (p *Proxy) Close() {
	p.mu.Lock()
	for id, cancel := range p.running {
		cancel()
		delete(p.running, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Proxy) forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[sessionID]; ok {
		cancel()
		delete(p.running, sessionID)
	}
}

func (p *Proxy) createUpstream(ctx context.Context, typ domain.ContentType, content string) (string, error) {
	body, err := json.Marshal(map[string]string{"type": string(typ), "content": content})
	if err != nil {
		return "", fmt.Errorf("encode analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/analyze", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: analyze request: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read analyze response: %v", ErrBackend, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: analyze returned %d: %s", ErrBackend, resp.StatusCode, bytes.TrimSpace(raw))
	}

	camel, err := CamelizeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("%w: decode analyze response: %v", ErrBackend, err)
	}
	var out backendAnalyzeResponse
	if err := json.Unmarshal(camel, &out); err != nil {
		return "", fmt.Errorf("%w: decode analyze response: %v", ErrBackend, err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: analyze response missing session id", ErrBackend)
	}
	return out.SessionID, nil
}

var errStreamEnded = errors.New("backend stream ended without a terminal event")

// relay reads the upstream stream until a terminal event, reconnecting with
// backoff. Exhausting the retry budget fails the session.
func (p *Proxy) relay(ctx context.Context, sessionID, backendID string) {
	var lastErr error
	for attempt := 0; attempt <= p.retry.Attempts; attempt++ {
		if attempt > 0 {
			delay := p.retry.Delay(attempt)
			slog.Warn("Backend stream interrupted, reconnecting",
				"session_id", sessionID,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		done, err := p.readStream(ctx, sessionID, backendID)
		if done || ctx.Err() != nil {
			return
		}
		lastErr = err
	}

	slog.Error("Backend stream failed after retries", "session_id", sessionID, "error", lastErr)
	ev := domain.ErrorEvent{Code: "BACKEND_ERROR", Message: "analysis backend stream failed"}
	if err := finalize(p.sessions, p.bus, sessionID, ev); err != nil {
		slog.Warn("Failed to record backend failure", "session_id", sessionID, "error", err)
	}
}

// readStream relays one upstream connection. It reports done once a terminal
// event has been handled.
func (p *Proxy) readStream(ctx context.Context, sessionID, backendID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/stream/"+backendID, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", sse.ContentType)

	resp, err := p.stream.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: open stream: %v", ErrBackend, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: stream returned %d", ErrBackend, resp.StatusCode)
	}

	r := sse.NewReader(resp.Body)
	for {
		frame, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, errStreamEnded
			}
			return false, err
		}
		if frame.Data == "" || (frame.Event != "" && frame.Event != "message") {
			continue
		}

		ev, err := decodeUpstream(frame.Data, sessionID)
		if err != nil {
			slog.Warn("Skipping malformed backend event", "session_id", sessionID, "error", err)
			continue
		}
		if !ev.Terminal() {
			p.bus.Publish(sessionID, ev)
			continue
		}
		if err := finalize(p.sessions, p.bus, sessionID, ev); err != nil {
			slog.Warn("Dropping backend terminal event",
				"session_id", sessionID,
				"event_type", ev.Kind(),
				"error", err,
			)
		}
		return true, nil
	}
}

// decodeUpstream camelizes a backend frame and rewrites the session id of
// complete events to the local one.
func decodeUpstream(data, sessionID string) (domain.Event, error) {
	camel, err := CamelizeJSON([]byte(data))
	if err != nil {
		return nil, err
	}
	ev, err := domain.DecodeEvent(camel)
	if err != nil {
		return nil, err
	}
	if c, ok := ev.(domain.CompleteEvent); ok {
		c.SessionID = sessionID
		return c, nil
	}
	return ev, nil
}
