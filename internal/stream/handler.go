// Package stream pushes session events to consumers over SSE and WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/events"
	"github.com/ashureev/flipside/internal/respond"
	"github.com/ashureev/flipside/internal/sse"
)

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"

	wsWriteTimeout = 5 * time.Second
	terminalWait   = 100 * time.Millisecond
)

// Sessions looks up the current state of a session.
type Sessions interface {
	Get(id string) (domain.Session, bool)
}

// Subscriber attaches handlers to a session's events.
type Subscriber interface {
	Subscribe(sessionID string, h events.Handlers) (unsubscribe func())
}

// Options tunes stream behaviour.
type Options struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	CloseGrace        time.Duration
	AllowedOrigins    []string
}

// Handler serves GET /api/stream/{sessionId} and GET /api/ws/{sessionId}.
type Handler struct {
	sessions Sessions
	bus      Subscriber
	replay   *ReplayBuffer
	conns    *Connections
	opts     Options
}

// NewHandler creates a stream handler. replay and conns may be shared with
// the service that owns session lifecycles.
func NewHandler(sessions Sessions, bus Subscriber, replay *ReplayBuffer, conns *Connections, opts Options) *Handler {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.CloseGrace < 0 {
		opts.CloseGrace = 0
	}
	if replay == nil {
		replay = NewReplayBuffer(defaultReplaySize)
	}
	if conns == nil {
		conns = NewConnections()
	}
	return &Handler{sessions: sessions, bus: bus, replay: replay, conns: conns, opts: opts}
}

// RegisterRoutes registers the stream endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/stream/{sessionId}", h.HandleSSE)
	r.Get("/api/ws/{sessionId}", h.HandleWebSocket)
}

// HandleSSE streams a session's events as text/event-stream.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respond.Error(w, http.StatusInternalServerError, respond.CodeInternalError, "streaming not supported")
		return
	}

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := sse.WriteRetry(w, h.opts.RetryDelay.Milliseconds()); err != nil {
		slog.Warn("Failed to write SSE retry hint", "session_id", sess.ID, "error", err)
		return
	}
	flusher.Flush()

	h.serve(r.Context(), sess, lastEventID(r), &sseSink{w: w, flusher: flusher}, transportSSE)
}

// HandleWebSocket streams the same frames as HandleSSE over a WebSocket,
// one JSON text message per frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if !h.checkOrigin(r) {
		respond.Error(w, http.StatusForbidden, respond.CodeInvalidInput, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "session_id", sess.ID, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "session_id", sess.ID, "error", closeErr)
		}
	}()

	// Inbound messages are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	h.serve(ctx, sess, lastEventID(r), &wsSink{ctx: ctx, conn: ws}, transportWebSocket)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	id := chi.URLParam(r, "sessionId")
	sess, ok := h.sessions.Get(id)
	if !ok {
		respond.Error(w, http.StatusNotFound, respond.CodeSessionNotFound, "session not found")
		return domain.Session{}, false
	}
	return sess, true
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// lastEventId query parameter. Anything unparsable means "from the start".
func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// sink is one transport's framing.
type sink interface {
	ack(sessionID string) error
	event(seq uint64, data []byte) error
	keepalive() error
}

// serve runs the connection lifecycle shared by both transports: ack, replay,
// live forwarding, then close shortly after the terminal event.
//
//nolint:gocognit // The lifecycle branches read best in one place.
func (h *Handler) serve(ctx context.Context, sess domain.Session, lastSeq uint64, out sink, transport string) {
	log := slog.With("session_id", sess.ID, "transport", transport)

	if err := out.ack(sess.ID); err != nil {
		log.Warn("Failed to write stream ack", "error", err)
		return
	}

	if ev, ok := sess.TerminalEvent(); ok {
		if err := writeEvent(out, 0, ev); err != nil {
			log.Warn("Failed to write stored terminal event", "error", err)
		}
		log.Info("Stream served finished session", "status", sess.Status)
		return
	}

	conn := h.conns.Register(sess.ID, transport)
	defer h.conns.Unregister(conn)

	// Eviction closes registered connections only; one that landed between
	// lookup and Register is caught here.
	if _, ok := h.sessions.Get(sess.ID); !ok {
		log.Info("Session evicted before stream attached")
		return
	}

	q := newPending()
	unsubscribe := h.bus.Subscribe(sess.ID, events.Forward(sess.ID, q.push))
	defer unsubscribe()

	log.Info("Stream connected", "conn_id", conn.ID, "last_event_id", lastSeq)
	defer log.Info("Stream closed", "conn_id", conn.ID)

	sent := lastSeq
	for _, b := range h.replay.Since(sess.ID, lastSeq) {
		if err := out.event(b.Seq, b.Data); err != nil {
			log.Warn("Failed to replay event", "seq", b.Seq, "error", err)
			return
		}
		sent = b.Seq
		if b.Kind == domain.KindComplete || b.Kind == domain.KindError {
			h.linger(ctx)
			return
		}
	}

	// A terminal transition that raced the subscription is only visible in
	// the registry.
	cur, ok := h.sessions.Get(sess.ID)
	if !ok {
		return
	}
	if ev, ok := cur.TerminalEvent(); ok {
		done, err := awaitTerminal(ctx, out, q, &sent)
		if err == nil && !done && ctx.Err() == nil {
			err = writeEvent(out, 0, ev)
		}
		if err != nil {
			log.Warn("Failed to write terminal event", "error", err)
			return
		}
		h.linger(ctx)
		return
	}

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Stream client disconnected", "conn_id", conn.ID)
			return
		case <-conn.Done():
			return
		case <-keepalive.C:
			if err := out.keepalive(); err != nil {
				log.Warn("Failed to write keepalive", "error", err)
				return
			}
		case <-q.signal:
			done, err := flush(out, q, &sent)
			if err != nil {
				log.Warn("Failed to forward event", "error", err)
				return
			}
			if done {
				h.linger(ctx)
				return
			}
		}
	}
}

// linger keeps the connection open for the close grace so the terminal frame
// is flushed before the transport closes.
func (h *Handler) linger(ctx context.Context) {
	if h.opts.CloseGrace <= 0 {
		return
	}
	t := time.NewTimer(h.opts.CloseGrace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// flush writes queued deliveries newer than *sent. It reports whether a
// terminal event was written.
func flush(out sink, q *pending, sent *uint64) (bool, error) {
	for _, d := range q.drain() {
		if d.Seq <= *sent {
			continue
		}
		if err := writeEvent(out, d.Seq, d.Event); err != nil {
			return false, err
		}
		*sent = d.Seq
		if d.Event.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// awaitTerminal forwards queued deliveries until the terminal one arrives or
// terminalWait elapses. The registry records a terminal status just before the
// producer publishes it.
func awaitTerminal(ctx context.Context, out sink, q *pending, sent *uint64) (bool, error) {
	done, err := flush(out, q, sent)
	if done || err != nil {
		return done, err
	}
	t := time.NewTimer(terminalWait)
	defer t.Stop()
	for {
		select {
		case <-q.signal:
			done, err := flush(out, q, sent)
			if done || err != nil {
				return done, err
			}
		case <-t.C:
			return false, nil
		case <-ctx.Done():
			return false, nil
		}
	}
}

func writeEvent(out sink, seq uint64, ev domain.Event) error {
	data, err := domain.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return out.event(seq, data)
}

// pending queues deliveries between the bus and the writer goroutine so
// publishers never block on a slow connection.
type pending struct {
	mu     sync.Mutex
	items  []events.Delivery
	signal chan struct{}
}

func newPending() *pending {
	return &pending{signal: make(chan struct{}, 1)}
}

func (p *pending) push(d events.Delivery) {
	p.mu.Lock()
	p.items = append(p.items, d)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pending) drain() []events.Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items
	p.items = nil
	return out
}

func ackPayload(sessionID string) []byte {
	data, _ := json.Marshal(map[string]string{"status": "connected", "sessionId": sessionID})
	return data
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) ack(sessionID string) error {
	if err := sse.WriteEvent(s.w, "connected", string(ackPayload(sessionID))); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) event(seq uint64, data []byte) error {
	if err := sse.WriteData(s.w, seq, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) keepalive() error {
	if err := sse.WriteComment(s.w, "keepalive"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WSFrame is the WebSocket rendition of an SSE frame.
type WSFrame struct {
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) write(f WSFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSink) ack(sessionID string) error {
	return s.write(WSFrame{Event: "connected", Data: ackPayload(sessionID)})
}

func (s *wsSink) event(seq uint64, data []byte) error {
	return s.write(WSFrame{ID: seq, Data: data})
}

// keepalive sends a ping control frame and waits for the pong, which the
// CloseRead reader answers.
func (s *wsSink) keepalive() error {
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Ping(ctx)
}
