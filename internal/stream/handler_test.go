package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/events"
	"github.com/ashureev/flipside/internal/respond"
	"github.com/ashureev/flipside/internal/session"
	"github.com/ashureev/flipside/internal/sse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type streamHarness struct {
	reg    *session.Registry
	bus    *events.Bus
	replay *ReplayBuffer
	conns  *Connections
	srv    *httptest.Server
}

func newStreamHarness(t *testing.T) *streamHarness {
	t.Helper()
	return newStreamHarnessWith(t, nil, Options{
		KeepaliveInterval: time.Hour,
		RetryDelay:        time.Second,
		CloseGrace:        10 * time.Millisecond,
		AllowedOrigins:    []string{"*"},
	})
}

// newStreamHarnessWith lets a test wrap the registry lookups and tune options.
func newStreamHarnessWith(t *testing.T, wrap func(*session.Registry) Sessions, opts Options) *streamHarness {
	t.Helper()
	h := &streamHarness{
		reg:    session.NewRegistry(),
		bus:    events.NewBus(),
		replay: NewReplayBuffer(10),
		conns:  NewConnections(),
	}
	var sessions Sessions = h.reg
	if wrap != nil {
		sessions = wrap(h.reg)
	}
	handler := NewHandler(sessions, h.bus, h.replay, h.conns, opts)
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)
	return h
}

// start creates an analyzing session with its replay recorder attached.
func (h *streamHarness) start(t *testing.T, id string) {
	t.Helper()
	_, err := h.reg.Create(id, domain.SessionInput{Type: domain.ContentText})
	require.NoError(t, err)
	t.Cleanup(h.replay.Attach(h.bus, id))
}

func (h *streamHarness) finish(id string, result string) {
	_ = h.reg.MarkComplete(id, domain.AnalysisResult(result))
	h.bus.Publish(id, domain.CompleteEvent{SessionID: id, Result: domain.AnalysisResult(result)})
}

func (h *streamHarness) open(t *testing.T, ctx context.Context, id string, lastID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/stream/"+id, nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readFrames returns every frame until the server closes the stream.
func readFrames(t *testing.T, body io.Reader) []sse.Frame {
	t.Helper()
	r := sse.NewReader(body)
	var out []sse.Frame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func nextFrame(t *testing.T, r *sse.Reader) sse.Frame {
	t.Helper()
	f, err := r.Next()
	require.NoError(t, err)
	return f
}

func eventKind(t *testing.T, f sse.Frame) domain.EventKind {
	t.Helper()
	ev, err := domain.DecodeEvent([]byte(f.Data))
	require.NoError(t, err)
	return ev.Kind()
}

func TestStreamUnknownSession(t *testing.T) {
	h := newStreamHarness(t)

	resp := h.open(t, context.Background(), "does-not-exist", "")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var env respond.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Error)
	assert.Equal(t, respond.CodeSessionNotFound, env.Error.Code)
}

func TestStreamFinishedSessionSendsAckThenComplete(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")
	h.finish("s1", `{"score":1}`)

	resp := h.open(t, context.Background(), "s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sse.ContentType, resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, 1000, frames[0].Retry)
	assert.Equal(t, "connected", frames[1].Event)
	assert.JSONEq(t, `{"status":"connected","sessionId":"s1"}`, frames[1].Data)

	ev, err := domain.DecodeEvent([]byte(frames[2].Data))
	require.NoError(t, err)
	complete, ok := ev.(domain.CompleteEvent)
	require.True(t, ok)
	assert.JSONEq(t, `{"score":1}`, string(complete.Result))
}

func TestStreamFailedSessionSendsStoredError(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")
	require.NoError(t, h.reg.MarkError("s1", domain.ErrorInfo{Code: "ANALYSIS_FAILED", Message: "boom"}))

	resp := h.open(t, context.Background(), "s1", "")
	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 3)

	ev, err := domain.DecodeEvent([]byte(frames[2].Data))
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorEvent{Code: "ANALYSIS_FAILED", Message: "boom"}, ev)
}

func TestStreamForwardsLiveEventsAndCloses(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")

	resp := h.open(t, context.Background(), "s1", "")
	r := sse.NewReader(resp.Body)
	nextFrame(t, r)
	assert.Equal(t, "connected", nextFrame(t, r).Event)

	require.Eventually(t, func() bool { return h.bus.SubscriberCount("s1") == 2 }, time.Second, 5*time.Millisecond)

	h.bus.Publish("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking})
	h.bus.Publish("s1", domain.PanelUpdateEvent{Panel: domain.PanelBias, Payload: json.RawMessage(`{"x":1}`)})
	h.finish("s1", `{"done":true}`)

	f1, f2, f3 := nextFrame(t, r), nextFrame(t, r), nextFrame(t, r)
	assert.Equal(t, []string{"1", "2", "3"}, []string{f1.ID, f2.ID, f3.ID})
	assert.Equal(t, domain.KindAgentStatus, eventKind(t, f1))
	assert.Equal(t, domain.KindPanelUpdate, eventKind(t, f2))
	assert.Equal(t, domain.KindComplete, eventKind(t, f3))

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return h.bus.SubscriberCount("s1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.conns.Count())
}

func TestStreamReplaysFromLastEventID(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")
	for i := 0; i < 3; i++ {
		h.bus.Publish("s1", domain.AgentStatusEvent{AgentID: domain.AgentSource, Status: domain.AgentSearching, Progress: domain.Progress(i * 10)})
	}

	resp := h.open(t, context.Background(), "s1", "1")
	r := sse.NewReader(resp.Body)
	nextFrame(t, r)
	nextFrame(t, r)
	assert.Equal(t, "2", nextFrame(t, r).ID)
	assert.Equal(t, "3", nextFrame(t, r).ID)

	require.Eventually(t, func() bool { return h.bus.SubscriberCount("s1") == 2 }, time.Second, 5*time.Millisecond)
	h.finish("s1", `{}`)

	last := nextFrame(t, r)
	assert.Equal(t, "4", last.ID)
	assert.Equal(t, domain.KindComplete, eventKind(t, last))
}

func TestStreamFirstConnectReceivesHistory(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")
	h.bus.Publish("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking})
	h.bus.Publish("s1", domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentDone})

	resp := h.open(t, context.Background(), "s1", "")
	r := sse.NewReader(resp.Body)
	nextFrame(t, r)
	nextFrame(t, r)
	assert.Equal(t, "1", nextFrame(t, r).ID)
	assert.Equal(t, "2", nextFrame(t, r).ID)

	require.Eventually(t, func() bool { return h.bus.SubscriberCount("s1") == 2 }, time.Second, 5*time.Millisecond)
	h.finish("s1", `{}`)
	assert.Equal(t, "3", nextFrame(t, r).ID)
}

func TestStreamClientDisconnectUnsubscribes(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	resp := h.open(t, ctx, "s1", "")
	r := sse.NewReader(resp.Body)
	nextFrame(t, r)
	nextFrame(t, r)
	require.Eventually(t, func() bool { return h.conns.SessionCount("s1") == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount("s1") == 1 && h.conns.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStreamEvictionClosesConnection(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")

	resp := h.open(t, context.Background(), "s1", "")
	r := sse.NewReader(resp.Body)
	nextFrame(t, r)
	nextFrame(t, r)
	require.Eventually(t, func() bool { return h.conns.SessionCount("s1") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.conns.CloseSession("s1"))

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWebSocketStream(t *testing.T) {
	h := newStreamHarness(t)
	h.start(t, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws/s1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() WSFrame {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var f WSFrame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	assert.Equal(t, "connected", read().Event)
	require.Eventually(t, func() bool { return h.bus.SubscriberCount("s1") == 2 }, time.Second, 5*time.Millisecond)

	h.bus.Publish("s1", domain.AgentStatusEvent{AgentID: domain.AgentPerspective, Status: domain.AgentAnalyzing})
	h.finish("s1", `{"ok":true}`)

	first := read()
	assert.Equal(t, uint64(1), first.ID)
	ev, err := domain.DecodeEvent(first.Data)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAgentStatus, ev.Kind())

	second := read()
	assert.Equal(t, uint64(2), second.ID)
	ev, err = domain.DecodeEvent(second.Data)
	require.NoError(t, err)
	assert.Equal(t, domain.KindComplete, ev.Kind())

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestWebSocketKeepaliveUsesPing(t *testing.T) {
	h := newStreamHarnessWith(t, nil, Options{
		KeepaliveInterval: 10 * time.Millisecond,
		CloseGrace:        10 * time.Millisecond,
		AllowedOrigins:    []string{"*"},
	})
	h.start(t, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws/s1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ack WSFrame
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, "connected", ack.Event)
	require.Eventually(t, func() bool { return h.bus.SubscriberCount("s1") == 2 }, time.Second, 5*time.Millisecond)

	published := make(chan struct{})
	go func() {
		defer close(published)
		time.Sleep(80 * time.Millisecond)
		h.bus.Publish("s1", domain.AgentStatusEvent{AgentID: domain.AgentSource, Status: domain.AgentSearching})
	}()

	// Several keepalives fire while Read blocks; none of them is a data message.
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	<-published
	var f WSFrame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Empty(t, f.Event)
	assert.Equal(t, uint64(1), f.ID)
}

func TestStreamClosesWhenEvictedBeforeAttach(t *testing.T) {
	h := newStreamHarnessWith(t, func(reg *session.Registry) Sessions {
		return &evictAfterLookup{reg: reg}
	}, Options{
		KeepaliveInterval: time.Hour,
		CloseGrace:        10 * time.Millisecond,
		AllowedOrigins:    []string{"*"},
	})
	h.start(t, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := h.open(t, ctx, "s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 2)
	assert.Equal(t, "connected", frames[1].Event)
	assert.Equal(t, 1, h.bus.SubscriberCount("s1"), "only the replay recorder stays subscribed")
	assert.Equal(t, 0, h.conns.Count())
}

// evictAfterLookup reports the session only on the first lookup, as if the
// sweeper removed it right after the handler found it.
type evictAfterLookup struct {
	reg   *session.Registry
	calls atomic.Int32
}

func (e *evictAfterLookup) Get(id string) (domain.Session, bool) {
	if e.calls.Add(1) > 1 {
		return domain.Session{}, false
	}
	return e.reg.Get(id)
}

func TestWebSocketUnknownSession(t *testing.T) {
	h := newStreamHarness(t)

	resp, err := h.srv.Client().Get(h.srv.URL + "/api/ws/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLastEventID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   uint64
	}{
		{name: "none", want: 0},
		{name: "header", header: "7", want: 7},
		{name: "query", query: "9", want: 9},
		{name: "header wins", header: "3", query: "9", want: 3},
		{name: "garbage", header: "abc", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/stream/s1"
			if tt.query != "" {
				target += "?lastEventId=" + tt.query
			}
			r := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				r.Header.Set("Last-Event-ID", tt.header)
			}
			assert.Equal(t, tt.want, lastEventID(r))
		})
	}
}

func TestReplayBufferBoundedPerSession(t *testing.T) {
	b := NewReplayBuffer(2)
	for i := uint64(1); i <= 5; i++ {
		b.Record("a", i, domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking})
	}
	b.Record("b", 1, domain.ErrorEvent{Code: "X", Message: "y"})

	got := b.Since("a", 0)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)
	assert.Equal(t, 1, b.Len("b"))

	b.Prune("a")
	assert.Equal(t, 0, b.Len("a"))
	assert.Nil(t, b.Since("a", 0))
}

func TestConnectionsRegistry(t *testing.T) {
	m := NewConnections()
	c1 := m.Register("s1", transportSSE)
	c2 := m.Register("s1", transportWebSocket)
	c3 := m.Register("s2", transportSSE)

	assert.Equal(t, 3, m.Count())
	assert.Equal(t, 2, m.SessionCount("s1"))

	m.Unregister(c3)
	m.Unregister(c3)
	assert.Equal(t, 0, m.SessionCount("s2"))

	assert.Equal(t, 2, m.CloseSession("s1"))
	for _, c := range []*Conn{c1, c2} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("connection %d not closed", c.ID)
		}
	}
	c1.Close()
	m.Unregister(c1)
	assert.Equal(t, 0, m.Count())
}
