package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/sse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type recorder struct {
	mu        sync.Mutex
	events    []domain.Event
	connected []bool
}

func (r *recorder) handle(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onConnected(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, v)
}

func (r *recorder) snapshot() ([]domain.Event, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...), append([]bool(nil), r.connected...)
}

func writeEvent(t *testing.T, w http.ResponseWriter, id uint64, ev domain.Event) {
	t.Helper()
	data, err := domain.EncodeEvent(ev)
	require.NoError(t, err)
	require.NoError(t, sse.WriteData(w, id, data))
	w.(http.Flusher).Flush()
}

func openStream(w http.ResponseWriter) {
	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	_ = sse.WriteRetry(w, 1000)
	_ = sse.WriteEvent(w, "connected", `{"status":"connected"}`)
	w.(http.Flusher).Flush()
}

func waitStream(t *testing.T, s *Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestStreamDeliversEventsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stream/s1", r.URL.Path)
		openStream(w)
		_ = sse.WriteComment(w, "keepalive")
		writeEvent(t, w, 1, domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking, Progress: domain.Progress(10)})
		writeEvent(t, w, 2, domain.PanelUpdateEvent{Panel: domain.PanelBias, Payload: []byte(`{"score":1}`)})
		writeEvent(t, w, 3, domain.CompleteEvent{SessionID: "s1", Result: domain.AnalysisResult(`{"ok":true}`)})
	}))
	defer srv.Close()

	rec := &recorder{}
	s := New(srv.URL).NewStream(StreamConfig{OnConnected: rec.onConnected})
	s.SetHandler(rec.handle)
	s.SetSession("s1")
	waitStream(t, s)
	defer s.Close()

	events, connected := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, domain.KindAgentStatus, events[0].Kind())
	assert.Equal(t, domain.KindPanelUpdate, events[1].Kind())
	assert.Equal(t, domain.KindComplete, events[2].Kind())
	assert.Equal(t, []bool{true, false}, connected)
	assert.False(t, s.Connected())
}

func TestStreamResumesWithLastEventID(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			assert.Empty(t, r.Header.Get("Last-Event-ID"))
			openStream(w)
			writeEvent(t, w, 1, domain.AgentStatusEvent{AgentID: domain.AgentSource, Status: domain.AgentSearching})
		default:
			assert.Equal(t, "1", r.Header.Get("Last-Event-ID"))
			openStream(w)
			writeEvent(t, w, 2, domain.ErrorEvent{Code: "BACKEND_ERROR", Message: "down"})
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	s := New(srv.URL).NewStream(StreamConfig{Attempts: 3, Base: time.Millisecond, OnConnected: rec.onConnected})
	s.SetHandler(rec.handle)
	s.SetSession("s1")
	waitStream(t, s)
	defer s.Close()

	events, connected := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, domain.KindError, events[1].Kind())
	assert.Equal(t, []bool{true, false}, connected, "a retried drop does not flip connected")
	assert.Equal(t, int32(2), calls.Load())
}

func TestStreamGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(srv.URL).NewStream(StreamConfig{Attempts: 2, Base: time.Millisecond})
	s.SetSession("s1")
	waitStream(t, s)
	defer s.Close()

	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, s.Connected())
}

func TestStreamStopsOnUnknownSession(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"SESSION_NOT_FOUND","message":"session not found"}}`))
	}))
	defer srv.Close()

	s := New(srv.URL).NewStream(StreamConfig{Attempts: 5, Base: time.Millisecond})
	s.SetSession("gone")
	waitStream(t, s)
	defer s.Close()

	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamHandlerSwapKeepsConnection(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		openStream(w)
		writeEvent(t, w, 1, domain.AgentStatusEvent{AgentID: domain.AgentAnalyzer, Status: domain.AgentThinking})
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		writeEvent(t, w, 2, domain.CompleteEvent{SessionID: "s1"})
	}))
	defer srv.Close()

	first, second := &recorder{}, &recorder{}
	got := make(chan struct{}, 1)
	s := New(srv.URL).NewStream(StreamConfig{})
	s.SetHandler(func(ev domain.Event) {
		first.handle(ev)
		got <- struct{}{}
	})
	s.SetSession("s1")
	defer s.Close()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("first event not delivered")
	}
	s.SetHandler(second.handle)
	close(release)
	waitStream(t, s)

	a, _ := first.snapshot()
	b, _ := second.snapshot()
	assert.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, domain.KindComplete, b[0].Kind())
	assert.Equal(t, int32(1), calls.Load(), "swapping the handler does not reconnect")
}

func TestStreamSessionChangeTearsDown(t *testing.T) {
	var opened sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opened.Store(r.URL.Path, true)
		openStream(w)
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	s := New(srv.URL).NewStream(StreamConfig{OnConnected: rec.onConnected})
	s.SetSession("a")
	require.Eventually(t, s.Connected, 5*time.Second, 5*time.Millisecond)

	s.SetSession("a")
	s.SetSession("b")
	assert.Equal(t, "b", s.SessionID())
	require.Eventually(t, s.Connected, 5*time.Second, 5*time.Millisecond)

	s.SetSession("")
	assert.False(t, s.Connected())
	assert.Empty(t, s.SessionID())

	_, okA := opened.Load("/api/stream/a")
	_, okB := opened.Load("/api/stream/b")
	assert.True(t, okA)
	assert.True(t, okB)
	_, connected := rec.snapshot()
	assert.Equal(t, []bool{true, false, true, false}, connected)
}
