package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is one live stream connection.
type Conn struct {
	ID          int64
	SessionID   string
	Transport   string
	ConnectedAt time.Time

	done chan struct{}
	once sync.Once
}

// Done is closed when the connection must stop streaming.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close signals the connection to stop. It is safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Connections tracks live stream connections per session so eviction can
// close them.
type Connections struct {
	mu     sync.RWMutex
	active map[string]map[int64]*Conn
	nextID atomic.Int64
}

// NewConnections creates an empty connection registry.
func NewConnections() *Connections {
	return &Connections{
		active: make(map[string]map[int64]*Conn),
	}
}

// Register adds a connection for sessionID.
func (m *Connections) Register(sessionID, transport string) *Conn {
	c := &Conn{
		ID:          m.nextID.Add(1),
		SessionID:   sessionID,
		Transport:   transport,
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[sessionID]; !ok {
		m.active[sessionID] = make(map[int64]*Conn)
	}
	m.active[sessionID][c.ID] = c
	slog.Debug("Stream connection registered", "session_id", sessionID, "conn_id", c.ID, "transport", transport)
	return c
}

// Unregister removes c. Unknown connections are ignored.
func (m *Connections) Unregister(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[c.SessionID]
	if !ok {
		return
	}
	if _, exists := conns[c.ID]; !exists {
		return
	}
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(m.active, c.SessionID)
	}
	slog.Debug("Stream connection unregistered", "session_id", c.SessionID, "conn_id", c.ID)
}

// CloseSession signals every connection of sessionID to stop and forgets them.
func (m *Connections) CloseSession(sessionID string) int {
	m.mu.Lock()
	conns := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		slog.Info("Stream connections closed", "session_id", sessionID, "count", len(conns))
	}
	return len(conns)
}

// Count returns the number of live connections across all sessions.
func (m *Connections) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// SessionCount returns the number of live connections for sessionID.
func (m *Connections) SessionCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[sessionID])
}
