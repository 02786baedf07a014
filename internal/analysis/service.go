// Package analysis owns the lifecycle of analysis sessions: creation,
// producer start, archiving and eviction.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/events"
	"github.com/ashureev/flipside/internal/producer"
	"github.com/ashureev/flipside/internal/session"
	"github.com/ashureev/flipside/internal/store"
	"github.com/ashureev/flipside/internal/stream"
)

// Validation errors returned by Create.
var (
	ErrInvalidInput = errors.New("type and content are required")
	ErrInvalidType  = errors.New(`type must be "url" or "text"`)
	ErrEmptyContent = errors.New("content must not be empty")
)

const (
	archiveTimeout = 5 * time.Second
	startTimeout   = 30 * time.Second
)

// Request is a validated-on-create analysis request.
type Request struct {
	Type    domain.ContentType
	Content string
	// DeferStart holds the producer until EnsureStarted is called.
	DeferStart bool
}

// Config wires a Service. Archive is optional.
type Config struct {
	Registry *session.Registry
	Bus      *events.Bus
	Producer producer.Producer
	Replay   *stream.ReplayBuffer
	Conns    *stream.Connections
	Archive  store.Repository
	NewID    func() string
}

type tracked struct {
	content string
	started bool
	detach  func()
}

// Service creates sessions and starts their producer exactly once.
type Service struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*tracked
	wg       sync.WaitGroup
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Replay == nil {
		cfg.Replay = stream.NewReplayBuffer(0)
	}
	if cfg.Conns == nil {
		cfg.Conns = stream.NewConnections()
	}
	return &Service{cfg: cfg, sessions: make(map[string]*tracked)}
}

// Validate checks an analysis request before any session is created.
func Validate(typ domain.ContentType, content string) error {
	if typ == "" || content == "" {
		return ErrInvalidInput
	}
	if !typ.Valid() {
		return ErrInvalidType
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// Create registers a new session and, unless deferred, starts its producer.
// A producer start failure removes the session again.
func (s *Service) Create(ctx context.Context, req Request) (domain.Session, error) {
	if err := Validate(req.Type, req.Content); err != nil {
		return domain.Session{}, err
	}

	id := s.cfg.NewID()
	sess, err := s.cfg.Registry.Create(id, domain.SessionInput{Type: req.Type, ContentLength: len(req.Content)})
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}

	t := &tracked{content: req.Content}
	t.detach = s.attach(id)
	s.mu.Lock()
	s.sessions[id] = t
	s.mu.Unlock()

	slog.Info("Analysis session created",
		"session_id", id,
		"type", req.Type,
		"content_length", len(req.Content),
		"deferred", req.DeferStart,
		"producer", s.cfg.Producer.Name(),
	)

	if req.DeferStart {
		return sess, nil
	}
	if err := s.start(ctx, id); err != nil {
		s.Forget(id)
		s.cfg.Registry.Delete(id)
		return domain.Session{}, err
	}
	return sess, nil
}

// attach subscribes the replay recorder and the archiver before any event can
// be published.
func (s *Service) attach(id string) func() {
	detachReplay := s.cfg.Replay.Attach(s.cfg.Bus, id)
	if s.cfg.Archive == nil {
		return detachReplay
	}
	archive := func() { s.archiveAsync(id) }
	detachArchive := s.cfg.Bus.Subscribe(id, events.Handlers{
		OnComplete: func(uint64, domain.CompleteEvent) { archive() },
		OnError:    func(uint64, domain.ErrorEvent) { archive() },
	})
	return func() {
		detachReplay()
		detachArchive()
	}
}

// EnsureStarted starts the producer for a deferred session. Calling it for a
// session that already started is a no-op. A failure marks the session as
// failed so streams and pollers observe a terminal state.
func (s *Service) EnsureStarted(ctx context.Context, id string) error {
	err := s.start(ctx, id)
	if err == nil || errors.Is(err, session.ErrNotFound) {
		return err
	}
	ev := domain.ErrorEvent{Code: "BACKEND_ERROR", Message: "failed to start analysis"}
	if markErr := s.cfg.Registry.MarkError(id, ev.Info()); markErr == nil {
		s.cfg.Bus.Publish(id, ev)
	}
	return err
}

// StartDeferred is EnsureStarted for callbacks without a request context.
func (s *Service) StartDeferred(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := s.EnsureStarted(ctx, id); err != nil {
		slog.Warn("Deferred analysis start failed", "session_id", id, "error", err)
	}
}

func (s *Service) start(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", id, session.ErrNotFound)
	}
	if t.started {
		s.mu.Unlock()
		return nil
	}
	t.started = true
	content := t.content
	t.content = ""
	s.mu.Unlock()

	sess, ok := s.cfg.Registry.Get(id)
	if !ok {
		return fmt.Errorf("start %s: %w", id, session.ErrNotFound)
	}
	if sess.Status.Terminal() {
		return nil
	}
	if err := s.cfg.Producer.Start(ctx, sess, content); err != nil {
		s.mu.Lock()
		t.started = false
		t.content = content
		s.mu.Unlock()
		return fmt.Errorf("start producer: %w", err)
	}
	return nil
}

// Get returns the live session, falling back to the archive for evicted ones.
func (s *Service) Get(ctx context.Context, id string) (domain.Session, bool, error) {
	if sess, ok := s.cfg.Registry.Get(id); ok {
		return sess, true, nil
	}
	if s.cfg.Archive == nil {
		return domain.Session{}, false, nil
	}
	archived, err := s.cfg.Archive.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("archive lookup: %w", err)
	}
	if archived == nil {
		return domain.Session{}, false, nil
	}
	return *archived, true, nil
}

// Forget releases everything held for a session: producer, replay buffer,
// subscriptions and live connections. It is the sweeper's eviction hook.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	t, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	s.cfg.Producer.Cancel(id)
	if ok && t.detach != nil {
		t.detach()
	}
	s.cfg.Replay.Prune(id)
	s.cfg.Conns.CloseSession(id)
	s.cfg.Bus.Drop(id)
}

// Stats summarises the service for health checks.
type Stats struct {
	Mode        string `json:"mode"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Mode:        s.cfg.Producer.Name(),
		Sessions:    s.cfg.Registry.Len(),
		Connections: s.cfg.Conns.Count(),
	}
}

// PingArchive checks the archive, if one is configured.
func (s *Service) PingArchive(ctx context.Context) error {
	if s.cfg.Archive == nil {
		return nil
	}
	return s.cfg.Archive.Ping(ctx)
}

func (s *Service) archiveAsync(id string) {
	sess, ok := s.cfg.Registry.Get(id)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.cfg.Archive.SaveSession(ctx, sess); err != nil {
			slog.Error("Failed to archive session", "session_id", id, "error", err)
			return
		}
		slog.Debug("Session archived", "session_id", id, "status", sess.Status)
	}()
}

// SaveConversation archives a conversation, finished or handed off on
// eviction.
func (s *Service) SaveConversation(state domain.ConversationState) {
	if s.cfg.Archive == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.cfg.Archive.SaveConversation(ctx, state); err != nil {
			slog.Error("Failed to archive conversation", "session_id", state.SessionID, "error", err)
		}
	}()
}

// Conversation returns an archived conversation, if any.
func (s *Service) Conversation(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	if s.cfg.Archive == nil {
		return nil, nil
	}
	return s.cfg.Archive.GetConversation(ctx, sessionID)
}

// Close waits for pending archive writes.
func (s *Service) Close() {
	s.wg.Wait()
}
