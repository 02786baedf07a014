package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/schedule"
)

// ApologyMessage is appended once for every chat turn that fails.
const ApologyMessage = "Sorry, something went wrong while processing your reply. Please try again."

// ErrNoSession is returned by chat calls before Start.
var ErrNoSession = errors.New("no active session")

// Status is the local analysis status. Idle precedes Start.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusAnalyzing Status = Status(domain.StatusAnalyzing)
	StatusDone      Status = Status(domain.StatusDone)
	StatusError     Status = Status(domain.StatusError)
)

// ChatView is the local conversation state.
type ChatView struct {
	Messages             []domain.ChatMessage
	Phase                domain.Phase
	Step                 int
	AwaitingConfirmation bool
	IsSearching          bool
	AwaitingBeliefScore  domain.BeliefPrompt
	UserAgreed           *bool
	MindShift            *domain.MindShift
}

// State is a snapshot of everything a Session knows.
type State struct {
	SessionID string
	Status    Status
	Agents    map[domain.AgentID]domain.AgentState
	Panels    map[domain.PanelKind]json.RawMessage
	Result    domain.AnalysisResult
	Error     *domain.ErrorInfo
	Connected bool
	Chat      ChatView
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Client    *Client
	Stream    StreamConfig
	Scheduler schedule.Scheduler
	PollGrace time.Duration
	PollEvery time.Duration
	// OnEvent sees every stream event after it was applied.
	OnEvent func(domain.Event)
	// OnTerminal runs once when the analysis reaches done or error, by
	// stream or by polling. It runs on the stream or poller goroutine and
	// must not call Close or Reset.
	OnTerminal func(State)
}

// Session drives one analysis from the consumer side: it starts the
// analysis, follows the stream, falls back to polling and runs the chat.
type Session struct {
	cfg    SessionConfig
	client *Client
	stream *Stream
	poller *Poller

	mu    sync.Mutex
	state State
}

// NewSession creates an idle Session.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{cfg: cfg, client: cfg.Client}
	s.state = idleState()

	streamCfg := cfg.Stream
	userHook := streamCfg.OnConnected
	streamCfg.OnConnected = func(connected bool) {
		s.mu.Lock()
		s.state.Connected = connected
		s.mu.Unlock()
		s.poller.SetConnected(connected)
		if userHook != nil {
			userHook(connected)
		}
	}
	s.poller = NewPoller(PollerConfig{
		Fetcher:    cfg.Client,
		Scheduler:  cfg.Scheduler,
		Grace:      cfg.PollGrace,
		Interval:   cfg.PollEvery,
		OnTerminal: s.applyTerminal,
	})
	s.stream = cfg.Client.NewStream(streamCfg)
	s.stream.SetHandler(s.handle)
	return s
}

func idleState() State {
	return State{
		Status: StatusIdle,
		Agents: domain.NewAgentStates(),
		Panels: make(map[domain.PanelKind]json.RawMessage),
		Chat: ChatView{
			Phase:               domain.PhaseBeliefBefore,
			AwaitingBeliefScore: domain.BeliefBefore,
		},
	}
}

// Start creates an analysis and begins streaming it.
func (s *Session) Start(ctx context.Context, typ domain.ContentType, content string, deferStart bool) error {
	resp, err := s.client.Analyze(ctx, typ, content, deferStart)
	if err != nil {
		s.mu.Lock()
		s.state.Status = StatusError
		s.state.Error = &domain.ErrorInfo{Code: codeOf(err), Message: err.Error()}
		s.mu.Unlock()
		return fmt.Errorf("start analysis: %w", err)
	}

	s.Attach(resp.SessionID)
	return nil
}

// Attach follows an existing session without creating one.
func (s *Session) Attach(sessionID string) {
	s.reset(sessionID)
	s.poller.Start(sessionID, false)
	s.stream.SetSession(sessionID)
}

func (s *Session) reset(sessionID string) {
	s.poller.Stop()
	s.stream.SetSession("")
	s.mu.Lock()
	s.state = idleState()
	s.state.SessionID = sessionID
	s.state.Status = StatusAnalyzing
	s.mu.Unlock()
}

// Reset stops everything and returns to idle.
func (s *Session) Reset() {
	s.poller.Stop()
	s.stream.SetSession("")
	s.mu.Lock()
	s.state = idleState()
	s.mu.Unlock()
}

// Close releases the stream and timers.
func (s *Session) Close() {
	s.poller.Stop()
	s.stream.Close()
}

// Wait blocks until the stream loop exits or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	return s.stream.Wait(ctx)
}

// State returns a snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

func (s *Session) handle(ev domain.Event) {
	s.mu.Lock()
	sessionID := s.state.SessionID
	switch e := ev.(type) {
	case domain.AgentStatusEvent:
		if cur, ok := s.state.Agents[e.AgentID]; ok {
			s.state.Agents[e.AgentID] = cur.Apply(e)
		} else {
			s.state.Agents[e.AgentID] = domain.AgentState{ID: e.AgentID}.Apply(e)
		}
	case domain.PanelUpdateEvent:
		s.state.Panels[e.Panel] = append(json.RawMessage(nil), e.Payload...)
	}
	s.mu.Unlock()

	if res, ok := terminalResult(sessionID, ev); ok {
		s.poller.Finish()
		s.applyTerminal(res)
	}
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

// applyTerminal applies a done or error result once, whichever path
// delivers it first.
func (s *Session) applyTerminal(res Result) {
	s.mu.Lock()
	if s.state.SessionID != res.SessionID || s.state.Status != StatusAnalyzing {
		s.mu.Unlock()
		return
	}
	switch res.Status {
	case domain.StatusDone:
		s.state.Status = StatusDone
		s.state.Result = res.Result.Clone()
	case domain.StatusError:
		s.state.Status = StatusError
		s.state.Error = res.Error
	default:
		s.mu.Unlock()
		return
	}
	snap := cloneState(s.state)
	s.mu.Unlock()

	slog.Debug("Analysis finished", "session_id", res.SessionID, "status", res.Status)
	if s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(snap)
	}
}

// SendMessage sends a free-text chat turn.
func (s *Session) SendMessage(ctx context.Context, message string) (ChatReply, error) {
	text := strings.TrimSpace(message)
	return s.turn(text, func(id string) (ChatReply, error) {
		return s.client.SendMessage(ctx, id, text)
	})
}

// SubmitBeliefScore sends a belief score.
func (s *Session) SubmitBeliefScore(ctx context.Context, score int) (ChatReply, error) {
	return s.turn(fmt.Sprintf("%d/%d", score, domain.MaxBeliefScore), func(id string) (ChatReply, error) {
		return s.client.SubmitBeliefScore(ctx, id, score)
	})
}

// Confirm answers the confirmation question.
func (s *Session) Confirm(ctx context.Context, agreed bool) (ChatReply, error) {
	line := "No"
	if agreed {
		line = "Yes, I agree"
	}
	reply, err := s.turn(line, func(id string) (ChatReply, error) {
		return s.client.Confirm(ctx, id, agreed)
	})
	if err == nil {
		s.mu.Lock()
		s.state.Chat.UserAgreed = &agreed
		s.mu.Unlock()
	}
	return reply, err
}

// SyncConversation replaces the local chat view with the server's state.
func (s *Session) SyncConversation(ctx context.Context) error {
	s.mu.Lock()
	id := s.state.SessionID
	s.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	conv, err := s.client.Conversation(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.SessionID != id {
		return nil
	}
	s.state.Chat = ChatView{
		Messages:             conv.Messages,
		Phase:                conv.Phase,
		Step:                 conv.Step,
		AwaitingConfirmation: conv.AwaitingConfirmation,
		IsSearching:          conv.IsSearching,
		AwaitingBeliefScore:  conv.AwaitingBeliefScore,
		UserAgreed:           conv.UserAgreed,
		MindShift:            conv.MindShift,
	}
	return nil
}

// turn records the user line, performs call and applies the reply. A failed
// call leaves the phase as it was and appends exactly one apology.
func (s *Session) turn(userLine string, call func(sessionID string) (ChatReply, error)) (ChatReply, error) {
	s.mu.Lock()
	id := s.state.SessionID
	if id == "" {
		s.mu.Unlock()
		return ChatReply{}, ErrNoSession
	}
	s.state.Chat.Messages = append(s.state.Chat.Messages, domain.ChatMessage{Role: domain.RoleUser, Content: userLine, Timestamp: time.Now()})
	s.mu.Unlock()

	reply, err := call(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.SessionID != id {
		return reply, err
	}
	if err != nil {
		s.state.Chat.Messages = append(s.state.Chat.Messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: ApologyMessage, Timestamp: time.Now()})
		slog.Warn("Chat turn failed", "session_id", id, "error", err)
		return ChatReply{}, err
	}
	s.state.Chat.Messages = append(s.state.Chat.Messages, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply.Response, Timestamp: time.Now()})
	s.state.Chat.Phase = reply.Phase
	s.state.Chat.Step = reply.Step
	s.state.Chat.AwaitingConfirmation = reply.AwaitingConfirmation
	s.state.Chat.IsSearching = reply.IsSearching
	s.state.Chat.AwaitingBeliefScore = reply.AwaitingBeliefScore
	if reply.MindShift != nil {
		shift := *reply.MindShift
		s.state.Chat.MindShift = &shift
	}
	return reply, nil
}

func cloneState(s State) State {
	out := s
	out.Agents = make(map[domain.AgentID]domain.AgentState, len(s.Agents))
	for k, v := range s.Agents {
		out.Agents[k] = v
	}
	out.Panels = make(map[domain.PanelKind]json.RawMessage, len(s.Panels))
	for k, v := range s.Panels {
		out.Panels[k] = append(json.RawMessage(nil), v...)
	}
	out.Result = s.Result.Clone()
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	out.Chat.Messages = append([]domain.ChatMessage(nil), s.Chat.Messages...)
	if s.Chat.UserAgreed != nil {
		v := *s.Chat.UserAgreed
		out.Chat.UserAgreed = &v
	}
	if s.Chat.MindShift != nil {
		v := *s.Chat.MindShift
		out.Chat.MindShift = &v
	}
	return out
}

func codeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	return "NETWORK_ERROR"
}
