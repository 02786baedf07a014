package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/flipside/internal/conversation"
	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/respond"
)

type chatRequest struct {
	SessionID   string  `json:"sessionId"`
	Message     *string `json:"message,omitempty"`
	Agreed      *bool   `json:"agreed,omitempty"`
	BeliefScore *int    `json:"beliefScore,omitempty"`
}

// input returns the single conversation input carried by the request.
func (c chatRequest) input() (conversation.Input, error) {
	var (
		in conversation.Input
		n  int
	)
	if c.Message != nil {
		in, n = conversation.Text(*c.Message), n+1
	}
	if c.Agreed != nil {
		in, n = conversation.Agreement(*c.Agreed), n+1
	}
	if c.BeliefScore != nil {
		in, n = conversation.BeliefScore(*c.BeliefScore), n+1
	}
	if n != 1 {
		return conversation.Input{}, errors.New("exactly one of message, agreed or beliefScore is required")
	}
	return in, nil
}

// ChatResponse is returned by POST and PUT /api/chat.
type ChatResponse struct {
	Response             string              `json:"response"`
	Step                 int                 `json:"step"`
	Phase                domain.Phase        `json:"phase"`
	IsComplete           bool                `json:"isComplete"`
	AwaitingConfirmation bool                `json:"awaitingConfirmation"`
	IsSearching          bool                `json:"isSearching"`
	AwaitingBeliefScore  domain.BeliefPrompt `json:"awaitingBeliefScore"`
	MindShift            *domain.MindShift   `json:"mindShift,omitempty"`
}

func newChatResponse(reply conversation.Reply) ChatResponse {
	s := reply.State
	return ChatResponse{
		Response:             reply.Response,
		Step:                 s.Step,
		Phase:                s.Phase,
		IsComplete:           s.IsComplete(),
		AwaitingConfirmation: s.AwaitingConfirmation,
		IsSearching:          s.IsSearching,
		AwaitingBeliefScore:  s.AwaitingBeliefScore,
		MindShift:            s.MindShift,
	}
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.input()
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, err.Error())
		return
	}
	h.turn(w, r, req.SessionID, in)
}

// Confirm handles PUT /api/chat, the yes/no confirmation shortcut.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Agreed == nil || req.Message != nil || req.BeliefScore != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, "agreed is required")
		return
	}
	h.turn(w, r, req.SessionID, conversation.Agreement(*req.Agreed))
}

func (h *Handler) turn(w http.ResponseWriter, r *http.Request, sessionID string, in conversation.Input) {
	if sessionID == "" {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, "sessionId is required")
		return
	}
	if !h.ensureConversation(w, r, sessionID) {
		return
	}

	reply, err := h.conv.Turn(sessionID, in)
	switch {
	case err == nil:
		respond.JSON(w, http.StatusOK, newChatResponse(reply))
	case errors.Is(err, conversation.ErrUnexpectedInput),
		errors.Is(err, conversation.ErrInvalidScore),
		errors.Is(err, conversation.ErrEmptyMessage):
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, err.Error())
	default:
		respond.Internal(w, r, err)
	}
}

// ensureConversation checks the session exists and restores an archived
// conversation the manager no longer holds.
func (h *Handler) ensureConversation(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if _, ok := h.conv.Lookup(sessionID); ok {
		return true
	}
	_, ok, err := h.svc.Get(r.Context(), sessionID)
	if err != nil {
		respond.Internal(w, r, err)
		return false
	}
	if !ok {
		respond.Error(w, http.StatusNotFound, respond.CodeSessionNotFound, "session not found")
		return false
	}
	archived, err := h.svc.Conversation(r.Context(), sessionID)
	if err != nil {
		respond.Internal(w, r, err)
		return false
	}
	if archived != nil {
		h.conv.Restore(*archived)
	}
	return true
}

// Conversation handles GET /api/chat/{sessionId}.
func (h *Handler) Conversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if state, ok := h.conv.Lookup(id); ok {
		respond.JSON(w, http.StatusOK, state)
		return
	}
	archived, err := h.svc.Conversation(r.Context(), id)
	if err != nil {
		respond.Internal(w, r, err)
		return
	}
	if archived != nil {
		respond.JSON(w, http.StatusOK, archived)
		return
	}
	_, ok, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respond.Internal(w, r, err)
		return
	}
	if !ok {
		respond.Error(w, http.StatusNotFound, respond.CodeSessionNotFound, "session not found")
		return
	}
	respond.JSON(w, http.StatusOK, h.conv.Snapshot(id))
}
