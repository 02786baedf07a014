package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in a conversation transcript.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Phase is a stage of the Socratic conversation.
type Phase string

const (
	PhaseBeliefBefore Phase = "belief_before"
	PhaseQuestions    Phase = "questions"
	PhaseConfirmation Phase = "confirmation"
	PhaseFollowup     Phase = "followup"
	PhaseBeliefAfter  Phase = "belief_after"
	PhaseComplete     Phase = "complete"
)

// BeliefPrompt says which belief score the conversation is waiting for.
type BeliefPrompt string

const (
	BeliefNone   BeliefPrompt = ""
	BeliefBefore BeliefPrompt = "before"
	BeliefAfter  BeliefPrompt = "after"
)

// MinBeliefScore and MaxBeliefScore bound self-reported belief scores.
const (
	MinBeliefScore = 1
	MaxBeliefScore = 5
)

// ShiftDirection summarises how a belief score moved.
type ShiftDirection string

const (
	ShiftStrengthened ShiftDirection = "strengthened"
	ShiftWeakened     ShiftDirection = "weakened"
	ShiftUnchanged    ShiftDirection = "unchanged"
)

// MindShift compares belief scores captured before and after the conversation.
type MindShift struct {
	Before    int            `json:"before"`
	After     int            `json:"after"`
	Change    int            `json:"change"`
	Direction ShiftDirection `json:"direction"`
}

// NewMindShift computes the shift between two scores.
func NewMindShift(before, after int) MindShift {
	ms := MindShift{Before: before, After: after, Change: after - before}
	switch {
	case ms.Change > 0:
		ms.Direction = ShiftStrengthened
	case ms.Change < 0:
		ms.Direction = ShiftWeakened
	default:
		ms.Direction = ShiftUnchanged
	}
	return ms
}

// ConversationState is the per-session Socratic dialogue state.
type ConversationState struct {
	SessionID            string        `json:"sessionId"`
	Messages             []ChatMessage `json:"messages"`
	Phase                Phase         `json:"phase"`
	Step                 int           `json:"step"`
	AwaitingConfirmation bool          `json:"awaitingConfirmation"`
	IsSearching          bool          `json:"isSearching"`
	UserAgreed           *bool         `json:"userAgreed"`
	BeliefScoreBefore    *int          `json:"beliefScoreBefore"`
	BeliefScoreAfter     *int          `json:"beliefScoreAfter"`
	AwaitingBeliefScore  BeliefPrompt  `json:"awaitingBeliefScore"`
	MindShift            *MindShift    `json:"mindShift,omitempty"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// NewConversationState returns the initial state for a session.
func NewConversationState(sessionID string) ConversationState {
	return ConversationState{
		SessionID:           sessionID,
		Phase:               PhaseBeliefBefore,
		AwaitingBeliefScore: BeliefBefore,
	}
}

// IsComplete reports whether the conversation has ended.
func (c *ConversationState) IsComplete() bool {
	return c.Phase == PhaseComplete
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c ConversationState) Clone() ConversationState {
	out := c
	out.Messages = append([]ChatMessage(nil), c.Messages...)
	if c.UserAgreed != nil {
		v := *c.UserAgreed
		out.UserAgreed = &v
	}
	if c.BeliefScoreBefore != nil {
		v := *c.BeliefScoreBefore
		out.BeliefScoreBefore = &v
	}
	if c.BeliefScoreAfter != nil {
		v := *c.BeliefScoreAfter
		out.BeliefScoreAfter = &v
	}
	if c.MindShift != nil {
		v := *c.MindShift
		out.MindShift = &v
	}
	return out
}
