// Package conversation implements the Socratic dialogue that follows an
// analysis: a pure transition function over domain.ConversationState plus a
// per-session Manager that stores state and runs delayed effects.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/flipside/internal/domain"
)

var (
	// ErrUnexpectedInput is returned when an input kind is not accepted in
	// the current phase.
	ErrUnexpectedInput = errors.New("input not accepted in current phase")
	// ErrInvalidScore is returned for belief scores outside 1-5.
	ErrInvalidScore = errors.New("belief score must be between 1 and 5")
	// ErrEmptyMessage is returned for blank free-text turns.
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// Script holds the assistant lines of the conversation.
type Script struct {
	Questions      []string      `yaml:"questions"`
	Confirmation   string        `yaml:"confirmation"`
	Agreed         string        `yaml:"agreed"`
	Disagreed      string        `yaml:"disagreed"`
	SearchResult   string        `yaml:"searchResult"`
	FeedbackThanks string        `yaml:"feedbackThanks"`
	StillSearching string        `yaml:"stillSearching"`
	BeliefAfter    string        `yaml:"beliefAfter"`
	Closing        string        `yaml:"closing"`
	Ended          string        `yaml:"ended"`
	SearchDelay    time.Duration `yaml:"searchDelay"`
}

// Validate checks that every line the machine may emit is present.
func (s Script) Validate() error {
	if len(s.Questions) == 0 {
		return errors.New("chat script needs at least one question")
	}
	for i, q := range s.Questions {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("chat script question %d is empty", i)
		}
	}
	required := map[string]string{
		"confirmation":   s.Confirmation,
		"agreed":         s.Agreed,
		"disagreed":      s.Disagreed,
		"searchResult":   s.SearchResult,
		"feedbackThanks": s.FeedbackThanks,
		"ended":          s.Ended,
	}
	for name, line := range required {
		if strings.TrimSpace(line) == "" {
			return fmt.Errorf("chat script line %q is empty", name)
		}
	}
	if s.SearchDelay < 0 {
		return errors.New("chat script search delay cannot be negative")
	}
	return nil
}

// InputKind distinguishes the inputs the machine accepts.
type InputKind int

const (
	InputText InputKind = iota + 1
	InputAgreement
	InputBeliefScore
	// InputSearchComplete is produced internally when the search delay elapses.
	InputSearchComplete
)

func (k InputKind) String() string {
	switch k {
	case InputText:
		return "text"
	case InputAgreement:
		return "agreement"
	case InputBeliefScore:
		return "belief_score"
	case InputSearchComplete:
		return "search_complete"
	default:
		return fmt.Sprintf("InputKind(%d)", int(k))
	}
}

// Input is one user (or timer) action.
type Input struct {
	Kind   InputKind
	Text   string
	Agreed bool
	Score  int
}

// Text builds a free-text input.
func Text(s string) Input { return Input{Kind: InputText, Text: s} }

// Agreement builds a yes/no input.
func Agreement(agreed bool) Input { return Input{Kind: InputAgreement, Agreed: agreed} }

// BeliefScore builds a belief score input.
func BeliefScore(score int) Input { return Input{Kind: InputBeliefScore, Score: score} }

// SearchComplete builds the internal search-finished input.
func SearchComplete() Input { return Input{Kind: InputSearchComplete} }

// Output is what a transition says back.
type Output struct {
	// UserMessage is the transcript line recorded for the input. Empty for
	// internal inputs.
	UserMessage string
	Response    string
	// Mutated is false when the state was returned unchanged.
	Mutated bool
}

// Effect is a side effect requested by a transition.
type Effect interface {
	effect()
}

// StartAnalysis asks the owner to start a deferred analysis.
type StartAnalysis struct{}

// ScheduleSearch asks the owner to feed SearchComplete after Delay.
type ScheduleSearch struct {
	Delay time.Duration
}

func (StartAnalysis) effect()  {}
func (ScheduleSearch) effect() {}

// Transition computes the next state for input in. It never modifies s; on
// error s is returned as is.
func Transition(s domain.ConversationState, in Input, script Script) (domain.ConversationState, Output, []Effect, error) {
	if s.Phase == domain.PhaseComplete {
		return s, Output{Response: script.Ended}, nil, nil
	}

	switch s.Phase {
	case domain.PhaseBeliefBefore:
		score, err := scoreOf(in)
		if err != nil {
			return s, Output{}, nil, err
		}
		next := s.Clone()
		next.BeliefScoreBefore = &score
		next.AwaitingBeliefScore = domain.BeliefNone
		next.Phase = domain.PhaseQuestions
		next.Step = 0
		out := Output{UserMessage: scoreMessage(score), Response: script.Questions[0], Mutated: true}
		return next, out, []Effect{StartAnalysis{}}, nil

	case domain.PhaseQuestions:
		text, err := textOf(in)
		if err != nil {
			return s, Output{}, nil, err
		}
		next := s.Clone()
		out := Output{UserMessage: text, Mutated: true}
		if s.Step < len(script.Questions)-1 {
			next.Step++
			out.Response = script.Questions[next.Step]
		} else {
			next.Phase = domain.PhaseConfirmation
			next.AwaitingConfirmation = true
			out.Response = script.Confirmation
		}
		return next, out, nil, nil

	case domain.PhaseConfirmation:
		if in.Kind != InputAgreement {
			return s, Output{}, nil, unexpected(s.Phase, in)
		}
		next := s.Clone()
		agreed := in.Agreed
		next.UserAgreed = &agreed
		next.AwaitingConfirmation = false
		next.Phase = domain.PhaseFollowup
		out := Output{UserMessage: agreementMessage(agreed), Mutated: true}
		if agreed {
			next.IsSearching = true
			out.Response = script.Agreed
			return next, out, []Effect{ScheduleSearch{Delay: script.SearchDelay}}, nil
		}
		out.Response = script.Disagreed
		return next, out, nil, nil

	case domain.PhaseFollowup:
		return followup(s, in, script)

	case domain.PhaseBeliefAfter:
		score, err := scoreOf(in)
		if err != nil {
			return s, Output{}, nil, err
		}
		next := s.Clone()
		next.BeliefScoreAfter = &score
		next.AwaitingBeliefScore = domain.BeliefNone
		next.Phase = domain.PhaseComplete
		if next.BeliefScoreBefore != nil {
			shift := domain.NewMindShift(*next.BeliefScoreBefore, score)
			next.MindShift = &shift
		}
		closing := script.Closing
		if closing == "" {
			closing = script.Ended
		}
		return next, Output{UserMessage: scoreMessage(score), Response: closing, Mutated: true}, nil, nil
	}

	return s, Output{}, nil, fmt.Errorf("unknown phase %q: %w", s.Phase, ErrUnexpectedInput)
}

func followup(s domain.ConversationState, in Input, script Script) (domain.ConversationState, Output, []Effect, error) {
	if s.IsSearching {
		switch in.Kind {
		case InputSearchComplete:
			next := s.Clone()
			next.IsSearching = false
			next.Phase = domain.PhaseBeliefAfter
			next.AwaitingBeliefScore = domain.BeliefAfter
			return next, Output{Response: withPrompt(script.SearchResult, script.BeliefAfter), Mutated: true}, nil, nil
		case InputText:
			return s, Output{Response: script.StillSearching}, nil, nil
		default:
			return s, Output{}, nil, unexpected(s.Phase, in)
		}
	}

	if s.UserAgreed != nil && !*s.UserAgreed {
		text, err := textOf(in)
		if err != nil {
			return s, Output{}, nil, err
		}
		next := s.Clone()
		next.Phase = domain.PhaseBeliefAfter
		next.AwaitingBeliefScore = domain.BeliefAfter
		return next, Output{UserMessage: text, Response: withPrompt(script.FeedbackThanks, script.BeliefAfter), Mutated: true}, nil, nil
	}

	return s, Output{}, nil, unexpected(s.Phase, in)
}

func scoreOf(in Input) (int, error) {
	if in.Kind != InputBeliefScore {
		return 0, fmt.Errorf("%w: expected belief score, got %s", ErrUnexpectedInput, in.Kind)
	}
	if in.Score < domain.MinBeliefScore || in.Score > domain.MaxBeliefScore {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidScore, in.Score)
	}
	return in.Score, nil
}

func textOf(in Input) (string, error) {
	if in.Kind != InputText {
		return "", fmt.Errorf("%w: expected text, got %s", ErrUnexpectedInput, in.Kind)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	return text, nil
}

func unexpected(p domain.Phase, in Input) error {
	return fmt.Errorf("%w: %s during %s", ErrUnexpectedInput, in.Kind, p)
}

func withPrompt(line, prompt string) string {
	if prompt == "" {
		return line
	}
	return line + "\n\n" + prompt
}

func scoreMessage(score int) string {
	return fmt.Sprintf("%d/%d", score, domain.MaxBeliefScore)
}

func agreementMessage(agreed bool) string {
	if agreed {
		return "Yes, I agree"
	}
	return "No"
}
