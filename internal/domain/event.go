package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind is the wire discriminator of a stream event.
type EventKind string

const (
	KindAgentStatus EventKind = "agent_status"
	KindPanelUpdate EventKind = "panel_update"
	KindComplete    EventKind = "analysis_complete"
	KindError       EventKind = "error"
)

// Event is one of AgentStatusEvent, PanelUpdateEvent, CompleteEvent or
// ErrorEvent. The set is closed: only this package can add variants.
type Event interface {
	Kind() EventKind
	// Terminal reports whether no further events may follow for the session.
	Terminal() bool
	sealed()
}

// AgentStatusEvent reports an agent's current activity.
type AgentStatusEvent struct {
	AgentID  AgentID     `json:"agentId"`
	Status   AgentStatus `json:"status"`
	Message  string      `json:"message,omitempty"`
	Progress *int        `json:"progress,omitempty"`
}

// PanelUpdateEvent delivers one panel's structured data.
type PanelUpdateEvent struct {
	Panel   PanelKind       `json:"-"`
	Payload json.RawMessage `json:"-"`
}

// CompleteEvent is the successful terminal event.
type CompleteEvent struct {
	SessionID string         `json:"sessionId"`
	Result    AnalysisResult `json:"result"`
}

// ErrorEvent is the failed terminal event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	AgentID string `json:"agentId,omitempty"`
}

func (AgentStatusEvent) Kind() EventKind { return KindAgentStatus }
func (PanelUpdateEvent) Kind() EventKind { return KindPanelUpdate }
func (CompleteEvent) Kind() EventKind    { return KindComplete }
func (ErrorEvent) Kind() EventKind       { return KindError }

func (AgentStatusEvent) Terminal() bool { return false }
func (PanelUpdateEvent) Terminal() bool { return false }
func (CompleteEvent) Terminal() bool    { return true }
func (ErrorEvent) Terminal() bool       { return true }

func (AgentStatusEvent) sealed() {}
func (PanelUpdateEvent) sealed() {}
func (CompleteEvent) sealed()    {}
func (ErrorEvent) sealed()       {}

// Info converts the event into the ErrorInfo stored on a session.
func (e ErrorEvent) Info() ErrorInfo {
	return ErrorInfo(e)
}

// Progress returns a pointer to p, for building AgentStatusEvent literals.
func Progress(p int) *int {
	return &p
}

// ErrUnknownEvent is returned when decoding an unrecognised event type.
var ErrUnknownEvent = errors.New("unknown stream event type")

type wireEvent struct {
	Type    EventKind       `json:"type"`
	Panel   PanelKind       `json:"panel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent renders ev in its wire form:
// {"type": ..., "panel"?: ..., "payload": {...}}.
func EncodeEvent(ev Event) ([]byte, error) {
	var (
		payload []byte
		panel   PanelKind
		err     error
	)
	switch e := ev.(type) {
	case AgentStatusEvent:
		payload, err = json.Marshal(e)
	case PanelUpdateEvent:
		panel = e.Panel
		payload = e.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
	case CompleteEvent:
		payload, err = json.Marshal(e)
	case ErrorEvent:
		payload, err = json.Marshal(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	return json.Marshal(wireEvent{Type: ev.Kind(), Panel: panel, Payload: payload})
}

// DecodeEvent parses the wire form produced by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	switch w.Type {
	case KindAgentStatus:
		var e AgentStatusEvent
		if err := json.Unmarshal(w.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode agent_status payload: %w", err)
		}
		return e, nil
	case KindPanelUpdate:
		if !w.Panel.Valid() {
			return nil, fmt.Errorf("decode panel_update: unknown panel %q", w.Panel)
		}
		payload := make(json.RawMessage, len(w.Payload))
		copy(payload, w.Payload)
		return PanelUpdateEvent{Panel: w.Panel, Payload: payload}, nil
	case KindComplete:
		var e CompleteEvent
		if err := json.Unmarshal(w.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode analysis_complete payload: %w", err)
		}
		return e, nil
	case KindError:
		var e ErrorEvent
		if err := json.Unmarshal(w.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
}
