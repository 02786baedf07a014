// Package scenario loads the simulator script: the agent timeline, the panel
// payloads, the final result and the Socratic conversation lines.
package scenario

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/flipside/internal/conversation"
	"github.com/ashureev/flipside/internal/domain"
)

//go:embed default.yaml
var defaultScenario []byte

// Scenario is a parsed scenario file.
type Scenario struct {
	Timeline []Stage                  `yaml:"timeline"`
	Panels   map[domain.PanelKind]any `yaml:"panels"`
	SteelMan any                      `yaml:"steelMan"`
	Chat     conversation.Script      `yaml:"chat"`
}

// Stage is a group of events emitted in the same tick, At after session start.
type Stage struct {
	At     time.Duration `yaml:"at"`
	Events []StageEvent  `yaml:"events"`
}

// StageEvent describes one event of a stage. Panel payloads and the final
// result are filled in from the scenario's panels.
type StageEvent struct {
	Type     domain.EventKind   `yaml:"type"`
	Agent    domain.AgentID     `yaml:"agent"`
	Status   domain.AgentStatus `yaml:"status"`
	Message  string             `yaml:"message"`
	Progress *int               `yaml:"progress"`
	Panel    domain.PanelKind   `yaml:"panel"`
	Code     string             `yaml:"code"`
}

// Default returns the embedded scenario.
func Default() (*Scenario, error) {
	return Parse(defaultScenario)
}

// Load reads a scenario from path, or the embedded default when path is empty.
func Load(path string) (*Scenario, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks timeline ordering and that exactly one terminal event ends
// the timeline.
func (s *Scenario) Validate() error {
	if len(s.Timeline) == 0 {
		return errors.New("scenario timeline is empty")
	}
	var prev time.Duration
	terminals := 0
	for i, st := range s.Timeline {
		if st.At <= 0 || (i > 0 && st.At <= prev) {
			return fmt.Errorf("stage %d: delays must be positive and strictly increasing", i)
		}
		prev = st.At
		if len(st.Events) == 0 {
			return fmt.Errorf("stage %d has no events", i)
		}
		for j, ev := range st.Events {
			if err := s.validateEvent(ev); err != nil {
				return fmt.Errorf("stage %d event %d: %w", i, j, err)
			}
			if ev.Type == domain.KindComplete || ev.Type == domain.KindError {
				terminals++
				if i != len(s.Timeline)-1 || j != len(st.Events)-1 {
					return fmt.Errorf("stage %d event %d: terminal event must be last", i, j)
				}
			}
		}
	}
	if terminals != 1 {
		return fmt.Errorf("scenario must end with exactly one terminal event, found %d", terminals)
	}
	if err := s.Chat.Validate(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}

func (s *Scenario) validateEvent(ev StageEvent) error {
	switch ev.Type {
	case domain.KindAgentStatus:
		if ev.Agent == "" || !ev.Status.Valid() {
			return fmt.Errorf("agent_status needs an agent and a valid status")
		}
	case domain.KindPanelUpdate:
		if !ev.Panel.Valid() {
			return fmt.Errorf("unknown panel %q", ev.Panel)
		}
		if _, ok := s.Panels[ev.Panel]; !ok {
			return fmt.Errorf("panel %q has no payload", ev.Panel)
		}
	case domain.KindComplete:
	case domain.KindError:
		if ev.Code == "" {
			return errors.New("error event needs a code")
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownEvent, ev.Type)
	}
	return nil
}

// Result renders the analysis result carried by the complete event.
func (s *Scenario) Result() (domain.AnalysisResult, error) {
	doc := map[string]any{"steelMan": s.SteelMan}
	for kind, payload := range s.Panels {
		doc[string(kind)] = payload
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode scenario result: %w", err)
	}
	return domain.AnalysisResult(data), nil
}

// PanelPayload renders one panel's payload.
func (s *Scenario) PanelPayload(kind domain.PanelKind) (json.RawMessage, error) {
	payload, ok := s.Panels[kind]
	if !ok {
		return nil, fmt.Errorf("scenario has no %q panel", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s panel: %w", kind, err)
	}
	return data, nil
}

// Event converts a stage event into a domain event for sessionID. Complete
// events carry result.
func (s *Scenario) Event(sessionID string, ev StageEvent, result domain.AnalysisResult) (domain.Event, error) {
	switch ev.Type {
	case domain.KindAgentStatus:
		return domain.AgentStatusEvent{AgentID: ev.Agent, Status: ev.Status, Message: ev.Message, Progress: ev.Progress}, nil
	case domain.KindPanelUpdate:
		payload, err := s.PanelPayload(ev.Panel)
		if err != nil {
			return nil, err
		}
		return domain.PanelUpdateEvent{Panel: ev.Panel, Payload: payload}, nil
	case domain.KindComplete:
		return domain.CompleteEvent{SessionID: sessionID, Result: result.Clone()}, nil
	case domain.KindError:
		return domain.ErrorEvent{Code: ev.Code, Message: ev.Message, AgentID: string(ev.Agent)}, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, ev.Type)
}

// Duration returns the delay of the last stage.
func (s *Scenario) Duration() time.Duration {
	if len(s.Timeline) == 0 {
		return 0
	}
	return s.Timeline[len(s.Timeline)-1].At
}
