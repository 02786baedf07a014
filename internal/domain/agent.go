package domain

// AgentID names a logical analysis stage.
type AgentID string

const (
	AgentAnalyzer    AgentID = "analyzer"
	AgentSource      AgentID = "source"
	AgentPerspective AgentID = "perspective"
	AgentSocrates    AgentID = "socrates"
)

// AllAgents lists agents in pipeline order.
var AllAgents = []AgentID{AgentAnalyzer, AgentSource, AgentPerspective, AgentSocrates}

// AgentStatus is the activity state of an agent.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentThinking  AgentStatus = "thinking"
	AgentSearching AgentStatus = "searching"
	AgentAnalyzing AgentStatus = "analyzing"
	AgentDone      AgentStatus = "done"
	AgentError     AgentStatus = "error"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentThinking, AgentSearching, AgentAnalyzing, AgentDone, AgentError:
		return true
	}
	return false
}

// AgentState is the consumer-side view of one agent.
type AgentState struct {
	ID       AgentID     `json:"id"`
	Status   AgentStatus `json:"status"`
	Message  string      `json:"message,omitempty"`
	Progress int         `json:"progress"`
}

// NewAgentStates returns every agent in the idle state.
func NewAgentStates() map[AgentID]AgentState {
	out := make(map[AgentID]AgentState, len(AllAgents))
	for _, id := range AllAgents {
		out[id] = AgentState{ID: id, Status: AgentIdle}
	}
	return out
}

// Apply merges an agent-status event into the state.
// Progress is clamped to 0-100; a missing progress keeps the previous value.
func (a AgentState) Apply(ev AgentStatusEvent) AgentState {
	a.Status = ev.Status
	if ev.Message != "" {
		a.Message = ev.Message
	}
	if ev.Progress != nil {
		p := *ev.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		a.Progress = p
	}
	return a
}

// PanelKind is one of the three structured result categories.
type PanelKind string

const (
	PanelSource      PanelKind = "source"
	PanelPerspective PanelKind = "perspective"
	PanelBias        PanelKind = "bias"
)

// Valid reports whether p is a known panel.
func (p PanelKind) Valid() bool {
	return p == PanelSource || p == PanelPerspective || p == PanelBias
}
