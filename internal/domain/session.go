// Package domain contains core domain types for the Flipside server.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of an analysis session.
type SessionStatus string

const (
	// StatusAnalyzing means a producer is still emitting events.
	StatusAnalyzing SessionStatus = "analyzing"
	// StatusDone means the analysis finished and a result is stored.
	StatusDone SessionStatus = "done"
	// StatusError means the analysis failed. No result is stored.
	StatusError SessionStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ContentType is the kind of content submitted for analysis.
type ContentType string

const (
	ContentURL  ContentType = "url"
	ContentText ContentType = "text"
)

// Valid reports whether the content type is accepted by /analyze.
func (t ContentType) Valid() bool {
	return t == ContentURL || t == ContentText
}

// SessionInput records what was submitted, for diagnostics only.
type SessionInput struct {
	Type          ContentType `json:"type"`
	ContentLength int         `json:"content_length"`
}

// ErrorInfo describes a terminal analysis failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	AgentID string `json:"agentId,omitempty"`
}

// Session represents one user-initiated analysis request.
type Session struct {
	ID        string         `json:"id"`
	Status    SessionStatus  `json:"status"`
	Result    AnalysisResult `json:"result,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
	Input     SessionInput   `json:"input"`
	BackendID string         `json:"backend_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Age returns how long ago the session was created.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// AnalysisResult is the terminal analysis payload (panels, steel-man output).
// Its body is produced by a collaborator and kept verbatim, so two reads of
// the same session return byte-identical results.
type AnalysisResult json.RawMessage

var errNilResult = errors.New("domain: nil analysis result")

// MarshalJSON returns the stored payload, or null when empty.
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of data.
func (r *AnalysisResult) UnmarshalJSON(data []byte) error {
	if r == nil {
		return errNilResult
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = nil
		return nil
	}
	*r = append((*r)[:0], data...)
	return nil
}

// Empty reports whether no payload is present.
func (r AnalysisResult) Empty() bool {
	return len(r) == 0
}

// Equal compares two payloads byte for byte.
func (r AnalysisResult) Equal(other AnalysisResult) bool {
	return bytes.Equal(r, other)
}

// Clone returns an independent copy of the payload.
func (r AnalysisResult) Clone() AnalysisResult {
	if r == nil {
		return nil
	}
	out := make(AnalysisResult, len(r))
	copy(out, r)
	return out
}

// TerminalEvent rebuilds the terminal event recorded on a finished session.
// It returns false while the session is still analyzing.
func (s *Session) TerminalEvent() (Event, bool) {
	switch s.Status {
	case StatusDone:
		return CompleteEvent{SessionID: s.ID, Result: s.Result.Clone()}, true
	case StatusError:
		if s.Error == nil {
			return ErrorEvent{Code: "INTERNAL_ERROR", Message: "analysis failed"}, true
		}
		return ErrorEvent(*s.Error), true
	default:
		return nil, false
	}
}
