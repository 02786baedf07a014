// Package client is the Go consumer of the Flipside API: a JSON client, a
// reconnecting stream reader, a polling fallback, and a Session that ties
// them together.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/flipside/internal/domain"
)

// ErrSessionNotFound is returned for SESSION_NOT_FOUND responses.
var ErrSessionNotFound = errors.New("session not found")

// APIError is a failed envelope returned by the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Is matches ErrSessionNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrSessionNotFound && e.Code == "SESSION_NOT_FOUND"
}

// Client calls the Flipside HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stream = &http.Client{Transport: c.http.Transport}
	return c
}

// AnalyzeResponse is the data of POST /api/analyze.
type AnalyzeResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	StreamURL string `json:"streamUrl"`
}

// Result is the data of GET /api/result/{id}.
type Result struct {
	SessionID string                `json:"sessionId"`
	Status    domain.SessionStatus  `json:"status"`
	Result    domain.AnalysisResult `json:"result,omitempty"`
	Error     *domain.ErrorInfo     `json:"error,omitempty"`
}

// ChatReply is the data of POST and PUT /api/chat.
type ChatReply struct {
	Response             string              `json:"response"`
	Step                 int                 `json:"step"`
	Phase                domain.Phase        `json:"phase"`
	IsComplete           bool                `json:"isComplete"`
	AwaitingConfirmation bool                `json:"awaitingConfirmation"`
	IsSearching          bool                `json:"isSearching"`
	AwaitingBeliefScore  domain.BeliefPrompt `json:"awaitingBeliefScore"`
	MindShift            *domain.MindShift   `json:"mindShift,omitempty"`
}

// Health is the data of GET /api/health.
type Health struct {
	Status        string `json:"status"`
	Mode          string `json:"mode"`
	Sessions      int    `json:"sessions"`
	Connections   int    `json:"connections"`
	Conversations int    `json:"conversations"`
	Archive       string `json:"archive"`
}

// Analyze creates an analysis session.
func (c *Client) Analyze(ctx context.Context, typ domain.ContentType, content string, deferStart bool) (AnalyzeResponse, error) {
	body := map[string]any{"type": typ, "content": content}
	if deferStart {
		body["deferStart"] = true
	}
	var out AnalyzeResponse
	err := c.do(ctx, http.MethodPost, "/api/analyze", body, &out)
	return out, err
}

// Result fetches the status and result of a session.
func (c *Client) Result(ctx context.Context, sessionID string) (Result, error) {
	var out Result
	err := c.do(ctx, http.MethodGet, "/api/result/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

// SendMessage sends one free-text chat turn.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) (ChatReply, error) {
	return c.chat(ctx, http.MethodPost, map[string]any{"sessionId": sessionID, "message": message})
}

// SubmitBeliefScore sends a 1-5 belief score.
func (c *Client) SubmitBeliefScore(ctx context.Context, sessionID string, score int) (ChatReply, error) {
	return c.chat(ctx, http.MethodPost, map[string]any{"sessionId": sessionID, "beliefScore": score})
}

// Confirm answers the confirmation question.
func (c *Client) Confirm(ctx context.Context, sessionID string, agreed bool) (ChatReply, error) {
	return c.chat(ctx, http.MethodPut, map[string]any{"sessionId": sessionID, "agreed": agreed})
}

func (c *Client) chat(ctx context.Context, method string, body map[string]any) (ChatReply, error) {
	var out ChatReply
	err := c.do(ctx, method, "/api/chat", body, &out)
	return out, err
}

// Conversation fetches the full conversation state of a session.
func (c *Client) Conversation(ctx context.Context, sessionID string) (domain.ConversationState, error) {
	var out domain.ConversationState
	err := c.do(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(sessionID), nil, &out)
	return out, err
}

// Health fetches server health. A degraded server yields an *APIError with
// status 503.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Code: "INVALID_RESPONSE", Message: err.Error()}
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
