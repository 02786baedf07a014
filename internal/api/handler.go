// Package api provides the HTTP handlers for the Flipside API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/flipside/internal/analysis"
	"github.com/ashureev/flipside/internal/conversation"
	"github.com/ashureev/flipside/internal/domain"
	"github.com/ashureev/flipside/internal/producer"
	"github.com/ashureev/flipside/internal/respond"
)

const (
	defaultMaxBodySize = 1 << 20
	healthTimeout      = 2 * time.Second
)

var errBodyTooLarge = errors.New("request body too large")

// Config wires a Handler. Limiter is optional.
type Config struct {
	Service       *analysis.Service
	Conversations *conversation.Manager
	Limiter       *RateLimiter
	MaxBodySize   int64
}

// Handler serves the analysis, result, chat and health endpoints.
type Handler struct {
	svc         *analysis.Service
	conv        *conversation.Manager
	limiter     *RateLimiter
	maxBodySize int64
}

// NewHandler creates a new Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Handler{
		svc:         cfg.Service,
		conv:        cfg.Conversations,
		limiter:     cfg.Limiter,
		maxBodySize: cfg.MaxBodySize,
	}
}

// RegisterRoutes mounts the API on r. Mutating routes are rate limited.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware)
			}
			r.Post("/analyze", h.Analyze)
			r.Post("/chat", h.Chat)
			r.Put("/chat", h.Confirm)
		})
		r.Get("/result/{sessionId}", h.Result)
		r.Get("/chat/{sessionId}", h.Conversation)
		r.Get("/health", h.Health)
	})
}

type analyzeRequest struct {
	Type       domain.ContentType `json:"type"`
	Content    string             `json:"content"`
	DeferStart bool               `json:"deferStart,omitempty"`
}

// AnalyzeResponse is returned by POST /api/analyze.
type AnalyzeResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	StreamURL string `json:"streamUrl"`
}

// Analyze handles POST /api/analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.svc.Create(r.Context(), analysis.Request{
		Type:       req.Type,
		Content:    req.Content,
		DeferStart: req.DeferStart,
	})
	switch {
	case err == nil:
	case errors.Is(err, analysis.ErrInvalidInput):
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, err.Error())
		return
	case errors.Is(err, analysis.ErrInvalidType):
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidType, err.Error())
		return
	case errors.Is(err, analysis.ErrEmptyContent):
		respond.Error(w, http.StatusBadRequest, respond.CodeEmptyContent, err.Error())
		return
	case errors.Is(err, producer.ErrBackend):
		slog.Error("Analysis backend unavailable", "error", err)
		respond.Error(w, http.StatusBadGateway, respond.CodeBackendError, "analysis backend unavailable")
		return
	default:
		respond.Internal(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, AnalyzeResponse{
		SessionID: sess.ID,
		Status:    "started",
		StreamURL: "/api/stream/" + sess.ID,
	})
}

// ResultResponse is returned by GET /api/result/{sessionId}.
type ResultResponse struct {
	SessionID string                `json:"sessionId"`
	Status    domain.SessionStatus  `json:"status"`
	Result    domain.AnalysisResult `json:"result,omitempty"`
	Error     *domain.ErrorInfo     `json:"error,omitempty"`
}

// Result handles GET /api/result/{sessionId}.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	sess, ok, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respond.Internal(w, r, err)
		return
	}
	if !ok {
		respond.Error(w, http.StatusNotFound, respond.CodeSessionNotFound, "session not found")
		return
	}
	respond.JSON(w, http.StatusOK, ResultResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Result:    sess.Result,
		Error:     sess.Error,
	})
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Mode          string `json:"mode"`
	Sessions      int    `json:"sessions"`
	Connections   int    `json:"connections"`
	Conversations int    `json:"conversations"`
	Archive       string `json:"archive"`
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	stats := h.svc.Stats()
	resp := HealthResponse{
		Status:        "healthy",
		Mode:          stats.Mode,
		Sessions:      stats.Sessions,
		Connections:   stats.Connections,
		Conversations: h.conv.Len(),
		Archive:       "ok",
	}
	status := http.StatusOK
	if err := h.svc.PingArchive(ctx); err != nil {
		slog.Warn("Archive health check failed", "error", err)
		resp.Status = "degraded"
		resp.Archive = "unavailable"
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, resp)
}

// decode reads a JSON body into v, writing INVALID_INPUT (or 413) on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Error(w, http.StatusRequestEntityTooLarge, respond.CodeInvalidInput, errBodyTooLarge.Error())
			return false
		}
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, "invalid JSON body")
		return false
	}
	return true
}
