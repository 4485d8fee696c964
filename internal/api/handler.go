// Package api provides HTTP and websocket handlers for the course chat API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/coursechat/internal/chat"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/metrics"
	"github.com/ashureev/coursechat/internal/session"
	"github.com/ashureev/coursechat/internal/store"
)

const (
	maxMessageLength = 2000
	maxTopicLength   = 100

	defaultMaxRequestBodySize = 64 * 1024
	defaultTranscriptLimit    = 100
	healthCheckTimeout        = 5 * time.Second
)

// Responder runs one chat turn.
type Responder interface {
	Respond(ctx context.Context, req chat.Request) (*chat.Reply, error)
}

// Deps are the collaborators of a Handler. Archive, Metrics, Limiter and
// Logger are optional.
type Deps struct {
	Chat               Responder
	Sessions           session.Store
	Archive            store.Archive
	LLM                llm.Client
	Metrics            *metrics.Recorder
	Limiter            *RateLimiter
	MaxRequestBodySize int64
	AllowedOrigins     []string // checked on websocket upgrades
	AdminToken         string   // cleanup is only mounted when set
	Logger             *slog.Logger
}

// Handler serves the chat endpoints.
type Handler struct {
	chat           Responder
	sessions       session.Store
	archive        store.Archive
	llm            llm.Client
	metrics        *metrics.Recorder
	limiter        *RateLimiter
	maxBodySize    int64
	originPatterns []string
	adminToken     string
	logger         *slog.Logger
}

// NewHandler creates a Handler from deps.
func NewHandler(deps Deps) *Handler {
	if deps.Archive == nil {
		deps.Archive = store.Nop{}
	}
	if deps.MaxRequestBodySize <= 0 {
		deps.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{
		chat:           deps.Chat,
		sessions:       deps.Sessions,
		archive:        deps.Archive,
		llm:            deps.LLM,
		metrics:        deps.Metrics,
		limiter:        deps.Limiter,
		maxBodySize:    deps.MaxRequestBodySize,
		originPatterns: OriginPatterns(deps.AllowedOrigins),
		adminToken:     deps.AdminToken,
		logger:         deps.Logger,
	}
}

// RegisterRoutes mounts the chat API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Get("/session/{id}/stats", h.HandleStats)
		r.Get("/session/{id}/transcript", h.HandleTranscript)
		if h.adminToken != "" {
			r.Post("/cleanup", h.HandleCleanup)
		}
		r.Get("/health", h.HandleHealth)
	})
	r.Get("/ws/chat", h.HandleWebSocket)
}

// ChatRequest is the inbound chat payload.
type ChatRequest struct {
	Message        string               `json:"message"`
	Topic          string               `json:"topic"`
	Context        string               `json:"context"`
	SessionID      string               `json:"sessionId,omitempty"`
	LearnerData    *domain.LearnerPatch `json:"learnerData,omitempty"`
	IsFirstMessage bool                 `json:"isFirstMessage"`
}

// ChatError is the failure shape of a chat turn.
type ChatError struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Reply     string `json:"reply"`
	SessionID string `json:"sessionId,omitempty"`
}

// validate checks req and converts it to a chat.Request.
func (req ChatRequest) validate() (chat.Request, error) {
	n := utf8.RuneCountInString(req.Message)
	if n == 0 || n > maxMessageLength {
		return chat.Request{}, errors.New("message must be between 1 and 2000 characters")
	}
	n = utf8.RuneCountInString(req.Topic)
	if n == 0 || n > maxTopicLength {
		return chat.Request{}, errors.New("topic must be between 1 and 100 characters")
	}
	c, ok := domain.ParseContext(req.Context)
	if !ok {
		return chat.Request{}, errors.New("context must be one of help, learn_more, practice, quiz_failed, summary, general")
	}
	if req.SessionID != "" {
		if _, err := uuid.Parse(req.SessionID); err != nil {
			return chat.Request{}, errors.New("sessionId must be a valid UUID")
		}
	}
	return chat.Request{
		Message:        req.Message,
		Topic:          req.Topic,
		Context:        c,
		SessionID:      req.SessionID,
		Learner:        req.LearnerData,
		IsFirstMessage: req.IsFirstMessage,
	}, nil
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.allow(clientKey(r, body.LearnerData)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req, err := body.validate()
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, failure := h.respond(r.Context(), req)
	if failure != nil {
		JSON(w, http.StatusInternalServerError, failure)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// respond runs a turn and maps any error to the user-safe failure shape.
func (h *Handler) respond(ctx context.Context, req chat.Request) (*chat.Reply, *ChatError) {
	reply, err := h.chat.Respond(ctx, req)
	if err == nil {
		return reply, nil
	}

	var turnErr *chat.TurnError
	if errors.As(err, &turnErr) {
		h.logger.Error("Chat turn failed", "session_id", turnErr.SessionID, "error", turnErr.Err)
		return nil, &ChatError{
			Error:     true,
			Message:   turnErr.Message,
			Reply:     turnErr.Reply,
			SessionID: turnErr.SessionID,
		}
	}

	h.logger.Error("Chat turn failed", "session_id", req.SessionID, "error", err)
	return nil, &ChatError{
		Error:     true,
		Message:   "Failed to generate response",
		Reply:     llm.ApologyText,
		SessionID: req.SessionID,
	}
}

func (h *Handler) allow(key string) bool {
	if h.limiter == nil || h.limiter.Allow(key) {
		return true
	}
	h.metrics.RateLimited()
	h.logger.Warn("Chat rate limit exceeded", "client", key)
	return false
}

// statsResponse renders session stats with the duration in milliseconds.
type statsResponse struct {
	MessageCount       int            `json:"messageCount"`
	ConversationLength int            `json:"conversationLength"`
	Duration           int64          `json:"duration"`
	LastActivity       time.Time      `json:"lastActivity"`
	CurrentTopic       string         `json:"currentTopic"`
	CurrentContext     domain.Context `json:"currentContext"`
}

// HandleStats handles GET /api/chat/session/{id}/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, ok := h.sessions.Stats(r.Context(), id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, statsResponse{
		MessageCount:       stats.MessageCount,
		ConversationLength: stats.ConversationLength,
		Duration:           stats.Duration.Milliseconds(),
		LastActivity:       stats.LastActivity,
		CurrentTopic:       stats.CurrentTopic,
		CurrentContext:     stats.CurrentContext,
	})
}

type transcriptTurn struct {
	Role      domain.Role    `json:"role"`
	Text      string         `json:"text"`
	Topic     string         `json:"topic"`
	Context   domain.Context `json:"context"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// HandleTranscript handles GET /api/chat/session/{id}/transcript.
func (h *Handler) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := h.archive.ListTurns(r.Context(), id, defaultTranscriptLimit)
	if errors.Is(err, store.ErrArchiveDisabled) {
		Error(w, http.StatusNotFound, "transcript archive is disabled")
		return
	}
	if err != nil {
		h.logger.Error("Failed to list transcript", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}

	turns := make([]transcriptTurn, 0, len(records))
	for _, rec := range records {
		turns = append(turns, transcriptTurn{
			Role:      rec.Role,
			Text:      rec.Text,
			Topic:     rec.Topic,
			Context:   rec.Context,
			Metadata:  rec.Metadata,
			CreatedAt: rec.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"turns":     turns,
	})
}

// HandleCleanup handles POST /api/chat/cleanup. The caller must present
// the admin token as a bearer token.
func (h *Handler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		h.logger.Warn("Rejected session cleanup", "remote_addr", r.RemoteAddr)
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	cleared, err := h.sessions.FlushAll(r.Context())
	if err != nil {
		h.logger.Error("Session cleanup failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to clear sessions")
		return
	}
	h.logger.Info("Sessions cleared", "count", cleared)
	JSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

type healthResponse struct {
	Status   string     `json:"status"`
	LLM      llm.Health `json:"llm"`
	Sessions int        `json:"sessions"`
	Archive  string     `json:"archive"`
}

// HandleHealth handles GET /api/chat/health. It reports 503 only when the
// model is down.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		LLM:      h.llm.HealthCheck(ctx),
		Sessions: h.sessions.Len(ctx),
		Archive:  "up",
	}
	switch err := h.archive.Ping(ctx); {
	case errors.Is(err, store.ErrArchiveDisabled):
		resp.Archive = "disabled"
	case err != nil:
		h.logger.Warn("Archive ping failed", "error", err)
		resp.Archive = "down"
	}

	status := http.StatusOK
	resp.Status = string(resp.LLM.Status)
	if resp.LLM.Status == llm.StatusDown {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}

func (h *Handler) isAdmin(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

// clientKey keys rate limiting by learner id, falling back to client IP.
func clientKey(r *http.Request, learner *domain.LearnerPatch) string {
	if learner != nil && learner.ID != nil && *learner.ID != "" {
		return "learner:" + *learner.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
