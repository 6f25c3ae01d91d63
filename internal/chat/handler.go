// Package chat exposes a conversation session over HTTP, SSE and WebSocket.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	"github.com/ashureev/tripchat/internal/api"
	"github.com/ashureev/tripchat/internal/conversation"
	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/events"
	"github.com/ashureev/tripchat/internal/identity"
	"github.com/ashureev/tripchat/internal/provider"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryReader reads a chat transcript.
type HistoryReader interface {
	ListChatMessages(ctx context.Context, userID, chatID string, limit int) ([]*domain.ChatMessage, error)
}

// Options tunes the chat surface. Zero values take defaults.
type Options struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	AllowedOrigin      string // WebSocket origin; empty allows any
	DevMode            bool
}

func (o Options) withDefaults() Options {
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 10 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.MaxRequestBodySize <= 0 {
		o.MaxRequestBodySize = api.DefaultMaxRequestBodySize
	}
	if o.RateLimitRequests <= 0 {
		o.RateLimitRequests = 20
	}
	if o.RateLimitWindow <= 0 {
		o.RateLimitWindow = time.Minute
	}
	return o
}

// Handler serves the chat API for the caller's current chat.
type Handler struct {
	registry    *conversation.Registry
	broadcaster *events.Broadcaster
	history     HistoryReader
	rateLimiter *RateLimiter
	conns       *Connections
	opts        Options
	logger      *slog.Logger
}

// NewHandler creates a chat handler. history may be nil.
func NewHandler(reg *conversation.Registry, b *events.Broadcaster, history HistoryReader, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Handler{
		registry:    reg,
		broadcaster: b,
		history:     history,
		rateLimiter: NewRateLimiter(opts.RateLimitRequests, opts.RateLimitWindow, nil),
		conns:       NewConnections(),
		opts:        opts,
		logger:      logger,
	}
}

// RegisterRoutes registers chat routes (requires identity).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/message", h.HandleMessage)
		r.Get("/stream", h.HandleStream)
		r.Get("/state", h.HandleState)
		r.Get("/history", h.HandleHistory)
		r.Get("/chats", h.HandleChats)
		r.Post("/trips/new", h.HandleNewTrip)
		r.Post("/trips/confirm", h.HandleConfirm)
		r.Post("/trips/cancel", h.HandleCancel)
		r.Post("/trips/{id}/resume", h.HandleResume)
		r.Patch("/trip", h.HandlePatchTrip)
		r.Post("/itinerary/select", h.HandleSelect)
		r.Patch("/itinerary", h.HandleEditItinerary)
		r.Post("/fetch/{topic}", h.HandleFetch)
		r.Delete("/profile/{category}", h.HandleClearProfile)
	})
	r.Get("/ws/chat", h.HandleWebSocket)
}

// Forget drops everything held for a chat that has been swept.
func (h *Handler) Forget(chatID string) {
	h.conns.CloseChat(chatID)
	if h.broadcaster != nil {
		h.broadcaster.Forget(chatID)
	}
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

type stateResponse struct {
	Reply *conversation.Reply   `json:"reply,omitempty"`
	State conversation.Snapshot `json:"state"`
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*conversation.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	chatID := identity.ChatIDFromContext(r.Context())

	s, err := h.registry.GetOrCreate(userID, chatID)
	if errors.Is(err, conversation.ErrChatForbidden) {
		api.Error(w, http.StatusForbidden, "chat belongs to another user")
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to open chat session", "user_id", userID, "chat_id", chatID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to open chat session")
		return nil, false
	}
	return s, true
}

// HandleMessage handles POST /api/chat/message.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if !h.rateLimiter.Allow(s.UserID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := api.Decode(w, r, h.opts.MaxRequestBodySize, &req); err != nil {
		api.DecodeError(w, err)
		return
	}

	h.logger.Info("Chat message received",
		"user_id", s.UserID,
		"username", identity.UsernameFromContext(r.Context()),
		"chat_id", s.ChatID,
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	reply, err := s.Assistant.HandleMessage(r.Context(), req.Message)
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, conversation.ErrClosed):
		api.Error(w, http.StatusGone, "chat session closed")
		return
	case err != nil:
		h.logger.Warn("Chat message failed", "chat_id", s.ChatID, "error", err)
		api.JSON(w, http.StatusBadGateway, map[string]any{
			"error": "failed to process message",
			"state": s.Machine().Snapshot(),
		})
		return
	}

	api.JSON(w, http.StatusAccepted, stateResponse{Reply: &reply, State: s.Machine().Snapshot()})
}

// HandleState handles GET /api/chat/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, stateResponse{State: s.Machine().Snapshot()})
}

// HandleHistory handles GET /api/chat/history?limit=N.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.history == nil {
		api.JSON(w, http.StatusOK, map[string]any{"messages": []*domain.ChatMessage{}})
		return
	}
	chatID := identity.ChatIDFromContext(r.Context())

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n == 0 {
			n = maxHistoryLimit
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.history.ListChatMessages(r.Context(), userID, chatID, limit)
	if err != nil {
		h.logger.Error("Failed to load chat history", "user_id", userID, "chat_id", chatID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// HandleChats handles GET /api/chat/chats.
func (h *Handler) HandleChats(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"chats": h.registry.ListChats(userID)})
}

// HandleNewTrip handles POST /api/chat/trips/new {"force": bool}.
func (h *Handler) HandleNewTrip(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := api.Decode(w, r, h.opts.MaxRequestBodySize, &req); err != nil {
			api.DecodeError(w, err)
			return
		}
	}

	_, err := s.Machine().StartNewTrip(req.Force)
	h.respond(w, s, http.StatusOK, err)
}

// HandleConfirm handles POST /api/chat/trips/confirm and starts generation.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	err := s.Machine().GenerateItinerary(r.Context())
	h.respond(w, s, http.StatusAccepted, err)
}

// HandleCancel handles POST /api/chat/trips/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Machine().CancelTrip()
	h.respond(w, s, http.StatusOK, nil)
}

// HandleResume handles POST /api/chat/trips/{id}/resume.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	_, err := s.Machine().ResumeDraft(chi.URLParam(r, "id"))
	h.respond(w, s, http.StatusOK, err)
}

// HandlePatchTrip handles PATCH /api/chat/trip with a draft patch object.
func (h *Handler) HandlePatchTrip(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if err := api.Decode(w, r, h.opts.MaxRequestBodySize, &patch); err != nil {
		api.DecodeError(w, err)
		return
	}
	_, err := s.Machine().UpdateDraft(patch)
	h.respond(w, s, http.StatusOK, err)
}

// HandleSelect handles POST /api/chat/itinerary/select {"index": n}.
func (h *Handler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := api.Decode(w, r, h.opts.MaxRequestBodySize, &req); err != nil {
		api.DecodeError(w, err)
		return
	}
	_, err := s.Machine().SelectTrip(req.Index)
	h.respond(w, s, http.StatusOK, err)
}

// HandleEditItinerary handles PATCH /api/chat/itinerary with a draft patch
// applied on top of the displayed itinerary's trip.
func (h *Handler) HandleEditItinerary(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if err := api.Decode(w, r, h.opts.MaxRequestBodySize, &patch); err != nil {
		api.DecodeError(w, err)
		return
	}
	_, err := s.Machine().EditItinerary(patch)
	h.respond(w, s, http.StatusOK, err)
}

// HandleFetch handles POST /api/chat/fetch/{topic} with the topic params as
// the body. The result arrives on the event stream.
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	topic := chi.URLParam(r, "topic")
	if !lo.Contains(provider.Topics, topic) {
		api.Error(w, http.StatusNotFound, "unknown topic")
		return
	}

	params := map[string]any{}
	if r.ContentLength != 0 {
		if err := api.Decode(w, r, h.opts.MaxRequestBodySize, &params); err != nil {
			api.DecodeError(w, err)
			return
		}
	}
	if missing := provider.MissingParams(topic, params); len(missing) > 0 {
		api.JSON(w, http.StatusBadRequest, map[string]any{
			"error":   "missing parameters",
			"missing": missing,
		})
		return
	}

	err := s.Machine().FetchExternal(r.Context(), topic, params)
	h.respond(w, s, http.StatusAccepted, err)
}

// HandleClearProfile handles DELETE /api/chat/profile/{category}.
func (h *Handler) HandleClearProfile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Machine().ClearProfile(chi.URLParam(r, "category")); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, s, http.StatusOK, nil)
}

func (h *Handler) respond(w http.ResponseWriter, s *conversation.Session, status int, err error) {
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.logger.Error("Chat operation failed", "chat_id", s.ChatID, "error", err)
		}
		api.JSON(w, code, map[string]any{
			"error": err.Error(),
			"state": s.Machine().Snapshot(),
		})
		return
	}
	api.JSON(w, status, stateResponse{State: s.Machine().Snapshot()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNoDraft),
		errors.Is(err, conversation.ErrNoItinerary),
		errors.Is(err, conversation.ErrItineraryHeld),
		errors.Is(err, conversation.ErrGenerationInProgress):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrDraftIncomplete):
		return http.StatusUnprocessableEntity
	case errors.Is(err, conversation.ErrDraftNotFound),
		errors.Is(err, conversation.ErrTripIndex):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusGone
	case errors.Is(err, conversation.ErrNoGateway):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
