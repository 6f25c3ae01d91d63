package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/tripchat/internal/api"
	"github.com/ashureev/tripchat/internal/events"
)

// HandleStream handles GET /api/chat/stream. Machine events of the caller's
// chat are streamed as SSE; a Last-Event-ID header (or lastEventId query
// parameter) replays what the client missed.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.broadcaster == nil {
		api.Error(w, http.StatusServiceUnavailable, "streaming not configured")
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			h.logger.Info("SSE client reconnecting with Last-Event-ID",
				"user_id", s.UserID,
				"chat_id", s.ChatID,
				"last_event_id", lastEventID,
			)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.opts.RetryDelay.Milliseconds())); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "error", err, "user_id", s.UserID)
		return
	}
	flusher.Flush()

	sub, missed := h.broadcaster.Subscribe(s.UserID, s.ChatID, lastEventID)
	defer func() {
		h.broadcaster.Unsubscribe(sub)
		h.logger.Info("SSE connection closed", "user_id", s.UserID, "chat_id", s.ChatID)
	}()

	if len(missed) > 0 {
		h.logger.Info("Sending missed events",
			"user_id", s.UserID,
			"chat_id", s.ChatID,
			"count", len(missed),
		)
		for _, env := range missed {
			if err := writeEnvelope(w, env); err != nil {
				h.logger.Warn("Failed to replay SSE event", "error", err, "event_id", env.ID)
				return
			}
		}
	}

	connected, _ := json.Marshal(map[string]any{
		"status":   "connected",
		"user_id":  s.UserID,
		"chat_id":  s.ChatID,
		"event_id": h.broadcaster.LastEventID(),
		"state":    s.Machine().Snapshot(),
	})
	if err := writeSSE(w, "connected", string(connected)); err != nil {
		h.logger.Warn("Failed to write SSE connected event", "error", err, "user_id", s.UserID)
		return
	}
	flusher.Flush()

	h.logger.Info("SSE connection established",
		"user_id", s.UserID,
		"chat_id", s.ChatID,
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-sub.C:
			if !open {
				return
			}
			if err := writeEnvelope(w, env); err != nil {
				h.logger.Warn("Failed to write SSE event", "error", err, "event_id", env.ID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("Failed to write SSE keepalive ping", "error", err, "user_id", s.UserID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEnvelope(w io.Writer, env events.Envelope) error {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", env.ID, err)
	}
	return writeSSEWithID(w, env.ID, string(env.Event.Type), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
