package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/tripchat/internal/conversation"
	"github.com/ashureev/tripchat/internal/events"
	"github.com/ashureev/tripchat/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a client frame on /ws/chat.
type wsMessage struct {
	Type    string         `json:"type"`
	Content string         `json:"content,omitempty"`
	Force   bool           `json:"force,omitempty"`
	Patch   map[string]any `json:"patch,omitempty"`
}

// wsOutbound is a server frame on /ws/chat.
type wsOutbound struct {
	Type  string                 `json:"type"`
	ID    int64                  `json:"id,omitempty"`
	Event *conversation.Event    `json:"event,omitempty"`
	Reply *conversation.Reply    `json:"reply,omitempty"`
	State *conversation.Snapshot `json:"state,omitempty"`
	Error string                 `json:"error,omitempty"`
}

// wsConn serialises writes from the input and output loops.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

// HandleWebSocket handles GET /ws/chat. Client frames drive the assistant;
// machine events of the chat are pushed back as they happen.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.logger.Info("WebSocket connection request", "user_id", s.UserID, "chat_id", s.ChatID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", s.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", s.UserID)
		}
	}()

	h.conns.Register(s.UserID, s.ChatID, ws)
	defer h.conns.Unregister(s.UserID, s.ChatID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &wsConn{ws: ws}
	snap := s.Machine().Snapshot()
	if err := conn.write(ctx, wsOutbound{Type: "connected", State: &snap}); err != nil {
		h.logger.Debug("Failed to send connected frame", "error", err)
		return
	}

	var sub *events.Subscription
	if h.broadcaster != nil {
		sub, _ = h.broadcaster.Subscribe(s.UserID, s.ChatID, 0)
		defer h.broadcaster.Unsubscribe(sub)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, conn, s)
	}()

	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			h.outputLoop(ctx, conn, sub)
		}()
	}

	wg.Wait()
	h.logger.Info("Chat socket ended", "user_id", s.UserID, "chat_id", s.ChatID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.DevMode {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, conn *wsConn, s *conversation.Session) {
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, conn.ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "user_id", s.UserID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", s.UserID)
			}
			return
		}

		out := h.dispatch(ctx, s, msg)
		if err := conn.write(ctx, out); err != nil {
			h.logger.Debug("Failed to write WebSocket reply", "error", err)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, s *conversation.Session, msg wsMessage) wsOutbound {
	m := s.Machine()
	var err error

	switch msg.Type {
	case "message":
		if !h.rateLimiter.Allow(s.UserID) {
			return wsOutbound{Type: "error", Error: "rate limit exceeded"}
		}
		reply, herr := s.Assistant.HandleMessage(ctx, msg.Content)
		if herr != nil {
			return wsOutbound{Type: "error", Error: herr.Error()}
		}
		return wsOutbound{Type: "reply", Reply: &reply}
	case "ping":
		return wsOutbound{Type: "pong"}
	case "state":
	case "new_trip":
		_, err = m.StartNewTrip(msg.Force)
	case "confirm":
		err = m.GenerateItinerary(ctx)
	case "cancel":
		m.CancelTrip()
	case "patch":
		_, err = m.UpdateDraft(msg.Patch)
	default:
		return wsOutbound{Type: "error", Error: "unknown message type: " + msg.Type}
	}

	snap := m.Snapshot()
	if err != nil {
		return wsOutbound{Type: "error", Error: err.Error(), State: &snap}
	}
	return wsOutbound{Type: "state", State: &snap}
}

func (h *Handler) outputLoop(ctx context.Context, conn *wsConn, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, open := <-sub.C:
			if !open {
				return
			}
			e := env.Event
			if err := conn.write(ctx, wsOutbound{Type: "event", ID: env.ID, Event: &e}); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}
