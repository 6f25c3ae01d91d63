package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Connections tracks the live WebSocket of each chat. A chat has at most one
// socket; a newer one replaces the older.
type Connections struct {
	mu     sync.Mutex
	active map[string]map[string]*websocket.Conn // userID -> chatID -> conn
}

// NewConnections creates an empty connection table.
func NewConnections() *Connections {
	return &Connections{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register records conn as the socket of a chat, closing any previous one.
func (m *Connections) Register(userID, chatID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][chatID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "chat opened elsewhere")
	}

	m.active[userID][chatID] = conn
	slog.Info("Chat socket registered", "user_id", userID, "chat_id", chatID)
}

// Unregister forgets conn if it is still the chat's socket.
func (m *Connections) Unregister(userID, chatID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chats, ok := m.active[userID]; ok {
		if current, exists := chats[chatID]; exists && current == conn {
			delete(chats, chatID)
			if len(chats) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat socket unregistered", "user_id", userID, "chat_id", chatID)
		}
	}
}

// CloseChat closes the socket of chatID, whoever owns it.
func (m *Connections) CloseChat(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, chats := range m.active {
		conn, ok := chats[chatID]
		if !ok {
			continue
		}
		_ = conn.Close(websocket.StatusGoingAway, "chat expired")
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(m.active, userID)
		}
		slog.Info("Chat socket closed", "user_id", userID, "chat_id", chatID)
	}
}
