package domain

import (
	"time"
)

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one durable entry of a chat transcript.
type ChatMessage struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	UserID    string         `json:"user_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StoredItinerary is a persisted generated itinerary.
type StoredItinerary struct {
	ID            string               `json:"id"`
	ChatID        string               `json:"chat_id"`
	UserID        string               `json:"user_id"`
	ItineraryText string               `json:"itinerary_text"`
	Structured    *StructuredItinerary `json:"structured,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}
