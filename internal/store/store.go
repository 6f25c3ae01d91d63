// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/tripchat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users, chat transcripts
// and generated itineraries.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// AppendChatMessage adds one message to a chat transcript.
	AppendChatMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ListChatMessages returns up to limit most recent messages of a chat,
	// oldest first. A limit <= 0 returns the whole transcript.
	ListChatMessages(ctx context.Context, userID, chatID string, limit int) ([]*domain.ChatMessage, error)

	// SaveItinerary stores a generated itinerary and returns its id.
	SaveItinerary(ctx context.Context, it *domain.StoredItinerary) (string, error)

	// GetItinerary retrieves one of a user's itineraries.
	GetItinerary(ctx context.Context, userID, id string) (*domain.StoredItinerary, error)

	// ListItineraries returns a user's itineraries, newest first.
	ListItineraries(ctx context.Context, userID string) ([]*domain.StoredItinerary, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
