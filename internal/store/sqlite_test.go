package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tripchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "tripchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUser(ctx, "anon-1")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Unix(1717000000, 0)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "anon-1", Username: "anon-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	later := now.Add(time.Hour)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "anon-1", Username: "traveller", LastSeenAt: later, CreatedAt: later, UpdatedAt: later,
	}))

	u, err := s.GetUser(ctx, "anon-1")
	require.NoError(t, err)
	assert.Equal(t, "traveller", u.Username)
	assert.Equal(t, later.Unix(), u.LastSeenAt.Unix())
	assert.Equal(t, now.Unix(), u.CreatedAt.Unix(), "created_at is kept on update")
}

func TestChatMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, text := range []string{"plan a trip to Paris", "When are you travelling?", "June"} {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		require.NoError(t, s.AppendChatMessage(ctx, &domain.ChatMessage{
			ChatID: "chat-1", UserID: "u1", Role: role, Content: text,
			Metadata: map[string]any{"n": i},
		}))
	}
	require.NoError(t, s.AppendChatMessage(ctx, &domain.ChatMessage{
		ChatID: "chat-2", UserID: "u1", Role: domain.RoleUser, Content: "other chat",
	}))

	all, err := s.ListChatMessages(ctx, "u1", "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "plan a trip to Paris", all[0].Content)
	assert.Equal(t, "June", all[2].Content)
	assert.Equal(t, domain.RoleAssistant, all[1].Role)
	assert.EqualValues(t, 1, all[1].Metadata["n"])
	assert.NotEmpty(t, all[0].ID)

	recent, err := s.ListChatMessages(ctx, "u1", "chat-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "When are you travelling?", recent[0].Content)
	assert.Equal(t, "June", recent[1].Content)

	none, err := s.ListChatMessages(ctx, "someone-else", "chat-1", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestItineraries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &domain.StoredItinerary{
		ChatID:        "chat-1",
		UserID:        "u1",
		ItineraryText: "Day 1: Arrival",
		Structured: &domain.StructuredItinerary{
			Days: []domain.ItineraryDay{{Number: 1, Title: "Arrival", Items: []string{}}},
		},
		Metadata:  map[string]any{"vacationLocation": "Paris"},
		CreatedAt: time.UnixMilli(1717000000000),
	}
	id, err := s.SaveItinerary(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.SaveItinerary(ctx, &domain.StoredItinerary{
		ID: "it-2", ChatID: "chat-1", UserID: "u1", ItineraryText: "Day 1: Rome",
		CreatedAt: time.UnixMilli(1717000005000),
	})
	require.NoError(t, err)

	got, err := s.GetItinerary(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "Day 1: Arrival", got.ItineraryText)
	require.NotNil(t, got.Structured)
	assert.Equal(t, "Arrival", got.Structured.Days[0].Title)
	assert.Equal(t, "Paris", got.Metadata["vacationLocation"])

	_, err = s.GetItinerary(ctx, "u2", id)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListItineraries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "it-2", list[0].ID)
	assert.Nil(t, list[0].Structured)

	// Saving again with the same id replaces the text.
	first.ItineraryText = "Day 1: Arrival (revised)"
	_, err = s.SaveItinerary(ctx, first)
	require.NoError(t, err)
	got, err = s.GetItinerary(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "Day 1: Arrival (revised)", got.ItineraryText)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := withRetry(ctx, "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	boom := errors.New("constraint failed")
	err = withRetry(ctx, "op", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	calls = 0
	err = withRetry(ctx, "op", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	assert.Equal(t, maxRetries, calls)
	assert.True(t, IsBusyError(err))
}
