package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo/mutable"
	_ "modernc.org/sqlite"

	"github.com/ashureev/tripchat/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while the transcript is being appended to.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(user_id, chat_id, seq);

	CREATE TABLE IF NOT EXISTS itineraries (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		itinerary_text TEXT NOT NULL,
		structured_json TEXT,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_itineraries_user ON itineraries(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// AppendChatMessage adds one message to a chat transcript.
func (s *SQLiteStore) AppendChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	meta, err := encodeJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	query := `
		INSERT INTO chat_messages (id, chat_id, user_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "append chat message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.ChatID, msg.UserID, msg.Role, msg.Content, meta, msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		return nil
	})
}

// ListChatMessages returns the most recent messages of a chat, oldest first.
func (s *SQLiteStore) ListChatMessages(ctx context.Context, userID, chatID string, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, chat_id, user_id, role, content, metadata_json, created_at
		FROM chat_messages WHERE user_id = ? AND chat_id = ?
		ORDER BY seq DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.UserID, &msg.Role, &msg.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message row: %w", err)
		}
		if err := decodeJSON(meta, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}

	mutable.Reverse(msgs)
	return msgs, nil
}

// SaveItinerary stores a generated itinerary. An existing row with the same
// id is replaced.
func (s *SQLiteStore) SaveItinerary(ctx context.Context, it *domain.StoredItinerary) (string, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	structured, err := encodeJSON(it.Structured)
	if err != nil {
		return "", fmt.Errorf("encode structured itinerary: %w", err)
	}
	meta, err := encodeJSON(it.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode itinerary metadata: %w", err)
	}

	query := `
		INSERT INTO itineraries (id, chat_id, user_id, itinerary_text, structured_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			itinerary_text = excluded.itinerary_text,
			structured_json = excluded.structured_json,
			metadata_json = excluded.metadata_json`

	err = withRetry(ctx, "save itinerary", func() error {
		_, err := s.db.ExecContext(ctx, query,
			it.ID, it.ChatID, it.UserID, it.ItineraryText, structured, meta, it.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert itinerary: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return it.ID, nil
}

const itineraryColumns = `id, chat_id, user_id, itinerary_text, structured_json, metadata_json, created_at`

// GetItinerary retrieves one of a user's itineraries.
func (s *SQLiteStore) GetItinerary(ctx context.Context, userID, id string) (*domain.StoredItinerary, error) {
	query := `SELECT ` + itineraryColumns + ` FROM itineraries WHERE user_id = ? AND id = ?`
	it, err := scanItinerary(s.db.QueryRowContext(ctx, query, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ListItineraries returns a user's itineraries, newest first.
func (s *SQLiteStore) ListItineraries(ctx context.Context, userID string) ([]*domain.StoredItinerary, error) {
	query := `SELECT ` + itineraryColumns + ` FROM itineraries WHERE user_id = ? ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query itineraries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close itinerary rows", "error", closeErr)
		}
	}()

	var out []*domain.StoredItinerary
	for rows.Next() {
		it, err := scanItinerary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate itineraries: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItinerary(row rowScanner) (*domain.StoredItinerary, error) {
	var it domain.StoredItinerary
	var structured, meta sql.NullString
	var createdAt int64
	err := row.Scan(&it.ID, &it.ChatID, &it.UserID, &it.ItineraryText, &structured, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan itinerary row: %w", err)
	}
	if err := decodeJSON(structured, &it.Structured); err != nil {
		return nil, fmt.Errorf("decode structured itinerary: %w", err)
	}
	if err := decodeJSON(meta, &it.Metadata); err != nil {
		return nil, fmt.Errorf("decode itinerary metadata: %w", err)
	}
	it.CreatedAt = time.UnixMilli(createdAt)
	return &it, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *domain.StructuredItinerary:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
