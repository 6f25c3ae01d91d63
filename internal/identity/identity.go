// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/store"
)

const (
	AnonCookieName     = "tripchat_anon_id"
	ChatHeaderName     = "X-Tripchat-Chat-ID"
	DefaultChatIDValue = "default"
	anonCookieMaxAge   = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	chatIDKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// ChatIDFromContext extracts the per-tab chat ID from the request context.
func ChatIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(chatIDKey).(string); ok {
		return v
	}
	return DefaultChatIDValue
}

// WithIdentity returns a context carrying the given user and chat.
func WithIdentity(ctx context.Context, userID, chatID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, usernameKey, deriveUsername(userID))
	return context.WithValue(ctx, chatIDKey, sanitizeChatID(chatID))
}

func generateAnonID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + strings.ReplaceAll(id.String(), "-", ""), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeChatID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !chatIDPattern.MatchString(id) {
		return DefaultChatIDValue
	}
	return id
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func touchUser(ctx context.Context, repo store.Repository, userID string) error {
	now := time.Now()
	user, err := repo.GetUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user = &domain.User{
			UserID:    userID,
			Username:  deriveUsername(userID),
			CreatedAt: now,
		}
	case err != nil:
		return err
	case now.Sub(user.LastSeenAt) < time.Minute:
		return nil
	}

	user.LastSeenAt = now
	user.UpdatedAt = now
	return repo.UpsertUser(ctx, user)
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func chatIDFromRequest(r *http.Request) string {
	id := r.Header.Get(ChatHeaderName)
	if id == "" {
		id = r.URL.Query().Get("chat_id")
	}
	return sanitizeChatID(id)
}

// Middleware injects anonymous per-device identity and the per-tab chat ID.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				slog.Error("Failed to establish anonymous identity", "error", err, "ip", IPFromRequest(r))
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := touchUser(r.Context(), repo, userID); err != nil {
				slog.Error("Failed to touch anonymous user", "error", err, "user_id", userID)
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, chatIDFromRequest(r))))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
