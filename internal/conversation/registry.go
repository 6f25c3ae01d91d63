package conversation

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ashureev/tripchat/internal/intent"
)

// ErrChatForbidden is returned when a chat id belongs to another user.
var ErrChatForbidden = errors.New("chat belongs to another user")

// Factory builds the machine deps for a new chat. ChatID and UserID are
// filled in by the registry.
type Factory func(userID, chatID string) Deps

// Session is a live chat held in memory.
type Session struct {
	ChatID    string
	UserID    string
	Assistant *Assistant
	CreatedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// Machine returns the session's state machine.
func (s *Session) Machine() *Machine { return s.Assistant.Machine() }

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// Registry owns the live chat sessions of the process.
type Registry struct {
	factory    Factory
	classifier intent.Classifier
	transcript Transcript
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Factory    Factory
	Classifier intent.Classifier
	Transcript Transcript
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    *Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Factory == nil {
		cfg.Factory = func(string, string) Deps { return Deps{} }
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		factory:    cfg.Factory,
		classifier: cfg.Classifier,
		transcript: cfg.Transcript,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sessions:   make(map[string]*Session),
	}
}

// GetOrCreate returns the session for chatID, creating it for userID when
// absent.
func (r *Registry) GetOrCreate(userID, chatID string) (*Session, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[chatID]; ok {
		if s.UserID != userID {
			return nil, ErrChatForbidden
		}
		s.touch(now)
		return s, nil
	}

	deps := r.factory(userID, chatID)
	deps.ChatID = chatID
	deps.UserID = userID
	if deps.Clock == nil {
		deps.Clock = r.clock
	}
	if deps.Transcript == nil {
		deps.Transcript = r.transcript
	}
	if deps.Metrics == nil {
		deps.Metrics = r.metrics
	}
	if deps.Logger == nil {
		deps.Logger = r.logger
	}

	m := NewMachine(deps)
	s := &Session{
		ChatID:    chatID,
		UserID:    userID,
		Assistant: NewAssistant(m, r.classifier, deps.Transcript, deps.Logger),
		CreatedAt: now,
		lastSeen:  now,
	}
	r.sessions[chatID] = s
	r.metrics.setSessions(len(r.sessions))
	r.logger.Info("Chat session created", "chat_id", chatID, "user_id", userID)
	return s, nil
}

// Get returns an existing session owned by userID.
func (r *Registry) Get(userID, chatID string) (*Session, bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[chatID]
	r.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if s.UserID != userID {
		return nil, false, ErrChatForbidden
	}
	s.touch(r.clock.Now())
	return s, true, nil
}

// ListChats returns the ids of userID's live chats, oldest first.
func (r *Registry) ListChats(userID string) []string {
	r.mu.Lock()
	var owned []*Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			owned = append(owned, s)
		}
	}
	r.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.Before(owned[j].CreatedAt)
		}
		return owned[i].ChatID < owned[j].ChatID
	})
	ids := make([]string, len(owned))
	for i, s := range owned {
		ids[i] = s.ChatID
	}
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove closes and drops one session.
func (r *Registry) Remove(chatID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[chatID]
	if ok {
		delete(r.sessions, chatID)
		r.metrics.setSessions(len(r.sessions))
	}
	r.mu.Unlock()

	if ok {
		s.Machine().Close()
	}
	return ok
}

// Sweep closes sessions idle for at least ttl and returns their chat ids.
func (r *Registry) Sweep(ttl time.Duration) []string {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastSeen()) >= ttl {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.metrics.setSessions(len(r.sessions))
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		s.Machine().Close()
		ids = append(ids, s.ChatID)
	}
	return ids
}

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.metrics.setSessions(0)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Machine().Close()
	}
}
