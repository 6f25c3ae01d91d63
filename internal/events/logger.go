package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/tripchat/internal/conversation"
	"github.com/ashureev/tripchat/internal/domain"
)

const defaultLogQueueSize = 1024

var (
	ansiRe       = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	whitespaceRe = regexp.MustCompile(`[ \t]+`)
	unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// ConversationLogConfig configures NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one line of a conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"timestamp"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records conversation events.
type ConversationLogger interface {
	Log(ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	global *os.File
}

// NewConversationLogger starts an asynchronous NDJSON writer. Events go to
// <dir>/<user>/<session>.ndjson and, when enabled, to a global file. A
// disabled config yields a logger that discards everything.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultLogQueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversation log dir: %w", err)
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event. Events are dropped when the queue is full.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"user_id", event.UserID,
			"session_id", event.SessionID,
			"event_type", event.EventType,
		)
	}
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to encode conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := l.appendSession(event, line); err != nil {
			l.logger.Warn("Failed to write conversation log",
				"user_id", event.UserID,
				"session_id", event.SessionID,
				"error", err,
			)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *fileConversationLogger) appendSession(event ConversationLogEvent, line []byte) error {
	dir := filepath.Join(l.cfg.Dir, safeName(event.UserID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(event.SessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close drains the queue and closes the global file.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if l.global != nil {
		return l.global.Close()
	}
	return nil
}

func safeName(s string) string {
	s = unsafeNameRe.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func cleanForReadability(raw string) string {
	clean := ansiRe.ReplaceAllString(raw, "")
	clean = strings.ReplaceAll(clean, "\r", "")
	lines := strings.Split(clean, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespaceRe.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// LogSink turns chat messages and phase changes into conversation log
// events.
func LogSink(l ConversationLogger) conversation.Sink {
	return conversation.SinkFunc(func(e conversation.Event) {
		event, ok := logEventFor(e)
		if !ok {
			return
		}
		l.Log(event)
	})
}

func logEventFor(e conversation.Event) (ConversationLogEvent, bool) {
	event := ConversationLogEvent{
		Timestamp: e.At.UTC().Format(time.RFC3339Nano),
		UserID:    e.UserID,
		SessionID: e.ChatID,
		Channel:   "chat",
		Meta:      map[string]any{"phase": string(e.Phase)},
	}
	if e.At.IsZero() {
		event.Timestamp = ""
	}

	switch e.Type {
	case conversation.EventMessage:
		p, _ := e.Payload.(conversation.MessagePayload)
		if p.Role == domain.RoleUser {
			event.Direction = "inbound"
			event.EventType = "chat_user_message"
		} else {
			event.Direction = "outbound"
			event.EventType = "chat_assistant_message"
		}
		if p.Intent != "" {
			event.Meta["intent"] = p.Intent
		}
		event.ContentRaw = e.Message
	case conversation.EventPhaseChanged:
		event.Direction = "internal"
		event.EventType = "chat_phase_changed"
		event.ContentRaw = string(e.Phase)
	case conversation.EventItineraryReady, conversation.EventGenerationError, conversation.EventFetchFailed, conversation.EventError:
		event.Direction = "outbound"
		event.EventType = "chat_" + string(e.Type)
		event.ContentRaw = e.Message
	default:
		return ConversationLogEvent{}, false
	}
	return event, true
}
