package events

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tripchat/internal/conversation"
	"github.com/ashureev/tripchat/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func message(userID, chatID, text string) conversation.Event {
	return conversation.Event{
		Type:    conversation.EventMessage,
		UserID:  userID,
		ChatID:  chatID,
		Phase:   conversation.PhaseIdle,
		Message: text,
		Payload: conversation.MessagePayload{Role: domain.RoleAssistant},
		At:      time.Now(),
	}
}

func receive(t *testing.T, s *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Envelope{}
}

func TestReplayQueueIsolatesChats(t *testing.T) {
	q := NewReplayQueue(2)
	for i := int64(1); i <= 3; i++ {
		q.Enqueue(Envelope{ID: i, Event: message("u1", "chat-a", "a")})
	}
	q.Enqueue(Envelope{ID: 4, Event: message("u1", "chat-b", "b")})

	a := q.Since("u1", "chat-a", 0)
	require.Len(t, a, 2)
	assert.Equal(t, int64(2), a[0].ID)
	assert.Equal(t, int64(3), a[1].ID)

	assert.Len(t, q.Since("u1", "chat-a", 2), 1)
	assert.Len(t, q.Since("u1", "chat-b", 0), 1)
	assert.Empty(t, q.Since("u2", "chat-a", 0))

	q.Prune("u1", "chat-a")
	assert.Empty(t, q.Since("u1", "chat-a", 0))

	q.PruneChat("chat-b")
	assert.Empty(t, q.Since("u1", "chat-b", 0))
}

func TestBroadcasterFansOutPerChat(t *testing.T) {
	b := NewBroadcaster(10, discardLogger())
	defer b.Close()

	subA, missed := b.Subscribe("u1", "chat-a", 0)
	assert.Empty(t, missed)
	subA2, _ := b.Subscribe("u1", "chat-a", 0)
	subB, _ := b.Subscribe("u1", "chat-b", 0)

	b.Publish(message("u1", "chat-a", "hello a"))
	b.Publish(message("u1", "chat-b", "hello b"))

	assert.Equal(t, "hello a", receive(t, subA).Event.Message)
	assert.Equal(t, "hello a", receive(t, subA2).Event.Message)
	envB := receive(t, subB)
	assert.Equal(t, "hello b", envB.Event.Message)
	assert.Equal(t, int64(2), envB.ID)

	select {
	case env := <-subA.C:
		t.Fatalf("unexpected event for chat-a: %+v", env)
	default:
	}
}

func TestBroadcasterReplaysMissedEvents(t *testing.T) {
	b := NewBroadcaster(10, discardLogger())
	defer b.Close()

	first, _ := b.Subscribe("u1", "chat-a", 0)
	b.Publish(message("u1", "chat-a", "one"))
	b.Publish(message("u1", "chat-a", "two"))
	b.Publish(message("u1", "chat-a", "three"))
	receive(t, first)
	receive(t, first)
	receive(t, first)
	b.Unsubscribe(first)
	b.Unsubscribe(first)

	_, ok := <-first.C
	assert.False(t, ok)

	_, missed := b.Subscribe("u1", "chat-a", 1)
	require.Len(t, missed, 2)
	assert.Equal(t, "two", missed[0].Event.Message)
	assert.Equal(t, "three", missed[1].Event.Message)
	assert.Equal(t, int64(3), b.LastEventID())

	b.Forget("chat-a")
	_, missed = b.Subscribe("u1", "chat-a", 1)
	assert.Empty(t, missed)
}

func TestBroadcasterCloseClosesSubscriptions(t *testing.T) {
	b := NewBroadcaster(10, discardLogger())
	sub, _ := b.Subscribe("u1", "chat-a", 0)
	b.Close()
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	b.Publish(message("u1", "chat-a", "after close"))
}

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		QueueSize:     16,
		GlobalEnabled: true,
		GlobalPath:    filepath.Join(dir, "all.ndjson"),
	}, discardLogger())
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Log(ConversationLogEvent{
		UserID:     "user-1",
		SessionID:  "sess-1",
		Channel:    "chat",
		Direction:  "inbound",
		EventType:  "chat_user_message",
		ContentRaw: "plan a trip to Paris",
	})

	line := waitForLogLine(t, filepath.Join(dir, "user-1", "sess-1.ndjson"))
	var got ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "plan a trip to Paris", got.ContentRaw)
	assert.NotEmpty(t, got.Content)
	assert.NotEmpty(t, got.Timestamp)

	waitForLogLine(t, filepath.Join(dir, "all.ndjson"))
}

func TestConversationLoggerSinkMapsEvents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, discardLogger())
	require.NoError(t, err)

	sink := LogSink(logger)
	sink.Publish(conversation.Event{
		Type:    conversation.EventMessage,
		UserID:  "u1",
		ChatID:  "c1",
		Phase:   conversation.PhaseAnalyzingInput,
		Message: "weather in Rome",
		Payload: conversation.MessagePayload{Role: domain.RoleUser, Intent: "weather"},
		At:      time.Now(),
	})
	sink.Publish(conversation.Event{Type: conversation.EventDraftUpdated, UserID: "u1", ChatID: "c1"})
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, "u1", "c1.ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var got ConversationLogEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "inbound", got.Direction)
	assert.Equal(t, "chat_user_message", got.EventType)
	assert.Equal(t, "weather", got.Meta["intent"])
}

func TestDisabledConversationLoggerIsNoop(t *testing.T) {
	logger, err := NewConversationLogger(ConversationLogConfig{}, nil)
	require.NoError(t, err)
	logger.Log(ConversationLogEvent{UserID: "u1", SessionID: "s1"})
	assert.NoError(t, logger.Close())
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	clean := cleanForReadability("\x1b[31merror\x1b[0m   plain\r\n")
	assert.NotContains(t, clean, "\x1b[31m")
	assert.Equal(t, "error plain", clean)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "a_b_c", safeName("a/b\\c"))
	assert.Equal(t, "unknown", safeName(""))
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func (c *fakeConn) IsConnected() bool { return !c.drained }

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "", discardLogger())

	p.Publish(message("u1", "chat-a", "hi"))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "tripchat.events.message", conn.subjects[0])

	var got map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "chat-a", got["chat_id"])
	assert.Equal(t, "hi", got["message"])

	conn.err = errors.New("nats: connection closed")
	p.Publish(message("u1", "chat-a", "dropped"))
	assert.Len(t, conn.subjects, 1)

	custom := newNATSPublisher(conn, "trips", nil)
	assert.Equal(t, "trips.itinerary_ready", custom.Subject(conversation.EventItineraryReady))

	assert.True(t, p.Connected())
	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
	assert.False(t, p.Connected())
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	var line string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			return false
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		line = lines[len(lines)-1]
		return true
	}, 2*time.Second, 20*time.Millisecond, "timed out waiting for log file %s", path)
	return line
}
