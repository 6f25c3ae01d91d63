// Package events distributes conversation events: live fan-out to stream
// subscribers with replay, NATS publishing and the NDJSON conversation log.
package events

import (
	"container/list"
	"sync"

	"github.com/ashureev/tripchat/internal/conversation"
)

// Envelope is an event stamped with its stream id.
type Envelope struct {
	ID    int64
	Event conversation.Event
}

// ReplayQueue buffers recent events per chat so reconnecting clients can
// catch up. Each chat gets its own bounded list so one chat's burst cannot
// evict events belonging to another.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[chatKey]*list.List
	maxSize int
}

type chatKey struct {
	userID string
	chatID string
}

// NewReplayQueue creates a queue keeping maxSize events per chat.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayQueue{
		queues:  make(map[chatKey]*list.List),
		maxSize: maxSize,
	}
}

func streamKey(userID, chatID string) chatKey {
	return chatKey{userID: userID, chatID: chatID}
}

// Enqueue appends an envelope to its chat's queue.
func (q *ReplayQueue) Enqueue(env Envelope) {
	key := streamKey(env.Event.UserID, env.Event.ChatID)
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(env)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Since returns the queued envelopes of a chat with an id above afterID.
func (q *ReplayQueue) Since(userID, chatID string, afterID int64) []Envelope {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[streamKey(userID, chatID)]
	if !ok {
		return nil
	}
	var missed []Envelope
	for e := l.Front(); e != nil; e = e.Next() {
		env := e.Value.(Envelope)
		if env.ID > afterID {
			missed = append(missed, env)
		}
	}
	return missed
}

// Prune drops a chat's queue.
func (q *ReplayQueue) Prune(userID, chatID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, streamKey(userID, chatID))
}

// PruneChat drops the queues of chatID whoever owns it.
func (q *ReplayQueue) PruneChat(chatID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key := range q.queues {
		if key.chatID == chatID {
			delete(q.queues, key)
		}
	}
}
