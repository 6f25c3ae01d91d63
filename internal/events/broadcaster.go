package events

import (
	"log/slog"
	"sync"

	"github.com/ashureev/tripchat/internal/conversation"
)

const (
	defaultBacklog       = 256
	subscriberBufferSize = 64
)

// Subscription receives the events of one chat.
type Subscription struct {
	id     int64
	key    chatKey
	C      <-chan Envelope
	ch     chan Envelope
	closed bool
}

// Broadcaster fans machine events out to live subscribers of each chat and
// keeps a replay queue for reconnects. It implements conversation.Sink.
type Broadcaster struct {
	in     chan conversation.Event
	done   chan struct{}
	queue  *ReplayQueue
	logger *slog.Logger

	mu       sync.RWMutex
	subs     map[chatKey]map[int64]*Subscription
	nextSub  int64
	eventSeq int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBroadcaster starts a broadcaster with a per-chat replay window of
// replaySize events.
func NewBroadcaster(replaySize int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		in:     make(chan conversation.Event, defaultBacklog),
		done:   make(chan struct{}),
		queue:  NewReplayQueue(replaySize),
		logger: logger,
		subs:   make(map[chatKey]map[int64]*Subscription),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Publish implements conversation.Sink.
func (b *Broadcaster) Publish(e conversation.Event) {
	select {
	case b.in <- e:
	case <-b.done:
	}
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()
	b.logger.Info("Broadcast loop started")
	for {
		select {
		case <-b.done:
			b.logger.Info("Broadcast loop shutting down")
			return
		case e := <-b.in:
			b.deliver(e)
		}
	}
}

func (b *Broadcaster) deliver(e conversation.Event) {
	key := streamKey(e.UserID, e.ChatID)

	b.mu.Lock()
	b.eventSeq++
	env := Envelope{ID: b.eventSeq, Event: e}
	b.queue.Enqueue(env)
	subs := make([]*Subscription, 0, len(b.subs[key]))
	for _, s := range b.subs[key] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.send(s, env)
	}
}

func (b *Broadcaster) send(s *Subscription, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
	default:
		b.logger.Warn("Dropping event for slow subscriber",
			"chat_id", env.Event.ChatID,
			"event_id", env.ID,
			"type", env.Event.Type,
		)
	}
}

// Subscribe registers a live subscriber for a chat and returns the events
// it missed after lastEventID.
func (b *Broadcaster) Subscribe(userID, chatID string, lastEventID int64) (*Subscription, []Envelope) {
	key := streamKey(userID, chatID)
	ch := make(chan Envelope, subscriberBufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	s := &Subscription{id: b.nextSub, key: key, C: ch, ch: ch}
	if _, ok := b.subs[key]; !ok {
		b.subs[key] = make(map[int64]*Subscription)
	}
	b.subs[key][s.id] = s

	var missed []Envelope
	if lastEventID > 0 {
		missed = b.queue.Since(userID, chatID, lastEventID)
	}
	return s, missed
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if subs, ok := b.subs[s.key]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subs, s.key)
		}
	}
	close(s.ch)
}

// LastEventID returns the id of the most recently delivered event.
func (b *Broadcaster) LastEventID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eventSeq
}

// Forget drops a chat's replay buffer once the chat is gone.
func (b *Broadcaster) Forget(chatID string) {
	b.queue.PruneChat(chatID)
}

// Close stops the broadcast loop. Pending events are dropped.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		for _, subs := range b.subs {
			for _, s := range subs {
				if !s.closed {
					s.closed = true
					close(s.ch)
				}
			}
		}
		b.subs = make(map[chatKey]map[int64]*Subscription)
		b.mu.Unlock()
	})
}
