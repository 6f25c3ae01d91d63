package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashureev/tripchat/internal/conversation"
)

// DefaultSubjectPrefix prefixes every published subject.
const DefaultSubjectPrefix = "tripchat.events"

type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
	IsConnected() bool
}

// NATSPublisher mirrors conversation events onto NATS subjects of the form
// <prefix>.<event type>. It implements conversation.Sink.
type NATSPublisher struct {
	conn   publisher
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url and returns a publisher.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("tripchat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS", "url", nc.ConnectedUrlRedacted(), "prefix", prefix)
	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(conn publisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t conversation.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish implements conversation.Sink. Failures are logged and dropped.
func (p *NATSPublisher) Publish(e conversation.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("Failed to encode event for NATS", "type", e.Type, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		p.logger.Warn("Failed to publish event to NATS",
			"chat_id", e.ChatID,
			"type", e.Type,
			"error", err,
		)
	}
}

// Connected reports whether the NATS connection is up.
func (p *NATSPublisher) Connected() bool {
	return p.conn.IsConnected()
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
