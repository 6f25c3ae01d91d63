package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/ashureev/tripchat/internal/cache"
)

// MissingParamsError reports required parameters absent from a fetch.
type MissingParamsError struct {
	Topic   string
	Missing []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("%s needs %v", e.Topic, e.Missing)
}

// Gateway routes topic fetches to providers through the response cache.
type Gateway struct {
	cache     *cache.Cache
	providers map[string]Provider
	logger    *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(c *cache.Cache, providers map[string]Provider, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cache: c, providers: providers, logger: logger}
}

// NewHTTPGateway builds a Gateway with an HTTPProvider for every topic.
func NewHTTPGateway(c *cache.Cache, baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Gateway {
	providers := lo.SliceToMap(Topics, func(topic string) (string, Provider) {
		return topic, NewHTTPProvider(baseURL, topic, apiKey, timeout, logger)
	})
	return NewGateway(c, providers, logger)
}

// Topics returns the topics this gateway can serve.
func (g *Gateway) Topics() []string {
	return lo.Filter(Topics, func(t string, _ int) bool {
		_, ok := g.providers[t]
		return ok
	})
}

// Fetch returns topic data for params, served from cache when fresh.
func (g *Gateway) Fetch(ctx context.Context, topic string, params map[string]any) (json.RawMessage, error) {
	p, ok := g.providers[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if missing := MissingParams(topic, params); len(missing) > 0 {
		return nil, &MissingParamsError{Topic: topic, Missing: missing}
	}

	return g.cache.Fetch(ctx, topic, params, func(ctx context.Context) (json.RawMessage, error) {
		g.logger.Debug("Fetching external data", "topic", topic)
		return p.Fetch(ctx, params)
	})
}
