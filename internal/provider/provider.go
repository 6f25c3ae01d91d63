// Package provider fetches external travel data (weather, hotels, flights and
// so on) and routes every call through the shared response cache.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Topics served by external data providers.
const (
	TopicWeather            = "weather"
	TopicHotels             = "hotels"
	TopicAttractions        = "attractions"
	TopicFlights            = "flights"
	TopicLocalEvents        = "localEvents"
	TopicTravelRestrictions = "travelRestrictions"
	TopicCurrency           = "currency"
)

// Topics lists every topic with a provider.
var Topics = []string{
	TopicWeather,
	TopicHotels,
	TopicAttractions,
	TopicFlights,
	TopicLocalEvents,
	TopicTravelRestrictions,
	TopicCurrency,
}

var requiredParams = map[string][]string{
	TopicWeather:            {"location"},
	TopicHotels:             {"location"},
	TopicAttractions:        {"location"},
	TopicLocalEvents:        {"location"},
	TopicTravelRestrictions: {"location"},
	TopicFlights:            {"origin", "destination"},
	TopicCurrency:           {"from", "to"},
}

const maxResponseBytes = 4 << 20

var (
	// ErrUnknownTopic is returned for a topic without a provider.
	ErrUnknownTopic = errors.New("unknown data topic")
	errEmptyBody    = errors.New("provider returned an empty body")
	errInvalidJSON  = errors.New("provider returned invalid JSON")
)

// Provider fetches one topic's data.
type Provider interface {
	Fetch(ctx context.Context, params map[string]any) (json.RawMessage, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, params map[string]any) (json.RawMessage, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return f(ctx, params)
}

// RequiredParams returns the parameter names a topic cannot be fetched without.
func RequiredParams(topic string) []string {
	return requiredParams[topic]
}

// MissingParams returns the required parameters absent or blank in params.
func MissingParams(topic string, params map[string]any) []string {
	var missing []string
	for _, name := range requiredParams[topic] {
		v, ok := params[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// HTTPProvider fetches a topic from a JSON HTTP API at {BaseURL}/{Topic}.
type HTTPProvider struct {
	BaseURL string
	Topic   string
	APIKey  string
	Client  *http.Client
	Logger  *slog.Logger
}

// NewHTTPProvider creates an HTTPProvider with its own client timeout.
func NewHTTPProvider(baseURL, topic, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Topic:   topic,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
		Logger:  logger,
	}
}

// Fetch performs GET {BaseURL}/{Topic}?params.
func (p *HTTPProvider) Fetch(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range params {
		if v == nil {
			continue
		}
		q.Set(k, strings.TrimSpace(fmt.Sprint(v)))
	}

	endpoint := p.BaseURL + "/" + url.PathEscape(p.Topic)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", p.Topic, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.Topic, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.Topic, err)
	}

	p.Logger.Debug("Provider call finished",
		"topic", p.Topic,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s provider error: %s", p.Topic, resp.Status)
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	if !json.Valid(data) {
		return nil, errInvalidJSON
	}
	return json.RawMessage(data), nil
}
