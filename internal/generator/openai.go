package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ashureev/tripchat/internal/domain"
)

var errEmptyCompletion = errors.New("model returned an empty itinerary")

// OpenAIConfig configures OpenAIGenerator.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAIGenerator generates itineraries with the chat completions API.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIGenerator creates an OpenAIGenerator.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	return &OpenAIGenerator{
		client: openai.NewClient(clientOptions(cfg)...),
		model:  cfg.Model,
		logger: logger,
	}
}

func clientOptions(cfg OpenAIConfig) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return opts
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, draft domain.TripDraft) (string, error) {
	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(BuildPrompt(draft)),
		},
		Model:       shared.ChatModel(g.model),
		Temperature: openai.Float(0.7),
	})
	if err != nil {
		return "", fmt.Errorf("itinerary completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errEmptyCompletion
	}

	g.logger.Info("Itinerary generated",
		"model", g.model,
		"destination", draft.VacationLocation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}
