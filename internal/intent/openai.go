package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ashureev/tripchat/internal/profile"
)

var errEmptyClassification = errors.New("classifier returned no content")

const classifierPrompt = `Classify the user's travel chat message. Reply with one JSON object:
{"intent": one of weather|hotels|attractions|flights|local_events|travel_restrictions|currency|plan_trip|confirm|cancel|new_trip|edit_itinerary|advice|general,
 "fields": trip draft updates using keys vacationLocation, duration (number of days), dates ({"from","to"} as YYYY-MM-DD or a string), isTomorrow, budget (low|moderate|high), travelers, preferences, constraints, interests,
 "params": query parameters for data intents (location; origin and destination for flights; from and to for currency),
 "reply": a short reply for advice or general messages,
 "forceNewItinerary": true only when the user explicitly asks to plan a different trip,
 "bypassMissingFields": true when the question is already fully specified}
Omit keys you cannot fill. The user's known context is given as JSON.`

// OpenAIClassifier classifies messages with a chat completion in JSON mode.
type OpenAIClassifier struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIClassifier creates an OpenAIClassifier.
func NewOpenAIClassifier(apiKey, model, baseURL string, logger *slog.Logger) *OpenAIClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClassifier{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger,
	}
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, message string, p profile.Profile) (Classification, error) {
	known, err := json.Marshal(p)
	if err != nil {
		return Classification{}, fmt.Errorf("encode profile: %w", err)
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifierPrompt),
			openai.SystemMessage("Known context: " + string(known)),
			openai.UserMessage(message),
		},
		Model:       shared.ChatModel(c.model),
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Classification{}, errEmptyClassification
	}

	return parseClassification(resp.Choices[0].Message.Content, p)
}

func parseClassification(content string, p profile.Profile) (Classification, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Classification{}, errEmptyClassification
	}

	var out Classification
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	if !IsKnown(out.Intent) {
		out.Intent = General
	}
	if out.Intent == NewTrip {
		out.ForceNewItinerary = true
	}
	return withProfileDefaults(out, p), nil
}
