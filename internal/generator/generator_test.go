package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/tripchat/internal/domain"
)

func sampleDraft() domain.TripDraft {
	return domain.TripDraft{
		VacationLocation: "Paris",
		Duration:         lo.ToPtr(3),
		Dates:            &domain.DateRange{From: "2024-06-01", To: "2024-06-04"},
		Constraints:      map[string]any{"budget": "moderate"},
		Travelers:        lo.ToPtr(2),
		Interests:        []string{"museums", "food"},
		Preferences:      map[string]any{"pace": "slow", "diet": "vegetarian"},
	}
}

func TestNoop(t *testing.T) {
	_, err := Noop{}.Generate(context.Background(), domain.TripDraft{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt(sampleDraft())

	assert.Contains(t, got, "Destination: Paris\n")
	assert.Contains(t, got, "Duration: 3 days\n")
	assert.Contains(t, got, "Dates: 2024-06-01 to 2024-06-04\n")
	assert.Contains(t, got, "Budget: moderate\n")
	assert.Contains(t, got, "Travelers: 2\n")
	assert.Contains(t, got, "Interests: museums, food\n")
	assert.Contains(t, got, "Preferences: diet=vegetarian, pace=slow\n")
}

func TestOpenAIGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "  Day 1: Arrival\n- Louvre  "}
			}]
		}`))
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{APIKey: "k", Model: "test-model", BaseURL: srv.URL + "/"}, nil)
	got, err := g.Generate(context.Background(), sampleDraft())

	require.NoError(t, err)
	assert.Equal(t, "Day 1: Arrival\n- Louvre", got)
}

func TestDraftRequest(t *testing.T) {
	req, err := draftRequest(sampleDraft())
	require.NoError(t, err)

	draft := req.GetFields()["draft"].GetStructValue()
	require.NotNil(t, draft)
	assert.Equal(t, "Paris", draft.GetFields()["vacationLocation"].GetStringValue())
	assert.Equal(t, 3.0, draft.GetFields()["duration"].GetNumberValue())
	assert.Contains(t, req.GetFields()["prompt"].GetStringValue(), "Destination: Paris")
}

func TestItineraryText(t *testing.T) {
	ok, err := structpb.NewStruct(map[string]any{"itinerary": "Day 1: Go"})
	require.NoError(t, err)
	text, err := itineraryText(ok)
	require.NoError(t, err)
	assert.Equal(t, "Day 1: Go", text)

	failed, err := structpb.NewStruct(map[string]any{"error": "quota"})
	require.NoError(t, err)
	_, err = itineraryText(failed)
	assert.ErrorContains(t, err, "quota")

	_, err = itineraryText(&structpb.Struct{})
	assert.ErrorIs(t, err, errMissingItinerary)
}
