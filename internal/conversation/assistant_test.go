package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/intent"
	"github.com/ashureev/tripchat/internal/profile"
)

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string, profile.Profile) (intent.Classification, error) {
	return intent.Classification{}, errors.New("classifier offline")
}

func newTestAssistant(t *testing.T, deps Deps, c intent.Classifier) (*Assistant, *Machine, *recorder, *memoryStore) {
	t.Helper()
	store := &memoryStore{}
	deps.Transcript = store
	m, _, rec := newTestMachine(t, deps)
	return NewAssistant(m, c, store, discardLogger()), m, rec, store
}

func TestAssistantPlansTripEndToEnd(t *testing.T) {
	store := &memoryStore{}
	m, clock, rec := newTestMachine(t, Deps{Generator: instantGenerator, Transcript: store, Itineraries: store})
	a := NewAssistant(m, intent.KeywordClassifier{}, store, discardLogger())
	ctx := context.Background()

	r, err := a.HandleMessage(ctx, "I want a 5 day trip to Paris on a budget")
	require.NoError(t, err)
	assert.Equal(t, intent.PlanTrip, r.Intent)
	assert.Equal(t, PhaseAwaitingMissingInfo, m.Phase())
	assert.Contains(t, r.Text, "When are you travelling?")

	snap := m.Snapshot()
	require.NotNil(t, snap.Draft)
	assert.Equal(t, "Paris", snap.Draft.VacationLocation)
	assert.Equal(t, 5, *snap.Draft.Duration)
	assert.Equal(t, "low", snap.Draft.Budget)

	r, err = a.HandleMessage(ctx, "2024-06-01 to 2024-06-05")
	require.NoError(t, err)
	assert.Equal(t, intent.PlanTrip, r.Intent)
	assert.Equal(t, PhaseTripBuildingMode, m.Phase())

	clock.Advance(DefaultDebounce)
	waitPhase(t, m, PhaseAwaitingUserTripConfirmation)

	r, err = a.HandleMessage(ctx, "yes please")
	require.NoError(t, err)
	assert.Equal(t, intent.Confirm, r.Intent)
	waitPhase(t, m, PhaseDisplayingItinerary)

	r, err = a.HandleMessage(ctx, "plan a trip to Rome")
	require.NoError(t, err)
	assert.Equal(t, heldItineraryReply, r.Text)
	assert.Equal(t, PhaseItineraryAdviceMode, m.Phase())

	m.Close()
	assert.Len(t, m.Snapshot().Completed, 1)
	assert.Positive(t, rec.count(EventMessage))

	var users, assistants int
	for _, msg := range store.messages {
		switch msg.Role {
		case domain.RoleUser:
			users++
		case domain.RoleAssistant:
			assistants++
		}
	}
	assert.Equal(t, 4, users)
	// One reply per message plus the itinerary itself.
	assert.Equal(t, 5, assistants)
}

func TestAssistantTopicFollowUp(t *testing.T) {
	gw := gatewayFunc(func(_ context.Context, topic string, params map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"forecast":"sunny"}`), nil
	})
	a, m, rec, _ := newTestAssistant(t, Deps{Gateway: gw}, intent.KeywordClassifier{})
	ctx := context.Background()

	r, err := a.HandleMessage(ctx, "what's the weather like")
	require.NoError(t, err)
	assert.Equal(t, intent.Weather, r.Intent)
	assert.Equal(t, PhaseAwaitingMissingInfo, m.Phase())
	assert.Contains(t, r.Text, "location")

	_, err = a.HandleMessage(ctx, "in Lisbon")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.count(EventExternalData) == 1 }, time.Second, 5*time.Millisecond)
	waitPhase(t, m, PhaseIdle)

	e, ok := rec.last(EventExternalData)
	require.True(t, ok)
	payload := e.Payload.(FetchPayload)
	assert.Equal(t, "weather", payload.Topic)
	assert.Equal(t, "Lisbon", payload.Params["location"])
}

func TestAssistantTopicQuestionSurvivesCompleteDraft(t *testing.T) {
	gw := gatewayFunc(func(context.Context, string, map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"flights":[]}`), nil
	})
	store := &memoryStore{}
	m, clock, rec := newTestMachine(t, Deps{Gateway: gw, Transcript: store})
	a := NewAssistant(m, intent.KeywordClassifier{}, store, discardLogger())
	ctx := context.Background()

	_, err := a.HandleMessage(ctx, "I want a 5 day trip to Paris on a budget")
	require.NoError(t, err)
	_, err = a.HandleMessage(ctx, "2024-06-01 to 2024-06-05")
	require.NoError(t, err)
	clock.Advance(DefaultDebounce)
	waitPhase(t, m, PhaseAwaitingUserTripConfirmation)

	r, err := a.HandleMessage(ctx, "any flights available?")
	require.NoError(t, err)
	assert.Equal(t, intent.Flights, r.Intent)
	assert.Equal(t, PhaseAwaitingMissingInfo, m.Phase())
	assert.Contains(t, r.Text, "origin")

	clock.Advance(DefaultDebounce)
	assert.Never(t, func() bool { return m.Phase() != PhaseAwaitingMissingInfo }, 100*time.Millisecond, 5*time.Millisecond)

	r, err = a.HandleMessage(ctx, "from London")
	require.NoError(t, err)
	assert.Equal(t, intent.General, r.Intent)

	assert.Eventually(t, func() bool { return rec.count(EventExternalData) == 1 }, time.Second, 5*time.Millisecond)
	waitPhase(t, m, PhaseAwaitingUserTripConfirmation)

	e, ok := rec.last(EventExternalData)
	require.True(t, ok)
	payload := e.Payload.(FetchPayload)
	assert.Equal(t, "flights", payload.Topic)
	assert.Equal(t, "London", payload.Params["origin"])
	assert.Equal(t, "Paris", payload.Params["destination"])
}

func TestAssistantPlansFromStartDateAndDuration(t *testing.T) {
	m, clock, _ := newTestMachine(t, Deps{})
	a := NewAssistant(m, intent.KeywordClassifier{}, nil, discardLogger())

	_, err := a.HandleMessage(context.Background(), "Plan a 5 day trip to Paris starting 2024-06-01, moderate budget")
	require.NoError(t, err)

	clock.Advance(DefaultDebounce)
	waitPhase(t, m, PhaseAwaitingUserTripConfirmation)

	snap := m.Snapshot()
	require.NotNil(t, snap.Draft)
	require.NotNil(t, snap.Draft.Dates)
	assert.Equal(t, "2024-06-01", snap.Draft.Dates.From)
	assert.Empty(t, snap.Draft.Dates.To)
}

func TestAssistantFetchKeepsDisplayedItinerary(t *testing.T) {
	gw := gatewayFunc(func(context.Context, string, map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	a, m, rec, _ := newTestAssistant(t, Deps{Generator: instantGenerator, Gateway: gw}, intent.KeywordClassifier{})
	displayItinerary(t, m)

	_, err := a.HandleMessage(context.Background(), "what's the weather in Paris")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.count(EventExternalData) == 1 }, time.Second, 5*time.Millisecond)
	waitPhase(t, m, PhaseItineraryAdviceMode)
	assert.NotNil(t, m.Snapshot().Current)
}

func TestAssistantClassifierFailureRestoresPhase(t *testing.T) {
	a, m, rec, _ := newTestAssistant(t, Deps{}, failingClassifier{})

	_, err := m.Transition(PhaseAdvisoryMode, nil)
	require.NoError(t, err)

	_, err = a.HandleMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, PhaseAdvisoryMode, m.Phase())
	assert.Equal(t, 1, rec.count(EventError))
}

func TestAssistantWhileGenerating(t *testing.T) {
	gen := newBlockingGenerator()
	a, m, _, _ := newTestAssistant(t, Deps{Generator: gen}, intent.KeywordClassifier{})

	_, err := m.StartNewTrip(false)
	require.NoError(t, err)
	_, err = m.UpdateDraft(completePatch())
	require.NoError(t, err)
	require.NoError(t, m.GenerateItinerary(context.Background()))

	r, err := a.HandleMessage(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Contains(t, r.Text, "still working")
	assert.Equal(t, PhaseGeneratingItinerary, m.Phase())

	r, err = a.HandleMessage(context.Background(), "cancel")
	require.NoError(t, err)
	assert.Equal(t, intent.Cancel, r.Intent)
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Nil(t, m.Snapshot().Draft)
}

func TestAssistantConfirmWithoutDraft(t *testing.T) {
	a, m, _, _ := newTestAssistant(t, Deps{}, intent.KeywordClassifier{})

	r, err := a.HandleMessage(context.Background(), "yes")
	require.NoError(t, err)
	assert.Contains(t, r.Text, "no trip to confirm")
	assert.Equal(t, PhaseIdle, m.Phase())
}

func TestAssistantGeneralRestoresPhase(t *testing.T) {
	a, m, _, _ := newTestAssistant(t, Deps{}, intent.KeywordClassifier{})

	r, err := a.HandleMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, intent.General, r.Intent)
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Equal(t, intent.General, m.Profile().Meta.LastIntent)
}

func TestAssistantRejectsEmptyMessage(t *testing.T) {
	a, _, _, _ := newTestAssistant(t, Deps{}, intent.KeywordClassifier{})
	_, err := a.HandleMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}
