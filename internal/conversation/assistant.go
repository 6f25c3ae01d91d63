package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/intent"
	"github.com/ashureev/tripchat/internal/provider"
	"github.com/ashureev/tripchat/internal/trip"
)

// ErrEmptyMessage is returned for a blank chat message.
var ErrEmptyMessage = errors.New("message is empty")

// Reply is the assistant's answer to one user message.
type Reply struct {
	Intent string `json:"intent"`
	Text   string `json:"text"`
	Phase  Phase  `json:"phase"`
}

// Assistant turns chat messages into machine operations. Messages of one
// chat are handled one at a time.
type Assistant struct {
	machine    *Machine
	classifier intent.Classifier
	transcript Transcript
	logger     *slog.Logger

	mu            sync.Mutex
	pendingTopic  string
	pendingParams map[string]any
	pendingReturn Phase
}

// NewAssistant wires a classifier to a machine. transcript may be nil.
func NewAssistant(m *Machine, classifier intent.Classifier, transcript Transcript, logger *slog.Logger) *Assistant {
	if classifier == nil {
		classifier = intent.KeywordClassifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		machine:    m,
		classifier: classifier,
		transcript: transcript,
		logger:     logger.With("chat_id", m.ChatID()),
	}
}

// Machine returns the state machine driven by a.
func (a *Assistant) Machine() *Machine { return a.machine }

// HandleMessage processes one user message and returns the assistant reply.
func (a *Assistant) HandleMessage(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.machine
	a.record(ctx, domain.RoleUser, text, "")
	m.Say(domain.RoleUser, text, "")

	prior := m.Phase()
	generating := prior == PhaseGeneratingItinerary
	if !generating {
		if _, err := m.Transition(PhaseAnalyzingInput, nil); err != nil {
			return Reply{}, err
		}
	}

	c, err := a.classifier.Classify(ctx, text, m.Profile())
	if err != nil {
		a.logger.Error("Failed to classify message", "error", err)
		m.Fail("Sorry, I couldn't understand that. Please try again.", err)
		a.restore(prior)
		return Reply{Phase: m.Phase()}, fmt.Errorf("classify message: %w", err)
	}
	m.SetLastIntent(c.Intent)
	a.logger.Debug("Message classified", "intent", c.Intent, "fields", len(c.Fields), "params", len(c.Params))

	if a.answersPendingTopic(c, prior) {
		// Answers to a lookup question carry the lookup's params.
		params := intent.ExtractParams(a.pendingTopic, text)
		maps.Copy(params, c.Params)
		c.Params = params
	}

	var reply string
	if generating {
		reply = a.whileGenerating(ctx, c)
	} else {
		reply = a.route(ctx, c, prior)
	}

	a.say(ctx, reply, c.Intent)
	return Reply{Intent: c.Intent, Text: reply, Phase: m.Phase()}, nil
}

func (a *Assistant) whileGenerating(ctx context.Context, c intent.Classification) string {
	if c.Intent == intent.Cancel {
		a.machine.CancelTrip()
		return "Okay, I've stopped and cancelled that trip."
	}
	if topic, ok := intent.TopicFor(c.Intent); ok {
		params := a.topicParams(topic, c, false)
		if missing := provider.MissingParams(topic, params); len(missing) > 0 {
			return fmt.Sprintf("I can look up %s once the itinerary is ready. Which %s?", topic, strings.Join(missing, " and "))
		}
		if err := a.machine.FetchExternal(ctx, topic, params); err != nil {
			return a.fetchError(topic, err)
		}
		return fmt.Sprintf("Checking %s while your itinerary is generated.", topic)
	}
	return "I'm still working on your itinerary. I'll let you know when it's ready."
}

func (a *Assistant) route(ctx context.Context, c intent.Classification, prior Phase) string {
	m := a.machine

	if topic, ok := intent.TopicFor(c.Intent); ok {
		return a.fetchTopic(ctx, topic, c, prior)
	}
	if a.answersPendingTopic(c, prior) {
		return a.fetchTopic(ctx, a.pendingTopic, c, prior)
	}

	switch c.Intent {
	case intent.PlanTrip:
		return a.planTrip(c, prior)

	case intent.Confirm:
		err := m.GenerateItinerary(ctx)
		switch {
		case err == nil:
			return "Great, I'm generating your itinerary now."
		case errors.Is(err, ErrNoDraft):
			a.restore(prior)
			return "There's no trip to confirm yet. Where would you like to go?"
		case errors.Is(err, ErrDraftIncomplete):
			return trip.NextPrompt(trip.Validate(m.Snapshot().Draft))
		case errors.Is(err, ErrItineraryHeld):
			return heldItineraryReply
		case errors.Is(err, ErrGenerationInProgress):
			return "Your itinerary is already being generated."
		default:
			a.logger.Error("Failed to start generation", "error", err)
			a.restore(prior)
			return "Something went wrong starting the itinerary. Please try again."
		}

	case intent.Cancel:
		m.CancelTrip()
		return "Okay, I've cancelled that trip. Let me know when you want to plan another."

	case intent.NewTrip:
		if _, err := m.StartNewTrip(true); err != nil {
			a.logger.Error("Failed to start new trip", "error", err)
			a.restore(prior)
			return "Something went wrong starting a new trip. Please try again."
		}
		if len(c.Fields) == 0 {
			return "Let's plan a new trip. Where would you like to go?"
		}
		return a.applyFields(c)

	case intent.EditItinerary:
		r, err := m.EditItinerary(c.Fields)
		if errors.Is(err, ErrNoItinerary) {
			a.restore(prior)
			return "There's no itinerary to edit yet. Tell me where you'd like to go and I'll plan one."
		}
		if err != nil {
			a.logger.Error("Failed to edit itinerary", "error", err)
			a.restore(prior)
			return "I couldn't apply that change. Please try again."
		}
		if !r.IsComplete {
			return trip.NextPrompt(r)
		}
		if snap := m.Snapshot(); snap.Draft != nil {
			return DescribeDraft(*snap.Draft)
		}
		return "Shall I regenerate the itinerary?"

	case intent.Advice:
		if _, err := m.Transition(PhaseAdvisoryMode, nil); err != nil {
			a.logger.Warn("Failed to enter advisory mode", "error", err)
		}
		if c.Reply != "" {
			return c.Reply
		}
		return "Happy to help. What would you like to know?"

	default:
		a.restore(prior)
		if c.Reply != "" {
			return c.Reply
		}
		return "I can help you plan a trip or look up weather, hotels, flights and more. Where would you like to go?"
	}
}

const heldItineraryReply = "You have an itinerary open. Ask me anything about it, or say \"new trip\" to plan another."

func (a *Assistant) planTrip(c intent.Classification, prior Phase) string {
	m := a.machine
	if m.Snapshot().Draft == nil {
		if _, err := m.StartNewTrip(c.ForceNewItinerary); err != nil {
			if errors.Is(err, ErrItineraryHeld) {
				return heldItineraryReply
			}
			a.logger.Error("Failed to start trip", "error", err)
			a.restore(prior)
			return "Something went wrong starting your trip. Please try again."
		}
	}
	return a.applyFields(c)
}

func (a *Assistant) applyFields(c intent.Classification) string {
	m := a.machine
	r, err := m.UpdateDraft(c.Fields)
	if err != nil {
		a.logger.Warn("Failed to update draft", "error", err)
		return "I couldn't use those trip details. Could you rephrase them?"
	}
	if !r.IsComplete {
		if _, err := m.Transition(PhaseAwaitingMissingInfo, &TransitionData{MissingFields: r.MissingFields}); err != nil {
			a.logger.Warn("Failed to await missing info", "error", err)
		}
		return trip.NextPrompt(r)
	}
	if _, err := m.Transition(PhaseTripBuildingMode, nil); err != nil {
		a.logger.Warn("Failed to enter trip building", "error", err)
	}
	return "Got it, I have everything I need for this trip."
}

func (a *Assistant) answersPendingTopic(c intent.Classification, prior Phase) bool {
	return prior == PhaseAwaitingMissingInfo && a.pendingTopic != "" &&
		(c.Intent == intent.General || c.Intent == intent.PlanTrip)
}

func (a *Assistant) fetchTopic(ctx context.Context, topic string, c intent.Classification, prior Phase) string {
	m := a.machine
	followUp := prior == PhaseAwaitingMissingInfo && a.pendingTopic == topic
	params := a.topicParams(topic, c, followUp)

	if missing := provider.MissingParams(topic, params); len(missing) > 0 {
		if !followUp {
			a.pendingReturn = prior
		}
		a.pendingTopic = topic
		a.pendingParams = params
		if _, err := m.Transition(PhaseAwaitingMissingInfo, &TransitionData{MissingFields: missing, TopicParams: true}); err != nil {
			a.logger.Warn("Failed to await missing params", "error", err)
		}
		return fmt.Sprintf("Which %s should I use for %s?", strings.Join(missing, " and "), topic)
	}

	back := prior
	if followUp {
		back = a.pendingReturn
	}
	a.clearPending()

	a.restore(back)
	if _, err := m.Transition(PhaseAwaitingMissingInfo, &TransitionData{BypassMissingFields: true}); err != nil {
		a.logger.Warn("Failed to enter fetching", "error", err)
	}
	if err := m.FetchExternal(ctx, topic, params); err != nil {
		a.restore(back)
		return a.fetchError(topic, err)
	}
	return fmt.Sprintf("Looking up %s for you.", topic)
}

// topicParams merges, lowest first: the pending follow-up params, the
// active draft's destination and the classified params.
func (a *Assistant) topicParams(topic string, c intent.Classification, followUp bool) map[string]any {
	params := map[string]any{}
	if followUp {
		maps.Copy(params, a.pendingParams)
	}

	dest := ""
	if snap := a.machine.Snapshot(); snap.Draft != nil {
		dest = snap.Draft.VacationLocation
	}
	if loc, ok := c.Fields["vacationLocation"].(string); ok && loc != "" {
		dest = loc
	}
	if dest != "" {
		key := "location"
		if topic == provider.TopicFlights {
			key = "destination"
		}
		if _, ok := params[key]; !ok {
			params[key] = dest
		}
	}

	maps.Copy(params, c.Params)
	return params
}

func (a *Assistant) fetchError(topic string, err error) string {
	a.logger.Warn("Failed to start fetch", "topic", topic, "error", err)
	if errors.Is(err, ErrNoGateway) {
		return "Live travel data isn't available right now."
	}
	return fmt.Sprintf("Sorry, I couldn't look up %s right now.", topic)
}

func (a *Assistant) clearPending() {
	a.pendingTopic = ""
	a.pendingParams = nil
	a.pendingReturn = ""
}

// restore returns from AnalyzingInput to the phase a message arrived in.
func (a *Assistant) restore(prior Phase) {
	m := a.machine
	if m.Phase() != PhaseAnalyzingInput || prior == "" || prior == PhaseAnalyzingInput {
		return
	}
	if _, err := m.Transition(prior, nil); err != nil {
		a.logger.Warn("Failed to restore phase", "phase", prior, "error", err)
	}
}

func (a *Assistant) say(ctx context.Context, text, intentName string) {
	a.machine.Say(domain.RoleAssistant, text, intentName)
	a.record(ctx, domain.RoleAssistant, text, intentName)
}

func (a *Assistant) record(ctx context.Context, role, text, intentName string) {
	if a.transcript == nil {
		return
	}
	msg := &domain.ChatMessage{
		ID:        uuid.NewString(),
		ChatID:    a.machine.ChatID(),
		UserID:    a.machine.UserID(),
		Role:      role,
		Content:   text,
		CreatedAt: a.machine.clock.Now(),
	}
	if intentName != "" {
		msg.Metadata = map[string]any{"intent": intentName}
	}
	if err := a.transcript.AppendChatMessage(ctx, msg); err != nil {
		a.logger.Warn("Failed to persist chat message", "reason", "persistence_failure", "role", role, "error", err)
	}
}
