package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/generator"
	"github.com/ashureev/tripchat/internal/profile"
	"github.com/ashureev/tripchat/internal/trip"
)

// Defaults for Deps.
const (
	DefaultDebounce          = 500 * time.Millisecond
	DefaultGenerationTimeout = 30 * time.Second
)

var (
	// ErrGenerationInProgress rejects a second concurrent generation.
	ErrGenerationInProgress = errors.New("itinerary generation already in progress")
	// ErrNoDraft is returned when an operation needs an active draft.
	ErrNoDraft = errors.New("no active trip draft")
	// ErrDraftIncomplete is returned when generation is requested too early.
	ErrDraftIncomplete = errors.New("trip draft is missing required fields")
	// ErrNoItinerary is returned when an operation needs a displayed itinerary.
	ErrNoItinerary = errors.New("no itinerary selected")
	// ErrItineraryHeld is returned when a request was redirected to keep a
	// displayed itinerary.
	ErrItineraryHeld = errors.New("an itinerary is displayed; start a new trip explicitly")
	// ErrDraftNotFound is returned by ResumeDraft for an unknown id.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrTripIndex is returned by SelectTrip for an out-of-range index.
	ErrTripIndex = errors.New("completed trip index out of range")
	// ErrNoGateway is returned when external data is requested without providers.
	ErrNoGateway = errors.New("external data gateway not configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation closed")
)

// Gateway fetches external data for a topic, normally through the cache.
type Gateway interface {
	Fetch(ctx context.Context, topic string, params map[string]any) (json.RawMessage, error)
}

// ItineraryStore persists generated itineraries.
type ItineraryStore interface {
	SaveItinerary(ctx context.Context, it *domain.StoredItinerary) (string, error)
}

// Transcript persists chat messages.
type Transcript interface {
	AppendChatMessage(ctx context.Context, msg *domain.ChatMessage) error
}

// Deps are the collaborators of a Machine. Only ChatID and UserID are
// required; everything else has a working default.
type Deps struct {
	ChatID            string
	UserID            string
	Generator         generator.Generator
	Gateway           Gateway
	Itineraries       ItineraryStore
	Transcript        Transcript
	Sink              Sink
	Clock             clockwork.Clock
	Logger            *slog.Logger
	Metrics           *Metrics
	Debounce          time.Duration
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration
}

// TransitionData is the optional context of a transition.
type TransitionData struct {
	// ForceNewItinerary lets a transition leave a displayed itinerary.
	ForceNewItinerary bool
	// BypassMissingFields and ForceExternalFetch turn a request for
	// AwaitingMissingInfo into FetchingExternalData.
	BypassMissingFields bool
	ForceExternalFetch  bool
	// Itinerary is archived when entering DisplayingItinerary.
	Itinerary *domain.CompletedTrip
	// MissingFields is reported when entering AwaitingMissingInfo.
	MissingFields []string
	// TopicParams marks an AwaitingMissingInfo entry that waits for lookup
	// parameters rather than draft fields. The completion watcher stays
	// off until the phase is left.
	TopicParams bool
}

// Machine is the conversation state machine of one chat. It is safe for
// concurrent use; all mutations are serialized.
type Machine struct {
	chatID            string
	userID            string
	generator         generator.Generator
	gateway           Gateway
	itineraries       ItineraryStore
	transcript        Transcript
	sink              Sink
	clock             clockwork.Clock
	logger            *slog.Logger
	metrics           *Metrics
	debounce          time.Duration
	generationTimeout time.Duration
	persistTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	phase         Phase
	draft         *domain.TripDraft
	drafts        []domain.TripDraft
	completed     []domain.CompletedTrip
	selected      int
	profile       profile.Profile
	cancelled     bool
	owningChatID  string
	generating    bool
	genSeq        uint64
	guard         clockwork.Timer
	fetchEpoch    uint64
	fetchReturn   Phase
	debounceSeq   uint64
	debounceTimer clockwork.Timer
	awaitingTopic bool
	closed        bool
	pending       []Event
}

// NewMachine creates a Machine in PhaseIdle.
func NewMachine(deps Deps) *Machine {
	if deps.Generator == nil {
		deps.Generator = generator.Noop{}
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Debounce <= 0 {
		deps.Debounce = DefaultDebounce
	}
	if deps.GenerationTimeout <= 0 {
		deps.GenerationTimeout = DefaultGenerationTimeout
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		chatID:            deps.ChatID,
		userID:            deps.UserID,
		generator:         deps.Generator,
		gateway:           deps.Gateway,
		itineraries:       deps.Itineraries,
		transcript:        deps.Transcript,
		sink:              deps.Sink,
		clock:             deps.Clock,
		logger:            deps.Logger.With("chat_id", deps.ChatID, "user_id", deps.UserID),
		metrics:           deps.Metrics,
		debounce:          deps.Debounce,
		generationTimeout: deps.GenerationTimeout,
		persistTimeout:    deps.PersistTimeout,
		ctx:               ctx,
		cancel:            cancel,
		phase:             PhaseIdle,
		selected:          -1,
		profile:           profile.New(),
	}
}

// ChatID returns the chat this machine belongs to.
func (m *Machine) ChatID() string { return m.chatID }

// UserID returns the owning user.
func (m *Machine) UserID() string { return m.userID }

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition requests a phase change and returns the phase actually entered.
func (m *Machine) Transition(target Phase, data *TransitionData) (Phase, error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return m.phase, ErrClosed
	}
	return m.transitionLocked(target, data)
}

func (m *Machine) transitionLocked(target Phase, data *TransitionData) (Phase, error) {
	if !target.Valid() {
		return m.phase, fmt.Errorf("%w: %q", ErrUnknownPhase, target)
	}

	force := data != nil && data.ForceNewItinerary
	if !force && m.phase.holdsItinerary() && m.currentTripLocked() != nil && lo.Contains(redirectedTargets, target) {
		m.logger.Info("Keeping displayed itinerary", "requested_phase", target, "phase", PhaseItineraryAdviceMode)
		m.metrics.redirect()
		target = PhaseItineraryAdviceMode
	}

	if target == PhaseIdle && m.phase == PhaseAwaitingUserTripConfirmation {
		m.cancelled = true
	}

	if target == PhaseGeneratingItinerary {
		if m.generating {
			return m.phase, ErrGenerationInProgress
		}
		m.beginGenerationLocked()
	}

	var archived *domain.CompletedTrip
	if target == PhaseDisplayingItinerary && data != nil && data.Itinerary != nil && !m.cancelled {
		archived = m.archiveCompletedLocked(*data.Itinerary)
	}

	if target == PhaseAwaitingMissingInfo && data != nil && (data.BypassMissingFields || data.ForceExternalFetch) {
		if m.phase != PhaseFetchingExternalData {
			m.fetchReturn = m.phase
		}
		target = PhaseFetchingExternalData
	}

	if target == m.phase && data == nil {
		return m.phase, nil
	}

	if target == PhaseAwaitingMissingInfo && data != nil {
		m.awaitingTopic = data.TopicParams
	}
	m.setPhaseLocked(target)

	if archived != nil {
		m.emit(EventItineraryReady, "Your itinerary is ready.", *archived)
		m.persistAsync(*archived)
	}
	if m.phase == PhaseAwaitingMissingInfo && data != nil && len(data.MissingFields) > 0 {
		m.emit(EventMissingFields, "", map[string]any{"missingFields": data.MissingFields})
	}
	return m.phase, nil
}

func (m *Machine) setPhaseLocked(p Phase) {
	from := m.phase
	m.phase = p
	// AnalyzingInput sits between a question and its answer.
	if p != PhaseAwaitingMissingInfo && p != PhaseAnalyzingInput {
		m.awaitingTopic = false
	}
	if from == p {
		return
	}
	m.metrics.transition(from, p)
	m.logger.Debug("Phase changed", "from", from, "to", p)
	m.emit(EventPhaseChanged, "", map[string]any{"from": from, "to": p})
	m.onPhaseLocked()
}

// StartNewTrip archives the active draft and opens an empty one. Without
// force, a displayed itinerary is kept and the chat moves to itinerary
// advice instead.
func (m *Machine) StartNewTrip(force bool) (Phase, error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return m.phase, ErrClosed
	}

	if !force && m.phase.holdsItinerary() && m.currentTripLocked() != nil {
		p, err := m.transitionLocked(PhaseTripBuildingMode, nil)
		if err != nil {
			return p, err
		}
		return p, ErrItineraryHeld
	}

	m.archiveActiveLocked()
	if force {
		m.selected = -1
	}
	m.draft = &domain.TripDraft{ID: uuid.NewString()}
	m.cancelled = false
	m.emit(EventDraftUpdated, "", draftPayload(m.draft))

	return m.transitionLocked(PhaseTripBuildingMode, &TransitionData{ForceNewItinerary: force})
}

// UpdateDraft merges patch into the active draft.
func (m *Machine) UpdateDraft(patch map[string]any) (trip.Result, error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return trip.Result{}, ErrClosed
	}
	if m.draft == nil {
		return trip.Validate(nil), ErrNoDraft
	}

	merged, err := trip.Merge(*m.draft, patch)
	if err != nil {
		return trip.Validate(m.draft), fmt.Errorf("update draft: %w", err)
	}
	m.draft = &merged
	m.emit(EventDraftUpdated, "", draftPayload(m.draft))

	if lo.Contains(watchedPhases, m.phase) {
		m.scheduleValidationLocked()
	}
	return trip.Validate(m.draft), nil
}

// ResumeDraft makes an archived draft active again.
func (m *Machine) ResumeDraft(id string) (Phase, error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return m.phase, ErrClosed
	}

	_, idx, ok := lo.FindIndexOf(m.drafts, func(d domain.TripDraft) bool { return d.ID == id })
	if !ok {
		return m.phase, fmt.Errorf("%w: %s", ErrDraftNotFound, id)
	}
	resumed := m.drafts[idx]
	m.drafts = append(m.drafts[:idx:idx], m.drafts[idx+1:]...)
	m.archiveActiveLocked()
	m.draft = &resumed
	m.emit(EventDraftUpdated, "", draftPayload(m.draft))

	return m.transitionLocked(PhaseTripBuildingMode, &TransitionData{ForceNewItinerary: true})
}

// SelectTrip displays the i-th completed trip.
func (m *Machine) SelectTrip(i int) (Phase, error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return m.phase, ErrClosed
	}
	if i < 0 || i >= len(m.completed) {
		return m.phase, fmt.Errorf("%w: %d", ErrTripIndex, i)
	}
	m.selected = i
	m.emit(EventItineraryReady, "", m.completed[i])
	return m.transitionLocked(PhaseDisplayingItinerary, nil)
}

// EditItinerary starts a new draft from the displayed itinerary's draft
// with patch applied.
func (m *Machine) EditItinerary(patch map[string]any) (trip.Result, error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return trip.Result{}, ErrClosed
	}
	cur := m.currentTripLocked()
	if cur == nil {
		return trip.Result{}, ErrNoItinerary
	}

	base := cur.Draft
	base.ID = uuid.NewString()
	merged, err := trip.Merge(base, patch)
	if err != nil {
		return trip.Result{}, fmt.Errorf("edit itinerary: %w", err)
	}

	if _, err := m.transitionLocked(PhaseEditingItinerary, nil); err != nil {
		return trip.Result{}, err
	}
	m.archiveActiveLocked()
	m.draft = &merged
	m.emit(EventDraftUpdated, "", draftPayload(m.draft))

	r := trip.Validate(m.draft)
	if r.IsComplete {
		_, err = m.transitionLocked(PhaseAwaitingUserTripConfirmation, nil)
	} else {
		_, err = m.transitionLocked(PhaseAwaitingMissingInfo, &TransitionData{MissingFields: r.MissingFields})
	}
	return r, err
}

// CancelTrip discards the active draft and any generation for it.
func (m *Machine) CancelTrip() Phase {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return m.phase
	}

	m.cancelled = true
	if m.generating {
		m.genSeq++
		m.generating = false
		m.stopGuardLocked()
	}
	if m.phase == PhaseIdle {
		m.idleCleanupLocked()
		return m.phase
	}
	m.setPhaseLocked(PhaseIdle)
	return m.phase
}

// UpdateProfile records the last parameters used for a category.
func (m *Machine) UpdateProfile(category string, params map[string]any) error {
	m.mu.Lock()
	defer m.unlockAndFlush()
	next, err := m.profile.Update(category, params, m.clock.Now())
	if err != nil {
		return err
	}
	m.profile = next
	return nil
}

// ClearProfile clears one category or, with "", the whole profile.
func (m *Machine) ClearProfile(category string) error {
	m.mu.Lock()
	defer m.unlockAndFlush()
	next, err := m.profile.Clear(category)
	if err != nil {
		return err
	}
	m.profile = next
	return nil
}

// SetLastIntent records the most recent classified intent.
func (m *Machine) SetLastIntent(intent string) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	m.profile = m.profile.WithLastIntent(intent)
}

// Profile returns the current profile value.
func (m *Machine) Profile() profile.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Say emits a chat message on behalf of role.
func (m *Machine) Say(role, text, intent string) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	m.emit(EventMessage, text, MessagePayload{Role: role, Intent: intent})
}

// Fail emits a chat-visible error.
func (m *Machine) Fail(text string, err error) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	payload := map[string]any{}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.emit(EventError, text, payload)
}

// Snapshot is an immutable view of a Machine.
type Snapshot struct {
	ChatID     string                 `json:"chatId"`
	UserID     string                 `json:"userId"`
	Phase      Phase                  `json:"phase"`
	Draft      *domain.TripDraft      `json:"draft,omitempty"`
	Validation *trip.Result           `json:"validation,omitempty"`
	Drafts     []domain.TripDraft     `json:"drafts"`
	Completed  []domain.CompletedTrip `json:"completed"`
	Selected   int                    `json:"selected"`
	Current    *domain.CompletedTrip  `json:"current,omitempty"`
	Profile    profile.Profile        `json:"profile"`
	Generating bool                   `json:"generating"`
	Cancelled  bool                   `json:"cancelled"`
}

// Snapshot returns a copy of the machine's state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		ChatID:     m.chatID,
		UserID:     m.userID,
		Phase:      m.phase,
		Drafts:     append([]domain.TripDraft{}, m.drafts...),
		Completed:  append([]domain.CompletedTrip{}, m.completed...),
		Selected:   m.selected,
		Profile:    m.profile,
		Generating: m.generating,
		Cancelled:  m.cancelled,
	}
	if m.draft != nil {
		d := *m.draft
		r := trip.Validate(&d)
		s.Draft = &d
		s.Validation = &r
	}
	if cur := m.currentTripLocked(); cur != nil {
		c := *cur
		s.Current = &c
	}
	return s
}

// Close cancels pending timers and in-flight work and waits for background
// goroutines to finish. It is safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	m.stopGuardLocked()
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Machine) currentTripLocked() *domain.CompletedTrip {
	if m.selected < 0 || m.selected >= len(m.completed) {
		return nil
	}
	return &m.completed[m.selected]
}

// archiveActiveLocked moves a non-empty active draft into the drafts list.
func (m *Machine) archiveActiveLocked() {
	if m.draft == nil {
		return
	}
	d := *m.draft
	m.draft = nil
	if d.IsEmpty() {
		return
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	m.drafts = lo.Reject(m.drafts, func(x domain.TripDraft, _ int) bool { return x.ID == d.ID })
	m.drafts = append(m.drafts, d)
}

func (m *Machine) archiveCompletedLocked(t domain.CompletedTrip) *domain.CompletedTrip {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ChatID == "" {
		t.ChatID = lo.CoalesceOrEmpty(m.owningChatID, m.chatID)
	}
	if t.GeneratedAt.IsZero() {
		t.GeneratedAt = m.clock.Now()
	}
	m.structureLocked(&t)

	m.completed = append(m.completed, t)
	m.selected = len(m.completed) - 1

	if id := t.Draft.ID; id != "" {
		m.drafts = lo.Reject(m.drafts, func(d domain.TripDraft, _ int) bool { return d.ID == id })
		if m.draft != nil && m.draft.ID == id {
			m.draft = nil
		}
	}
	m.stopGuardLocked()
	m.generating = false
	return &m.completed[m.selected]
}

func (m *Machine) emit(t EventType, msg string, payload any) {
	m.pending = append(m.pending, Event{
		Type:    t,
		ChatID:  m.chatID,
		UserID:  m.userID,
		Phase:   m.phase,
		Message: msg,
		Payload: payload,
		At:      m.clock.Now(),
	})
}

// unlockAndFlush releases mu and then delivers queued events, so sinks
// never run under the machine lock.
func (m *Machine) unlockAndFlush() {
	events := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, e := range events {
		m.sink.Publish(e)
	}
}

// DraftPayload accompanies EventDraftUpdated.
type DraftPayload struct {
	Draft      *domain.TripDraft `json:"draft"`
	Validation trip.Result       `json:"validation"`
}

func draftPayload(d *domain.TripDraft) DraftPayload {
	var cp *domain.TripDraft
	if d != nil {
		c := *d
		cp = &c
	}
	return DraftPayload{Draft: cp, Validation: trip.Validate(cp)}
}
