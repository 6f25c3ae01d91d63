package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/trip"
)

// GenerateItinerary starts generating an itinerary for the active draft.
// It returns once the chat is in GeneratingItinerary; the result arrives as
// an itinerary_ready or generation_failed event.
func (m *Machine) GenerateItinerary(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.draft == nil {
		m.unlockAndFlush()
		return ErrNoDraft
	}

	r := trip.Validate(m.draft)
	if !r.IsComplete {
		_, err := m.transitionLocked(PhaseAwaitingMissingInfo, &TransitionData{MissingFields: r.MissingFields})
		m.unlockAndFlush()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDraftIncomplete, r.MissingFields)
	}

	phase, err := m.transitionLocked(PhaseGeneratingItinerary, nil)
	if err != nil {
		m.unlockAndFlush()
		return err
	}
	if phase != PhaseGeneratingItinerary {
		m.unlockAndFlush()
		return ErrItineraryHeld
	}

	seq := m.genSeq
	draft := *m.draft
	runCtx, stop := m.detach(ctx)
	m.wg.Add(1)
	m.unlockAndFlush()

	go m.runGeneration(runCtx, stop, seq, draft)
	return nil
}

func (m *Machine) runGeneration(ctx context.Context, stop context.CancelFunc, seq uint64, draft domain.TripDraft) {
	defer m.wg.Done()
	defer stop()

	start := m.clock.Now()
	text, err := m.generator.Generate(ctx, draft)
	elapsed := m.clock.Since(start)

	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}

	if seq != m.genSeq || m.cancelled || m.draft == nil || m.draft.ID != draft.ID {
		if seq == m.genSeq {
			m.generating = false
			m.stopGuardLocked()
		}
		m.logger.Info("Discarded generation result", "reason", "stale_result", "draft_id", draft.ID)
		m.metrics.staleResult("generation")
		return
	}

	m.stopGuardLocked()
	m.generating = false

	if err != nil {
		m.logger.Error("Itinerary generation failed", "draft_id", draft.ID, "error", err)
		m.metrics.generation("error")
		if m.phase == PhaseGeneratingItinerary {
			m.setPhaseLocked(PhaseAwaitingUserTripConfirmation)
		}
		m.emit(EventGenerationError, "I couldn't generate the itinerary. Say yes to try again.", map[string]any{"error": err.Error()})
		return
	}

	m.metrics.generation("success")
	m.logger.Info("Itinerary generated", "draft_id", draft.ID, "duration_ms", elapsed.Milliseconds())
	completed := domain.CompletedTrip{
		Draft:         draft,
		ItineraryText: text,
		ChatID:        m.owningChatID,
		GeneratedAt:   m.clock.Now(),
		Metadata:      map[string]any{"generationMs": elapsed.Milliseconds()},
	}
	if _, err := m.transitionLocked(PhaseDisplayingItinerary, &TransitionData{Itinerary: &completed}); err != nil {
		m.logger.Warn("Failed to display itinerary", "error", err)
	}
}

// FetchExternal loads external data for topic in the background. The chat
// sits in FetchingExternalData until the result arrives, then returns to
// the phase it came from. A fetch during generation leaves the phase alone.
func (m *Machine) FetchExternal(ctx context.Context, topic string, params map[string]any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.gateway == nil {
		m.mu.Unlock()
		return ErrNoGateway
	}

	m.fetchEpoch++
	epoch := m.fetchEpoch
	moved := m.phase != PhaseGeneratingItinerary
	if moved {
		switch {
		case m.phase != PhaseFetchingExternalData:
			m.fetchReturn = m.phase
		case m.fetchReturn == "":
			m.fetchReturn = PhaseIdle
		}
		m.setPhaseLocked(PhaseFetchingExternalData)
	}

	runCtx, stop := m.detach(ctx)
	m.wg.Add(1)
	m.unlockAndFlush()

	go m.runFetch(runCtx, stop, epoch, moved, topic, params)
	return nil
}

func (m *Machine) runFetch(ctx context.Context, stop context.CancelFunc, epoch uint64, moved bool, topic string, params map[string]any) {
	defer m.wg.Done()
	defer stop()

	data, err := m.gateway.Fetch(ctx, topic, params)

	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed {
		return
	}
	if epoch != m.fetchEpoch || (moved && m.phase != PhaseFetchingExternalData) {
		m.logger.Info("Discarded fetch result", "reason", "stale_result", "topic", topic)
		m.metrics.staleResult("fetch")
		return
	}

	if err != nil {
		m.logger.Warn("External data fetch failed", "topic", topic, "error", err)
		m.emit(EventFetchFailed, fmt.Sprintf("Sorry, I couldn't get %s data right now.", topic), FetchPayload{
			Topic:  topic,
			Params: params,
			Error:  err.Error(),
		})
		m.restoreAfterFetchLocked(moved)
		return
	}

	if next, perr := m.profile.Update(topic, params, m.clock.Now()); perr == nil {
		m.profile = next
	}
	m.emit(EventExternalData, "", FetchPayload{Topic: topic, Params: params, Data: json.RawMessage(data)})
	m.restoreAfterFetchLocked(moved)
}

func (m *Machine) restoreAfterFetchLocked(moved bool) {
	if !moved {
		return
	}
	prev := m.fetchReturn
	m.fetchReturn = ""
	if prev == "" {
		prev = PhaseIdle
	}
	m.setPhaseLocked(prev)
}

// detach derives a context for background work that keeps ctx's values,
// outlives the request and stops when the machine closes.
func (m *Machine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	release := context.AfterFunc(m.ctx, cancel)
	return runCtx, func() {
		release()
		cancel()
	}
}

// persistAsync stores a completed itinerary and its transcript entry.
// Failures are logged and never surface to the chat.
func (m *Machine) persistAsync(t domain.CompletedTrip) {
	if m.itineraries == nil && m.transcript == nil {
		return
	}
	chatID, userID := t.ChatID, m.userID
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
		defer cancel()

		if m.itineraries != nil {
			stored := &domain.StoredItinerary{
				ID:            t.ID,
				ChatID:        chatID,
				UserID:        userID,
				ItineraryText: t.ItineraryText,
				Structured:    t.Structured,
				Metadata: map[string]any{
					"vacationLocation": t.Draft.VacationLocation,
					"draft":            t.Draft,
				},
				CreatedAt: t.GeneratedAt,
			}
			if _, err := m.itineraries.SaveItinerary(ctx, stored); err != nil {
				m.logger.Warn("Failed to persist itinerary", "reason", "persistence_failure", "itinerary_id", t.ID, "error", err)
			}
		}

		if m.transcript != nil {
			msg := &domain.ChatMessage{
				ID:        uuid.NewString(),
				ChatID:    chatID,
				UserID:    userID,
				Role:      domain.RoleAssistant,
				Content:   t.ItineraryText,
				Metadata:  map[string]any{"itineraryId": t.ID},
				CreatedAt: m.clock.Now(),
			}
			if err := m.transcript.AppendChatMessage(ctx, msg); err != nil {
				m.logger.Warn("Failed to persist itinerary message", "reason", "persistence_failure", "itinerary_id", t.ID, "error", err)
			}
		}
	}()
}
