package conversation

import (
	"github.com/samber/lo"

	"github.com/ashureev/tripchat/internal/domain"
	"github.com/ashureev/tripchat/internal/itinerary"
	"github.com/ashureev/tripchat/internal/trip"
)

// onPhaseLocked runs the phase watchers after every phase change.
func (m *Machine) onPhaseLocked() {
	switch {
	case lo.Contains(watchedPhases, m.phase) && m.draft != nil:
		m.scheduleValidationLocked()
	case m.phase == PhaseIdle:
		m.idleCleanupLocked()
	}
}

// scheduleValidationLocked (re)starts the completion debounce. Only the
// most recently scheduled run does any work.
func (m *Machine) scheduleValidationLocked() {
	if m.closed || m.awaitingTopic {
		return
	}
	m.debounceSeq++
	seq := m.debounceSeq
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = m.clock.AfterFunc(m.debounce, func() { m.runValidation(seq) })
}

func (m *Machine) runValidation(seq uint64) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed || seq != m.debounceSeq {
		return
	}
	m.debounceTimer = nil
	if !lo.Contains(watchedPhases, m.phase) || m.draft == nil || m.awaitingTopic {
		return
	}

	r := trip.Validate(m.draft)
	if !r.IsComplete {
		m.emit(EventMissingFields, trip.NextPrompt(r), r)
		return
	}
	if lo.Contains(settledPhases, m.phase) {
		return
	}

	m.logger.Info("Draft complete, awaiting confirmation", "draft_id", m.draft.ID)
	if _, err := m.transitionLocked(PhaseAwaitingUserTripConfirmation, nil); err != nil {
		m.logger.Warn("Failed to advance completed draft", "error", err)
		return
	}
	m.emit(EventMessage, DescribeDraft(*m.draft), MessagePayload{Role: domain.RoleAssistant})
}

// idleCleanupLocked archives or discards the active draft once the chat is
// back in Idle.
func (m *Machine) idleCleanupLocked() {
	if m.cancelled {
		m.cancelled = false
		if m.draft == nil {
			return
		}
		m.logger.Info("Discarded cancelled draft", "draft_id", m.draft.ID)
		m.draft = nil
		m.fetchReturn = ""
		m.emit(EventDraftUpdated, "Trip discarded.", draftPayload(nil))
		return
	}
	if m.draft == nil {
		return
	}
	m.archiveActiveLocked()
	m.emit(EventDraftUpdated, "", draftPayload(nil))
}

func (m *Machine) beginGenerationLocked() {
	m.owningChatID = m.chatID
	m.cancelled = false
	m.generating = true
	m.genSeq++
	seq := m.genSeq
	m.stopGuardLocked()
	m.guard = m.clock.AfterFunc(m.generationTimeout, func() { m.expireGuard(seq) })
}

func (m *Machine) stopGuardLocked() {
	if m.guard != nil {
		m.guard.Stop()
		m.guard = nil
	}
}

// expireGuard releases a generation that never reported back.
func (m *Machine) expireGuard(seq uint64) {
	m.mu.Lock()
	defer m.unlockAndFlush()
	if m.closed || !m.generating || seq != m.genSeq {
		return
	}
	m.generating = false
	m.guard = nil
	m.logger.Warn("Itinerary generation timed out", "timeout", m.generationTimeout)
	m.metrics.generation("timeout")

	if m.phase == PhaseGeneratingItinerary {
		m.setPhaseLocked(PhaseAwaitingUserTripConfirmation)
		m.emit(EventGenerationError, "Generating the itinerary timed out. Say yes to try again.", map[string]any{"error": "timed out"})
	}
}

// structureLocked attaches a parsed view of the itinerary text when the
// text follows the day-by-day layout.
func (m *Machine) structureLocked(t *domain.CompletedTrip) {
	if t.Structured != nil || t.ItineraryText == "" {
		return
	}
	s, err := itinerary.Parse(t.ItineraryText)
	if err != nil {
		m.logger.Debug("Itinerary text has no day structure", "itinerary_id", t.ID, "error", err)
		return
	}
	t.Structured = &s
}
