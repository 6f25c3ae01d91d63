// Package conversation owns the live state of one chat: its planning phase,
// the trip drafts being assembled, completed itineraries and the user's
// profile. All mutation goes through Machine.
package conversation

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

// Phase is the dialogue phase of a chat.
type Phase string

// The closed set of phases.
const (
	PhaseIdle                         Phase = "Idle"
	PhaseAnalyzingInput               Phase = "AnalyzingInput"
	PhaseFetchingExternalData         Phase = "FetchingExternalData"
	PhaseAwaitingUserTripConfirmation Phase = "AwaitingUserTripConfirmation"
	PhaseGeneratingItinerary          Phase = "GeneratingItinerary"
	PhaseDisplayingItinerary          Phase = "DisplayingItinerary"
	PhaseEditingItinerary             Phase = "EditingItinerary"
	PhaseAdvisoryMode                 Phase = "AdvisoryMode"
	PhaseTripBuildingMode             Phase = "TripBuildingMode"
	PhaseAwaitingMissingInfo          Phase = "AwaitingMissingInfo"
	PhaseItineraryAdviceMode          Phase = "ItineraryAdviceMode"
)

// Phases lists every valid phase.
var Phases = []Phase{
	PhaseIdle,
	PhaseAnalyzingInput,
	PhaseFetchingExternalData,
	PhaseAwaitingUserTripConfirmation,
	PhaseGeneratingItinerary,
	PhaseDisplayingItinerary,
	PhaseEditingItinerary,
	PhaseAdvisoryMode,
	PhaseTripBuildingMode,
	PhaseAwaitingMissingInfo,
	PhaseItineraryAdviceMode,
}

// ErrUnknownPhase is returned for a phase outside the closed set.
var ErrUnknownPhase = errors.New("unknown conversation phase")

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
	return p, nil
}

// Valid reports whether p is in the closed set.
func (p Phase) Valid() bool {
	return lo.Contains(Phases, p)
}

func (p Phase) String() string {
	return string(p)
}

// Phases that would abandon a displayed itinerary unless explicitly forced.
var redirectedTargets = []Phase{
	PhaseTripBuildingMode,
	PhaseAnalyzingInput,
	PhaseAdvisoryMode,
	PhaseGeneratingItinerary,
}

// Phases in which the completion watcher validates the draft.
var watchedPhases = []Phase{
	PhaseTripBuildingMode,
	PhaseAwaitingMissingInfo,
}

// Phases the completion watcher never advances out of.
var settledPhases = []Phase{
	PhaseAwaitingUserTripConfirmation,
	PhaseGeneratingItinerary,
	PhaseDisplayingItinerary,
}

func (p Phase) holdsItinerary() bool {
	return p == PhaseDisplayingItinerary || p == PhaseItineraryAdviceMode
}
