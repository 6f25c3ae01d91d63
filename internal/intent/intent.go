// Package intent classifies chat messages into trip-planning intents and
// extracts the fields they carry.
package intent

import (
	"context"

	"github.com/ashureev/tripchat/internal/profile"
	"github.com/ashureev/tripchat/internal/provider"
)

// Intents.
const (
	Weather            = "weather"
	Hotels             = "hotels"
	Attractions        = "attractions"
	Flights            = "flights"
	LocalEvents        = "local_events"
	TravelRestrictions = "travel_restrictions"
	Currency           = "currency"
	PlanTrip           = "plan_trip"
	Confirm            = "confirm"
	Cancel             = "cancel"
	NewTrip            = "new_trip"
	EditItinerary      = "edit_itinerary"
	Advice             = "advice"
	General            = "general"
)

var topicByIntent = map[string]string{
	Weather:            provider.TopicWeather,
	Hotels:             provider.TopicHotels,
	Attractions:        provider.TopicAttractions,
	Flights:            provider.TopicFlights,
	LocalEvents:        provider.TopicLocalEvents,
	TravelRestrictions: provider.TopicTravelRestrictions,
	Currency:           provider.TopicCurrency,
}

var known = map[string]bool{
	Weather: true, Hotels: true, Attractions: true, Flights: true,
	LocalEvents: true, TravelRestrictions: true, Currency: true,
	PlanTrip: true, Confirm: true, Cancel: true, NewTrip: true,
	EditItinerary: true, Advice: true, General: true,
}

// IsKnown reports whether name is a recognised intent.
func IsKnown(name string) bool {
	return known[name]
}

// TopicFor returns the external data topic an intent asks about.
func TopicFor(intent string) (string, bool) {
	t, ok := topicByIntent[intent]
	return t, ok
}

// Classification is the classifier's reading of one message.
// Fields holds draft updates keyed by draft JSON names; Params holds
// external data query parameters for topic intents.
type Classification struct {
	Intent              string         `json:"intent"`
	Fields              map[string]any `json:"fields,omitempty"`
	Params              map[string]any `json:"params,omitempty"`
	Reply               string         `json:"reply,omitempty"`
	ForceNewItinerary   bool           `json:"forceNewItinerary,omitempty"`
	BypassMissingFields bool           `json:"bypassMissingFields,omitempty"`
}

// Classifier reads intent from a user message.
type Classifier interface {
	Classify(ctx context.Context, message string, p profile.Profile) (Classification, error)
}

// withProfileDefaults fills absent topic params from the last values the
// user gave for that topic.
func withProfileDefaults(c Classification, p profile.Profile) Classification {
	topic, ok := TopicFor(c.Intent)
	if !ok {
		return c
	}
	entry, ok := p.Get(topic)
	if !ok {
		return c
	}
	params := make(map[string]any, len(c.Params)+len(entry.Params))
	for k, v := range entry.Params {
		params[k] = v
	}
	for k, v := range c.Params {
		params[k] = v
	}
	c.Params = params
	return c
}
