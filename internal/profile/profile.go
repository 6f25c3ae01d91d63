// Package profile keeps the last-known parameters a user supplied per topic.
package profile

import (
	"fmt"
	"maps"
	"time"

	"github.com/samber/lo"
)

// Topic categories.
const (
	CategoryWeather            = "weather"
	CategoryHotels             = "hotels"
	CategoryAttractions        = "attractions"
	CategoryFlights            = "flights"
	CategoryLocalEvents        = "localEvents"
	CategoryTravelRestrictions = "travelRestrictions"
	CategoryCurrency           = "currency"
	CategoryGeneral            = "general"
)

// Categories lists every known category in display order.
var Categories = []string{
	CategoryWeather,
	CategoryHotels,
	CategoryAttractions,
	CategoryFlights,
	CategoryLocalEvents,
	CategoryTravelRestrictions,
	CategoryCurrency,
	CategoryGeneral,
}

// Entry is the last-known parameter record for one category.
type Entry struct {
	Params      map[string]any `json:"params"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Preferences survive a full profile reset.
type Preferences struct {
	Language string `json:"language,omitempty"`
	Units    string `json:"units,omitempty"`
}

// Meta holds profile-wide bookkeeping.
type Meta struct {
	LastIntent string `json:"lastIntent,omitempty"`
}

// Profile is an immutable value. Every update returns a new Profile that
// shares unchanged category entries with its predecessor.
type Profile struct {
	Categories  map[string]Entry `json:"categories"`
	Preferences Preferences      `json:"preferences"`
	Meta        Meta             `json:"meta"`
}

// New returns an empty profile.
func New() Profile {
	return Profile{Categories: map[string]Entry{}}
}

// IsCategory reports whether c names a known category.
func IsCategory(c string) bool {
	return lo.Contains(Categories, c)
}

// Get returns the entry for a category.
func (p Profile) Get(category string) (Entry, bool) {
	e, ok := p.Categories[category]
	return e, ok
}

// Update merges params into one category and stamps it with now.
// Other categories are left untouched.
func (p Profile) Update(category string, params map[string]any, now time.Time) (Profile, error) {
	if !IsCategory(category) {
		return p, fmt.Errorf("unknown profile category %q", category)
	}

	merged := map[string]any{}
	if prev, ok := p.Categories[category]; ok {
		maps.Copy(merged, prev.Params)
	}
	maps.Copy(merged, params)

	next := p.shallowCopy()
	next.Categories[category] = Entry{Params: merged, LastUpdated: now}
	return next, nil
}

// Clear drops one category, or all of them when category is empty.
// Language and unit preferences are preserved either way.
func (p Profile) Clear(category string) (Profile, error) {
	if category == "" {
		return Profile{
			Categories:  map[string]Entry{},
			Preferences: p.Preferences,
		}, nil
	}
	if !IsCategory(category) {
		return p, fmt.Errorf("unknown profile category %q", category)
	}
	next := p.shallowCopy()
	delete(next.Categories, category)
	return next, nil
}

// WithLastIntent records the most recent classified intent.
func (p Profile) WithLastIntent(intent string) Profile {
	next := p.shallowCopy()
	next.Meta.LastIntent = intent
	return next
}

// WithPreferences replaces language and unit preferences.
func (p Profile) WithPreferences(prefs Preferences) Profile {
	next := p.shallowCopy()
	next.Preferences = prefs
	return next
}

func (p Profile) shallowCopy() Profile {
	next := p
	next.Categories = make(map[string]Entry, len(p.Categories)+1)
	maps.Copy(next.Categories, p.Categories)
	return next
}
