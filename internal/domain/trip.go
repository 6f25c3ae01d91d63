package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// dateRangeSeparator splits a free-form "from to to" range.
const dateRangeSeparator = " to "

// TripDraft is the trip being assembled from the conversation.
// Nullable numbers are pointers so that zero stays a legal value.
type TripDraft struct {
	ID               string         `json:"id,omitempty"`
	VacationLocation string         `json:"vacationLocation,omitempty"`
	Duration         *int           `json:"duration,omitempty"`
	Dates            *DateRange     `json:"dates,omitempty"`
	IsTomorrow       bool           `json:"isTomorrow,omitempty"`
	Budget           string         `json:"budget,omitempty"`
	BudgetLevel      string         `json:"budget_level,omitempty"`
	Travelers        *int           `json:"travelers,omitempty"`
	Preferences      map[string]any `json:"preferences,omitempty"`
	Constraints      map[string]any `json:"constraints,omitempty"`
	Interests        []string       `json:"interests,omitempty"`
}

// IsEmpty reports whether the draft carries no user-supplied data.
func (d *TripDraft) IsEmpty() bool {
	if d == nil {
		return true
	}
	return d.VacationLocation == "" &&
		d.Duration == nil &&
		d.Dates == nil &&
		!d.IsTomorrow &&
		d.Budget == "" &&
		d.BudgetLevel == "" &&
		d.Travelers == nil &&
		len(d.Preferences) == 0 &&
		len(d.Constraints) == 0 &&
		len(d.Interests) == 0
}

// DateRange is the canonical form of a trip's dates. It decodes from either
// a string ("2024-06-01 to 2024-06-06", "2024-06-01") or an object with
// from/to/duration/isTomorrow keys. Text keeps the original string form.
type DateRange struct {
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Duration   *int   `json:"duration,omitempty"`
	IsTomorrow bool   `json:"isTomorrow,omitempty"`
	Text       string `json:"text,omitempty"`
}

// ParseDateText normalizes a string form of dates into a DateRange.
func ParseDateText(s string) DateRange {
	r := DateRange{Text: s}
	if from, to, ok := strings.Cut(s, dateRangeSeparator); ok {
		r.From = strings.TrimSpace(from)
		r.To = strings.TrimSpace(to)
	}
	return r
}

// UnmarshalJSON accepts both the string and the object shape.
func (r *DateRange) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode dates string: %w", err)
		}
		*r = ParseDateText(s)
		return nil
	}

	type plain DateRange
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode dates object: %w", err)
	}
	*r = DateRange(p)
	return nil
}

// CompletedTrip is a draft promoted after successful itinerary generation.
type CompletedTrip struct {
	ID            string               `json:"id"`
	Draft         TripDraft            `json:"draft"`
	ItineraryText string               `json:"itineraryText"`
	Structured    *StructuredItinerary `json:"structured,omitempty"`
	ChatID        string               `json:"chatId,omitempty"`
	GeneratedAt   time.Time            `json:"generatedAt"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// StructuredItinerary is the day-by-day view of generated itinerary text.
type StructuredItinerary struct {
	Title string         `json:"title,omitempty"`
	Days  []ItineraryDay `json:"days"`
}

// ItineraryDay is a single day of a structured itinerary.
type ItineraryDay struct {
	Number int      `json:"number"`
	Title  string   `json:"title,omitempty"`
	Date   string   `json:"date,omitempty"`
	Items  []string `json:"items"`
}
