package itinerary

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tripchat/internal/domain"
)

const sample = `# Three Days in Paris

**Day 1: Arrival**
- Check in near the Marais
- Evening walk along the Seine

## Day 2 (2024-06-02) - Museums
1. Louvre in the morning
2) Lunch at a bistro
Orsay after lunch

Day 3 – Departure
* Pack and fly home
`

func TestParse(t *testing.T) {
	got, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "Three Days in Paris", got.Title)
	require.Len(t, got.Days, 3)

	assert.Equal(t, domain.ItineraryDay{
		Number: 1,
		Title:  "Arrival",
		Items:  []string{"Check in near the Marais", "Evening walk along the Seine"},
	}, got.Days[0])

	assert.Equal(t, 2, got.Days[1].Number)
	assert.Equal(t, "2024-06-02", got.Days[1].Date)
	assert.Equal(t, "Museums", got.Days[1].Title)
	assert.Equal(t, []string{"Louvre in the morning", "Lunch at a bistro", "Orsay after lunch"}, got.Days[1].Items)

	assert.Equal(t, "Departure", got.Days[2].Title)
	assert.Equal(t, []string{"Pack and fly home"}, got.Days[2].Items)
}

func TestParseNoDays(t *testing.T) {
	_, err := Parse("Just enjoy Paris, it's lovely.")
	assert.ErrorIs(t, err, ErrNoDays)
}

func TestCalendar(t *testing.T) {
	trip := domain.CompletedTrip{
		ID:            "trip-1",
		ItineraryText: sample,
		GeneratedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Draft: domain.TripDraft{
			VacationLocation: "Paris",
			Dates:            &domain.DateRange{From: "2024-06-01", To: "2024-06-03"},
		},
	}

	out, err := Calendar(trip)
	require.NoError(t, err)

	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Equal(t, 3, strings.Count(out, "BEGIN:VEVENT"))
	assert.Contains(t, out, "trip-1-day-1@tripchat")
	assert.Contains(t, out, "20240601")
	assert.Contains(t, out, "20240603")
	assert.Contains(t, out, "SUMMARY:Day 1: Arrival")
	assert.Contains(t, out, "LOCATION:Paris")
}

func TestCalendarTomorrowStart(t *testing.T) {
	trip := domain.CompletedTrip{
		ID:            "trip-2",
		ItineraryText: "Day 1: Go\n- Leave",
		GeneratedAt:   time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC),
		Draft:         domain.TripDraft{VacationLocation: "Oslo", IsTomorrow: true},
	}

	out, err := Calendar(trip)
	require.NoError(t, err)
	assert.Contains(t, out, "20240502")
}

func TestCalendarWithoutDates(t *testing.T) {
	_, err := Calendar(domain.CompletedTrip{ItineraryText: "Day 1: Go"})
	assert.ErrorIs(t, err, errNoStartDate)
}
