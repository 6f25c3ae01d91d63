package itinerary

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/ashureev/tripchat/internal/domain"
)

const dateLayout = "2006-01-02"

var errNoStartDate = errors.New("trip has no resolvable start date")

// Calendar renders a completed trip as an iCalendar document with one
// all-day event per itinerary day.
func Calendar(trip domain.CompletedTrip) (string, error) {
	structured := trip.Structured
	if structured == nil {
		parsed, err := Parse(trip.ItineraryText)
		if err != nil {
			return "", err
		}
		structured = &parsed
	}

	start, startErr := startDate(trip)

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//tripchat//itinerary//EN")
	name := structured.Title
	if name == "" {
		name = "Trip to " + trip.Draft.VacationLocation
	}
	cal.SetName(name)
	cal.SetXWRCalName(name)

	for _, day := range structured.Days {
		date, err := dayDate(day, start, startErr)
		if err != nil {
			return "", err
		}

		ev := cal.AddEvent(fmt.Sprintf("%s-day-%d@tripchat", trip.ID, day.Number))
		ev.SetDtStampTime(trip.GeneratedAt)
		ev.SetAllDayStartAt(date)
		ev.SetAllDayEndAt(date.AddDate(0, 0, 1))
		summary := fmt.Sprintf("Day %d", day.Number)
		if day.Title != "" {
			summary += ": " + day.Title
		}
		ev.SetSummary(summary)
		if len(day.Items) > 0 {
			ev.SetDescription(strings.Join(day.Items, "\n"))
		}
		if trip.Draft.VacationLocation != "" {
			ev.SetLocation(trip.Draft.VacationLocation)
		}
	}

	return cal.Serialize(), nil
}

func startDate(trip domain.CompletedTrip) (time.Time, error) {
	d := trip.Draft
	if d.Dates != nil && d.Dates.From != "" {
		t, err := time.Parse(dateLayout, d.Dates.From)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse start date %q: %w", d.Dates.From, err)
		}
		return t, nil
	}
	if d.IsTomorrow || (d.Dates != nil && d.Dates.IsTomorrow) {
		y, m, day := trip.GeneratedAt.AddDate(0, 0, 1).Date()
		return time.Date(y, m, day, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, errNoStartDate
}

func dayDate(day domain.ItineraryDay, start time.Time, startErr error) (time.Time, error) {
	if day.Date != "" {
		if t, err := time.Parse(dateLayout, day.Date); err == nil {
			return t, nil
		}
	}
	if startErr != nil {
		return time.Time{}, startErr
	}
	return start.AddDate(0, 0, day.Number-1), nil
}
