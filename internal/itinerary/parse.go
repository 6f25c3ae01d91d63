// Package itinerary converts generated itinerary text into structured days
// and exports it as an iCalendar feed.
package itinerary

import (
	"bufio"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/tripchat/internal/domain"
)

// ErrNoDays is returned when the text has no recognisable day headings.
var ErrNoDays = errors.New("itinerary text has no day headings")

var (
	dayHeadingRe = regexp.MustCompile(`(?i)^(?:#+\s*)?(?:\*\*)?\s*day\s+(\d+)\b\s*(.*)$`)
	bulletRe     = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+(.+)$`)
	titleRe      = regexp.MustCompile(`^#+\s*(.+)$`)
	dateRe       = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// Parse extracts day-by-day structure from free-form itinerary text.
// It recognises "Day N" headings (optionally markdown) and bullet or
// numbered items under them. Plain lines inside a day become items too.
func Parse(text string) (domain.StructuredItinerary, error) {
	var (
		out     domain.StructuredItinerary
		current *domain.ItineraryDay
	)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if m := dayHeadingRe.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			out.Days = append(out.Days, newDay(n, m[2]))
			current = &out.Days[len(out.Days)-1]
			continue
		}

		if current == nil {
			if out.Title == "" {
				if m := titleRe.FindStringSubmatch(line); m != nil {
					out.Title = cleanText(m[1])
				} else {
					out.Title = cleanText(line)
				}
			}
			continue
		}

		item := line
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			item = m[1]
		}
		if item = cleanText(item); item != "" {
			current.Items = append(current.Items, item)
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.StructuredItinerary{}, err
	}

	if len(out.Days) == 0 {
		return domain.StructuredItinerary{}, ErrNoDays
	}
	return out, nil
}

func newDay(n int, rest string) domain.ItineraryDay {
	day := domain.ItineraryDay{Number: n, Items: []string{}}
	if date := dateRe.FindString(rest); date != "" {
		day.Date = date
		rest = strings.Replace(rest, date, "", 1)
	}
	rest = strings.Trim(cleanText(rest), " :-–()")
	day.Title = strings.TrimSpace(strings.Trim(rest, "()"))
	return day
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return strings.TrimSpace(s)
}
