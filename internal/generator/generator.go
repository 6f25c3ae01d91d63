// Package generator turns a complete trip draft into itinerary text.
package generator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/tripchat/internal/domain"
)

// ErrUnavailable is returned when no itinerary backend is configured.
var ErrUnavailable = errors.New("itinerary generator not configured")

// Generator produces itinerary text for a draft. Implementations own any
// retry policy.
type Generator interface {
	Generate(ctx context.Context, draft domain.TripDraft) (string, error)
}

// Noop is the default Generator. It always fails with ErrUnavailable.
type Noop struct{}

// Generate implements Generator.
func (Noop) Generate(context.Context, domain.TripDraft) (string, error) {
	return "", ErrUnavailable
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, draft domain.TripDraft) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, draft domain.TripDraft) (string, error) {
	return f(ctx, draft)
}

const systemPrompt = `You are a travel planner. Write a day-by-day itinerary.
Start each day with a heading "Day N: <title>" and list activities as "- " bullets.
Keep it practical and within the stated budget.`

// BuildPrompt renders the user prompt for a draft.
func BuildPrompt(d domain.TripDraft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination: %s\n", d.VacationLocation)
	if d.Duration != nil {
		fmt.Fprintf(&b, "Duration: %d days\n", *d.Duration)
	}
	if d.Dates != nil {
		switch {
		case d.Dates.From != "" && d.Dates.To != "":
			fmt.Fprintf(&b, "Dates: %s to %s\n", d.Dates.From, d.Dates.To)
		case d.Dates.From != "":
			fmt.Fprintf(&b, "Starting: %s\n", d.Dates.From)
		case d.Dates.Text != "":
			fmt.Fprintf(&b, "Dates: %s\n", d.Dates.Text)
		}
	}
	if d.IsTomorrow {
		b.WriteString("The trip starts tomorrow.\n")
	}
	if budget := budgetOf(d); budget != "" {
		fmt.Fprintf(&b, "Budget: %s\n", budget)
	}
	if d.Travelers != nil {
		fmt.Fprintf(&b, "Travelers: %d\n", *d.Travelers)
	}
	if len(d.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(d.Interests, ", "))
	}
	writeMap(&b, "Preferences", d.Preferences)
	writeMap(&b, "Constraints", d.Constraints)
	return b.String()
}

func budgetOf(d domain.TripDraft) string {
	if d.Budget != "" {
		return d.Budget
	}
	if s, ok := d.Constraints["budget"].(string); ok && s != "" {
		return s
	}
	return d.BudgetLevel
}

func writeMap(b *strings.Builder, label string, m map[string]any) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(parts, ", "))
}
