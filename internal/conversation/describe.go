package conversation

import (
	"fmt"
	"strings"

	"github.com/ashureev/tripchat/internal/domain"
)

// DescribeDraft renders a one-paragraph confirmation prompt for a draft.
func DescribeDraft(d domain.TripDraft) string {
	var parts []string
	if d.VacationLocation != "" {
		parts = append(parts, d.VacationLocation)
	}
	if d.Duration != nil {
		parts = append(parts, fmt.Sprintf("%d days", *d.Duration))
	}
	if d.Dates != nil {
		switch {
		case d.Dates.From != "" && d.Dates.To != "":
			parts = append(parts, d.Dates.From+" to "+d.Dates.To)
		case d.Dates.From != "":
			parts = append(parts, "from "+d.Dates.From)
		case d.Dates.Text != "":
			parts = append(parts, d.Dates.Text)
		}
	}
	if d.IsTomorrow {
		parts = append(parts, "leaving tomorrow")
	}
	if b := draftBudget(d); b != "" {
		parts = append(parts, b+" budget")
	}
	if d.Travelers != nil {
		parts = append(parts, fmt.Sprintf("%d travelers", *d.Travelers))
	}
	return fmt.Sprintf("Here's your trip: %s. Shall I generate the itinerary?", strings.Join(parts, ", "))
}

func draftBudget(d domain.TripDraft) string {
	if d.Budget != "" {
		return d.Budget
	}
	if s, ok := d.Constraints["budget"].(string); ok && s != "" {
		return s
	}
	return d.BudgetLevel
}
