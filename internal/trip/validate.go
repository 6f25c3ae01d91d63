package trip

import (
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/ashureev/tripchat/internal/domain"
)

// Field names as they appear in validation results.
const (
	FieldVacationLocation = "vacationLocation"
	FieldDuration         = "duration"
	FieldDates            = "dates"
	FieldBudget           = "budget"
	FieldTravelers        = "travelers"
	FieldPreferences      = "preferences"
	FieldConstraints      = "constraints"
)

// RequiredFields must all be present for a draft to be complete.
var RequiredFields = []string{FieldVacationLocation, FieldDuration, FieldDates, FieldBudget}

// RecommendedFields improve the itinerary but never block it.
var RecommendedFields = []string{FieldTravelers, FieldPreferences, FieldConstraints}

var isoDate = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// Result is the outcome of Validate.
type Result struct {
	IsComplete        bool            `json:"isComplete"`
	MissingFields     []string        `json:"missingFields"`
	RecommendedFields []string        `json:"recommendedFields"`
	FieldStatus       map[string]bool `json:"fieldStatus"`
}

// Validate reports which fields of d are satisfied. It is pure and cheap.
func Validate(d *domain.TripDraft) Result {
	status := make(map[string]bool, len(RequiredFields)+len(RecommendedFields))
	if d != nil {
		budgetOK := hasBudget(d)
		status[FieldVacationLocation] = strings.TrimSpace(d.VacationLocation) != ""
		status[FieldDuration] = d.Duration != nil
		status[FieldDates] = hasDates(d)
		status[FieldBudget] = budgetOK
		status[FieldTravelers] = d.Travelers != nil
		status[FieldPreferences] = len(d.Preferences) > 0
		status[FieldConstraints] = hasConstraints(d, budgetOK)
	} else {
		for _, f := range RequiredFields {
			status[f] = false
		}
		for _, f := range RecommendedFields {
			status[f] = false
		}
	}

	missing := lo.Filter(RequiredFields, func(f string, _ int) bool { return !status[f] })
	recommended := lo.Filter(RecommendedFields, func(f string, _ int) bool { return !status[f] })

	return Result{
		IsComplete:        len(missing) == 0,
		MissingFields:     missing,
		RecommendedFields: recommended,
		FieldStatus:       status,
	}
}

func hasDates(d *domain.TripDraft) bool {
	r := d.Dates
	if r == nil {
		return false
	}
	if strings.Contains(r.Text, " to ") || isoDate.MatchString(r.Text) {
		return true
	}
	if r.From == "" {
		return false
	}
	return r.To != "" || r.Duration != nil || d.Duration != nil || r.IsTomorrow || d.IsTomorrow
}

func hasBudget(d *domain.TripDraft) bool {
	if strings.TrimSpace(d.Budget) != "" || strings.TrimSpace(d.BudgetLevel) != "" {
		return true
	}
	switch v := d.Constraints["budget"].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

func hasConstraints(d *domain.TripDraft, budgetOK bool) bool {
	if d.Constraints == nil {
		return false
	}
	for k := range d.Constraints {
		if k != "budget" {
			return true
		}
	}
	return budgetOK
}

var fieldPrompts = map[string]string{
	FieldVacationLocation: "Where would you like to go?",
	FieldDuration:         "How many days will the trip last?",
	FieldDates:            "When are you travelling? A range like 2024-06-01 to 2024-06-06 works.",
	FieldBudget:           "What budget are you aiming for: low, moderate or high?",
	FieldTravelers:        "How many people are travelling?",
	FieldPreferences:      "Anything you especially enjoy, like food, museums or hiking?",
}

// NextPrompt returns the question for the first missing required field, or
// an empty string when the draft is complete.
func NextPrompt(r Result) string {
	if len(r.MissingFields) == 0 {
		return ""
	}
	return fieldPrompts[r.MissingFields[0]]
}
