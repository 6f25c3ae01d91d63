package trip

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"

	"github.com/ashureev/tripchat/internal/domain"
)

func completeDraft() domain.TripDraft {
	return domain.TripDraft{
		VacationLocation: "Paris",
		Duration:         lo.ToPtr(5),
		Dates:            &domain.DateRange{From: "2024-06-01", To: "2024-06-06"},
		Budget:           "moderate",
	}
}

func TestValidateCompleteDraft(t *testing.T) {
	d := completeDraft()
	r := Validate(&d)

	assert.True(t, r.IsComplete)
	assert.Empty(t, r.MissingFields)
	assert.ElementsMatch(t, RecommendedFields, r.RecommendedFields)
}

func TestValidateEachRequiredFieldMissing(t *testing.T) {
	strip := map[string]func(*domain.TripDraft){
		FieldVacationLocation: func(d *domain.TripDraft) { d.VacationLocation = "" },
		FieldDuration:         func(d *domain.TripDraft) { d.Duration = nil },
		FieldDates:            func(d *domain.TripDraft) { d.Dates = nil },
		FieldBudget:           func(d *domain.TripDraft) { d.Budget = "" },
	}

	for field, fn := range strip {
		t.Run(field, func(t *testing.T) {
			d := completeDraft()
			fn(&d)

			r := Validate(&d)

			assert.False(t, r.IsComplete)
			assert.Equal(t, []string{field}, r.MissingFields)
			assert.False(t, r.FieldStatus[field])
		})
	}
}

func TestValidateNilDraft(t *testing.T) {
	r := Validate(nil)

	assert.False(t, r.IsComplete)
	assert.Equal(t, RequiredFields, r.MissingFields)
	for _, f := range append(RequiredFields[:len(RequiredFields):len(RequiredFields)], RecommendedFields...) {
		v, ok := r.FieldStatus[f]
		assert.True(t, ok, f)
		assert.False(t, v, f)
	}
}

func TestValidateZeroDurationIsPresent(t *testing.T) {
	d := completeDraft()
	d.Duration = lo.ToPtr(0)
	assert.True(t, Validate(&d).FieldStatus[FieldDuration])
}

func TestValidateDateShapes(t *testing.T) {
	tests := []struct {
		name  string
		draft func(*domain.TripDraft)
		want  bool
	}{
		{"range text", func(d *domain.TripDraft) {
			r := domain.ParseDateText("2024-06-01 to 2024-06-06")
			d.Dates = &r
		}, true},
		{"iso text", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{Text: "leaving 2024-06-01"}
		}, true},
		{"vague text", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{Text: "sometime in june"}
		}, false},
		{"from and duration", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{From: "2024-06-01", Duration: lo.ToPtr(5)}
		}, true},
		{"from with draft tomorrow flag", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{From: "2024-06-01", IsTomorrow: true}
			d.IsTomorrow = true
		}, true},
		{"from with draft tomorrow flag only", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{From: "2024-06-01"}
			d.IsTomorrow = true
		}, true},
		{"from with draft duration", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{From: "2024-06-01"}
		}, true},
		{"from alone", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{From: "2024-06-01"}
			d.Duration = nil
		}, false},
		{"to alone", func(d *domain.TripDraft) {
			d.Dates = &domain.DateRange{To: "2024-06-06"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := completeDraft()
			tt.draft(&d)
			assert.Equal(t, tt.want, Validate(&d).FieldStatus[FieldDates])
		})
	}
}

func TestValidateBudgetSources(t *testing.T) {
	t.Run("nested constraints budget", func(t *testing.T) {
		d := completeDraft()
		d.Budget = ""
		d.Constraints = map[string]any{"budget": "low"}

		r := Validate(&d)

		assert.True(t, r.IsComplete)
		assert.True(t, r.FieldStatus[FieldConstraints], "budget-only constraints are not penalized")
	})

	t.Run("legacy budget_level", func(t *testing.T) {
		d := completeDraft()
		d.Budget = ""
		d.BudgetLevel = "high"
		assert.True(t, Validate(&d).IsComplete)
	})

	t.Run("blank nested budget", func(t *testing.T) {
		d := completeDraft()
		d.Budget = ""
		d.Constraints = map[string]any{"budget": "  "}

		r := Validate(&d)

		assert.False(t, r.FieldStatus[FieldBudget])
		assert.False(t, r.FieldStatus[FieldConstraints])
	})
}

func TestValidateRecommendedFields(t *testing.T) {
	d := completeDraft()
	d.Travelers = lo.ToPtr(2)
	d.Preferences = map[string]any{"food": "local"}
	d.Constraints = map[string]any{"accessibility": "wheelchair"}

	r := Validate(&d)

	assert.True(t, r.IsComplete)
	assert.Empty(t, r.RecommendedFields)
}

func TestValidateDatesFromMergedString(t *testing.T) {
	d, err := Merge(domain.TripDraft{}, map[string]any{"dates": "2024-06-01 to 2024-06-06"})
	assert.NoError(t, err)
	assert.True(t, Validate(&d).FieldStatus[FieldDates])
}

func TestNextPrompt(t *testing.T) {
	assert.Empty(t, NextPrompt(Result{IsComplete: true}))

	r := Validate(&domain.TripDraft{VacationLocation: "Lisbon"})
	assert.Equal(t, fieldPrompts[FieldDuration], NextPrompt(r))
}
