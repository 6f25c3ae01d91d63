// Package trip merges incremental user input into trip drafts and decides
// when a draft holds enough information to generate an itinerary.
package trip

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/tripchat/internal/domain"
)

// Budget tiers.
const (
	BudgetLow      = "low"
	BudgetModerate = "moderate"
	BudgetHigh     = "high"
)

var budgetSynonyms = map[string]string{
	"low":       BudgetLow,
	"cheap":     BudgetLow,
	"budget":    BudgetLow,
	"economy":   BudgetLow,
	"backpack":  BudgetLow,
	"moderate":  BudgetModerate,
	"medium":    BudgetModerate,
	"mid":       BudgetModerate,
	"mid-range": BudgetModerate,
	"midrange":  BudgetModerate,
	"average":   BudgetModerate,
	"standard":  BudgetModerate,
	"high":      BudgetHigh,
	"luxury":    BudgetHigh,
	"expensive": BudgetHigh,
	"premium":   BudgetHigh,
}

// MergeMaps deep-merges incoming onto a copy of existing.
// Nested objects recurse, arrays are replaced wholesale and scalars
// (including null) overwrite. Neither argument is modified.
func MergeMaps(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = deepCopy(v)
	}
	for k, v := range incoming {
		next, isObject := v.(map[string]any)
		prev, wasObject := out[k].(map[string]any)
		if isObject && wasObject {
			out[k] = MergeMaps(prev, next)
			continue
		}
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = deepCopy(inner)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = deepCopy(inner)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Merge applies patch to existing and returns the new draft. The patch uses
// the draft's JSON field names. Date shapes and budget tiers are normalized
// here so that the validator only ever sees the canonical form.
func Merge(existing domain.TripDraft, patch map[string]any) (domain.TripDraft, error) {
	base, err := toMap(existing)
	if err != nil {
		return domain.TripDraft{}, err
	}

	merged := MergeMaps(base, patch)

	// An object-shaped dates update supersedes any earlier free-text form.
	if d, ok := patch["dates"].(map[string]any); ok {
		if _, hasText := d["text"]; !hasText {
			if md, ok := merged["dates"].(map[string]any); ok {
				delete(md, "text")
			}
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return domain.TripDraft{}, fmt.Errorf("encode merged draft: %w", err)
	}
	var out domain.TripDraft
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.TripDraft{}, fmt.Errorf("decode merged draft: %w", err)
	}

	normalizeBudgets(&out)
	return out, nil
}

func toMap(d domain.TripDraft) (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return m, nil
}

// NormalizeBudget maps free-form budget wording onto a tier.
// Unrecognized values are returned trimmed but otherwise untouched.
func NormalizeBudget(s string) string {
	trimmed := strings.TrimSpace(s)
	if tier, ok := budgetSynonyms[strings.ToLower(trimmed)]; ok {
		return tier
	}
	return trimmed
}

func normalizeBudgets(d *domain.TripDraft) {
	d.Budget = NormalizeBudget(d.Budget)
	d.BudgetLevel = NormalizeBudget(d.BudgetLevel)
	if s, ok := d.Constraints["budget"].(string); ok {
		d.Constraints["budget"] = NormalizeBudget(s)
	}
}
