package intent

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/tripchat/internal/profile"
	"github.com/ashureev/tripchat/internal/provider"
)

type rule struct {
	intent   string
	keywords []string
}

// Order matters: the first rule with a matching keyword wins.
var rules = []rule{
	{Cancel, []string{"cancel", "never mind", "nevermind", "forget it", "stop planning"}},
	{NewTrip, []string{"new trip", "another trip", "start over", "different trip", "plan a new"}},
	{Confirm, []string{" yes", "confirm", "go ahead", "looks good", "generate", "sounds good"}},
	{EditItinerary, []string{"change day", "edit", "swap", "replace", "modify", "instead of"}},
	{Weather, []string{"weather", "forecast", "temperature", " rain", "sunny"}},
	{Hotels, []string{"hotel", "accommodation", "place to stay", "hostel", "airbnb"}},
	{Flights, []string{"flight", "fly ", "airfare", "plane"}},
	{LocalEvents, []string{"event", "concert", "festival", "what's on", "nightlife"}},
	{TravelRestrictions, []string{"visa", "restriction", "entry requirement", "passport"}},
	{Currency, []string{"currency", "exchange rate", "convert"}},
	{Attractions, []string{"attraction", "things to do", "sightseeing", "landmark", "museum"}},
	{Advice, []string{"should i", "recommend", "tips", "advice", "is it worth"}},
	{PlanTrip, []string{"trip", "vacation", "holiday", "itinerary", "travel to", "visit", "plan"}},
}

var (
	locationRe  = regexp.MustCompile(`\b(?:in|to|at|for|visit|visiting)\s+((?:\p{Lu}[\p{L}'-]*)(?:\s+\p{Lu}[\p{L}'-]*)*)`)
	originRe    = regexp.MustCompile(`\bfrom\s+(\p{Lu}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)*)`)
	routeRe     = regexp.MustCompile(`\bfrom\s+(\p{Lu}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)*)\s+to\s+(\p{Lu}[\p{L}'-]*(?:\s+\p{Lu}[\p{L}'-]*)*)`)
	currencyRe  = regexp.MustCompile(`\b([A-Z]{3})\s+(?:to|in|into)\s+([A-Z]{3})\b`)
	durationRe  = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:-\s*)?(?:days?|nights?)\b`)
	weekRe      = regexp.MustCompile(`(?i)\b(?:a|one|1)\s+week\b`)
	travelersRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:people|persons|travell?ers|adults|of us)\b`)
	dateRangeRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})(?:\s*(?:to|-|until|through)\s*(\d{4}-\d{2}-\d{2}))?`)
	budgetRe    = regexp.MustCompile(`(?i)\b(cheap|low|on a budget|economy|moderate|mid-range|midrange|medium|luxury|high-end|expensive|premium)\b`)
)

// KeywordClassifier is a deterministic classifier driven by keyword rules
// and regular expressions. It needs no network access.
type KeywordClassifier struct{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, message string, p profile.Profile) (Classification, error) {
	lower := " " + strings.ToLower(strings.TrimSpace(message)) + " "

	c := Classification{Intent: General}
	for _, r := range rules {
		if containsAny(lower, r.keywords) {
			c.Intent = r.intent
			break
		}
	}

	c.Fields = extractDraftFields(message)
	if c.Intent == General && len(c.Fields) > 0 {
		c.Intent = PlanTrip
	}
	if c.Intent == NewTrip {
		c.ForceNewItinerary = true
	}

	if topic, ok := TopicFor(c.Intent); ok {
		c.Params = ExtractParams(topic, message)
		c = withProfileDefaults(c, p)
		c.BypassMissingFields = len(provider.MissingParams(topic, c.Params)) == 0
	}
	return c, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func extractDraftFields(message string) map[string]any {
	fields := map[string]any{}

	if m := locationRe.FindStringSubmatch(message); m != nil {
		fields["vacationLocation"] = m[1]
	}
	if m := durationRe.FindStringSubmatch(message); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			fields["duration"] = n
		}
	} else if weekRe.MatchString(message) {
		fields["duration"] = 7
	}
	if m := travelersRe.FindStringSubmatch(message); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			fields["travelers"] = n
		}
	}

	tomorrow := strings.Contains(strings.ToLower(message), "tomorrow")
	if tomorrow {
		fields["isTomorrow"] = true
	}
	if m := dateRangeRe.FindStringSubmatch(message); m != nil {
		dates := map[string]any{"from": m[1]}
		if m[2] != "" {
			dates["to"] = m[2]
		}
		if tomorrow {
			dates["isTomorrow"] = true
		}
		fields["dates"] = dates
	}
	if m := budgetRe.FindStringSubmatch(message); m != nil {
		budget := strings.ToLower(m[1])
		if budget == "on a budget" {
			budget = "low"
		}
		fields["budget"] = budget
	}
	return fields
}

// ExtractParams pulls the parameters of a topic lookup out of message.
func ExtractParams(topic, message string) map[string]any {
	params := map[string]any{}
	switch topic {
	case provider.TopicFlights:
		if m := routeRe.FindStringSubmatch(message); m != nil {
			params["origin"] = m[1]
			params["destination"] = m[2]
			break
		}
		if m := originRe.FindStringSubmatch(message); m != nil {
			params["origin"] = m[1]
		}
		if m := locationRe.FindStringSubmatch(message); m != nil {
			params["destination"] = m[1]
		}
	case provider.TopicCurrency:
		if m := currencyRe.FindStringSubmatch(message); m != nil {
			params["from"] = m[1]
			params["to"] = m[2]
		}
	default:
		if m := locationRe.FindStringSubmatch(message); m != nil {
			params["location"] = m[1]
		}
		if m := dateRangeRe.FindStringSubmatch(message); m != nil {
			params["date"] = m[1]
		}
	}
	return params
}
