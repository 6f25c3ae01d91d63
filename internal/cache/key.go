package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// locationHints mark parameter names whose values are place names and
// therefore compared case-insensitively.
var locationHints = []string{
	"location", "city", "country", "destination", "origin", "region", "place", "address",
}

// keyEscaper percent-encodes the separators so that no value can
// impersonate another parameter.
var keyEscaper = strings.NewReplacer("%", "%25", "&", "%26", "=", "%3D")

func isLocationField(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range locationHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// Key builds the canonical cache key "endpoint:k1=v1&k2=v2" for a request.
// It returns false when either the endpoint or params is missing, in which
// case the caller must bypass the cache.
func Key(endpoint string, params map[string]any) (string, bool) {
	if strings.TrimSpace(endpoint) == "" || params == nil {
		return "", false
	}

	// Casers are stateful; one per call keeps Key safe for concurrent use.
	lower := cases.Lower(language.Und)

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, k := range names {
		v := formatValue(params[k])
		if isLocationField(k) {
			v = lower.String(v)
		}
		pairs = append(pairs, keyEscaper.Replace(k)+"="+keyEscaper.Replace(v))
	}
	return endpoint + ":" + strings.Join(pairs, "&"), true
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

// endpointOf returns the endpoint prefix of a key built by Key.
func endpointOf(key string) string {
	endpoint, _, _ := strings.Cut(key, ":")
	return endpoint
}
