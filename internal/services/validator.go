package services

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	DefaultDomainColor = "#3498db"
	DefaultUnit        = "points"

	minNameLen      = 2
	maxNameLen      = 100
	maxUnitLen      = 20
	maxDescLen      = 500
	maxDomains      = 20
	minIndicatorVal = 0.0
	maxIndicatorVal = 100.0
	defaultIndicMin = 0.0
	defaultIndicMax = 5.0
)

var (
	namePattern  = regexp.MustCompile(`^[a-zA-Z0-9À-ÿ\s\-_.,()'/&]+$`)
	colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// ValidationError reports a structural problem in a grid definition.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ValidateIndicator normalizes a raw indicator definition.
func ValidateIndicator(raw map[string]any) (Indicator, error) {
	if raw == nil {
		return Indicator{}, validationErrorf("indicator must be an object")
	}
	name, err := validateName("indicator", raw["name"])
	if err != nil {
		return Indicator{}, err
	}
	min, err := numberOrDefault(raw["min"], defaultIndicMin)
	if err != nil {
		return Indicator{}, validationErrorf("indicator %q: min must be a number", name)
	}
	max, err := numberOrDefault(raw["max"], defaultIndicMax)
	if err != nil {
		return Indicator{}, validationErrorf("indicator %q: max must be a number", name)
	}
	if max <= min {
		return Indicator{}, validationErrorf("indicator %q: max (%s) must be greater than min (%s)", name, formatNumber(max), formatNumber(min))
	}
	if min < minIndicatorVal || max > maxIndicatorVal {
		return Indicator{}, validationErrorf("indicator %q: bounds must lie within [0, 100]", name)
	}
	unit := truncateRunes(strings.TrimSpace(toString(raw["unit"])), maxUnitLen)
	if unit == "" {
		unit = DefaultUnit
	}
	return Indicator{Name: name, Min: min, Max: max, Unit: unit}, nil
}

// ValidateDomain normalizes a raw domain definition and its indicators.
func ValidateDomain(raw map[string]any) (Domain, error) {
	if raw == nil {
		return Domain{}, validationErrorf("domain must be an object")
	}
	name, err := validateName("domain", raw["name"])
	if err != nil {
		return Domain{}, err
	}
	color := strings.TrimSpace(toString(raw["color"]))
	if !colorPattern.MatchString(color) {
		color = DefaultDomainColor
	}
	desc := truncateRunes(strings.TrimSpace(toString(raw["description"])), maxDescLen)

	list, ok := asList(raw["indicators"])
	if !ok || len(list) == 0 {
		return Domain{}, validationErrorf("domain %q: at least one indicator is required", name)
	}
	indicators := make([]Indicator, 0, len(list))
	seen := map[string]bool{}
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return Domain{}, validationErrorf("domain %q, indicator %d: must be an object", name, i+1)
		}
		ind, err := ValidateIndicator(m)
		if err != nil {
			return Domain{}, validationErrorf("domain %q, indicator %d: %s", name, i+1, err.Error())
		}
		folded := strings.ToLower(ind.Name)
		if seen[folded] {
			return Domain{}, validationErrorf("domain %q: duplicate indicator name %q", name, ind.Name)
		}
		seen[folded] = true
		indicators = append(indicators, ind)
	}
	return Domain{Name: name, Color: color, Description: desc, Indicators: indicators}, nil
}

// ValidateFullGrid validates a complete domain list. Any failure rejects the
// whole list.
func ValidateFullGrid(raw any) ([]Domain, error) {
	list, ok := asList(raw)
	if !ok {
		return nil, validationErrorf("domains must be a list")
	}
	if len(list) == 0 {
		return nil, validationErrorf("a grid needs at least one domain")
	}
	if len(list) > maxDomains {
		return nil, validationErrorf("a grid cannot have more than %d domains", maxDomains)
	}
	out := make([]Domain, 0, len(list))
	seen := map[string]bool{}
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, validationErrorf("domain %d: must be an object", i+1)
		}
		d, err := ValidateDomain(m)
		if err != nil {
			return nil, validationErrorf("domain %d: %s", i+1, err.Error())
		}
		folded := strings.ToLower(d.Name)
		if seen[folded] {
			return nil, validationErrorf("duplicate domain name %q", d.Name)
		}
		seen[folded] = true
		out = append(out, d)
	}
	keys := map[string]string{}
	for _, d := range out {
		for _, ind := range d.Indicators {
			key := ScoreKey(d.Name, ind.Name)
			if prev, dup := keys[key]; dup {
				return nil, validationErrorf("score key %q is shared by %s and %s/%s", key, prev, d.Name, ind.Name)
			}
			keys[key] = d.Name + "/" + ind.Name
		}
	}
	return out, nil
}

// ValidateScores checks each submitted score against the grid structure.
// Invalid entries are dropped and reported; the rest are accepted.
func ValidateScores(raw map[string]any, domains []Domain) (map[string]float64, []string) {
	bounds := indicatorIndex(domains)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	accepted := make(map[string]float64, len(raw))
	var problems []string
	for _, key := range keys {
		ind, ok := bounds[key]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown indicator", key))
			continue
		}
		v, ok := toNumber(raw[key])
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: value is not a number", key))
			continue
		}
		if v < ind.Min || v > ind.Max {
			problems = append(problems, fmt.Sprintf("%s: %s is outside [%s, %s]", key, formatNumber(v), formatNumber(ind.Min), formatNumber(ind.Max)))
			continue
		}
		accepted[key] = v
	}
	return accepted, problems
}

// DomainsToRaw converts a normalized structure back to its decoded-JSON form.
func DomainsToRaw(domains []Domain) []any {
	out := make([]any, 0, len(domains))
	for _, d := range domains {
		inds := make([]any, 0, len(d.Indicators))
		for _, ind := range d.Indicators {
			inds = append(inds, map[string]any{
				"name": ind.Name,
				"min":  ind.Min,
				"max":  ind.Max,
				"unit": ind.Unit,
			})
		}
		out = append(out, map[string]any{
			"name":        d.Name,
			"color":       d.Color,
			"description": d.Description,
			"indicators":  inds,
		})
	}
	return out
}

func indicatorIndex(domains []Domain) map[string]Indicator {
	idx := map[string]Indicator{}
	for _, d := range domains {
		for _, ind := range d.Indicators {
			idx[ScoreKey(d.Name, ind.Name)] = ind
		}
	}
	return idx
}

func validateName(kind string, raw any) (string, error) {
	name, ok := raw.(string)
	if !ok {
		return "", validationErrorf("%s name is required", kind)
	}
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < minNameLen {
		return "", validationErrorf("%s name %q is too short (min %d characters)", kind, name, minNameLen)
	}
	if n > maxNameLen {
		return "", validationErrorf("%s name is too long (max %d characters)", kind, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return "", validationErrorf("%s name %q contains invalid characters", kind, name)
	}
	return name, nil
}

func numberOrDefault(raw any, def float64) (float64, error) {
	if raw == nil {
		return def, nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return def, nil
	}
	v, ok := toNumber(raw)
	if !ok {
		return 0, fmt.Errorf("not a number: %v", raw)
	}
	return v, nil
}

// toNumber coerces decoded JSON values, Go numerics and numeric strings.
func toNumber(raw any) (float64, bool) {
	var v float64
	switch t := raw.(type) {
	case float64:
		v = t
	case float32:
		v = float64(t)
	case int:
		v = float64(t)
	case int64:
		v = float64(t)
	case int32:
		v = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func asList(raw any) ([]any, bool) {
	switch t := raw.(type) {
	case []any:
		return t, true
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	default:
		return nil, false
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, _ := json.Marshal(v)
		return strings.Trim(string(b), "\"")
	}
}
