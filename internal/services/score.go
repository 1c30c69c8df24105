package services

import (
	"encoding/json"
	"fmt"
)

type ScoreResult struct {
	Total      float64 `json:"total"`
	MaxTotal   float64 `json:"max_total"`
	Percentage float64 `json:"percentage"`
}

type DomainScore struct {
	Domain     string  `json:"domain"`
	Color      string  `json:"color,omitempty"`
	Total      float64 `json:"total"`
	MaxTotal   float64 `json:"max_total"`
	Percentage float64 `json:"percentage"`
	Scored     int     `json:"scored"`
	Indicators int     `json:"indicators"`
}

// ComputeScore sums the submitted values over every indicator of the grid.
// Each indicator's max counts toward MaxTotal whether or not it was scored,
// so an incomplete submission lowers the percentage. Non-numeric entries are
// skipped.
func ComputeScore(domains []Domain, scores map[string]any) ScoreResult {
	var res ScoreResult
	for _, d := range domains {
		for _, ind := range d.Indicators {
			if raw, ok := scores[ScoreKey(d.Name, ind.Name)]; ok {
				if v, ok := toNumber(raw); ok {
					res.Total += v
				}
			}
			res.MaxTotal += ind.Max
		}
	}
	res.Percentage = percentage(res.Total, res.MaxTotal)
	return res
}

// ComputeScoreJSON is ComputeScore over a JSON-encoded domain list, as stored.
func ComputeScoreJSON(domainsJSON string, scores map[string]any) (ScoreResult, error) {
	var domains []Domain
	if err := json.Unmarshal([]byte(domainsJSON), &domains); err != nil {
		return ScoreResult{}, fmt.Errorf("decode domains: %w", err)
	}
	return ComputeScore(domains, scores), nil
}

// ScoreValues widens an accepted score mapping for ComputeScore.
func ScoreValues(in map[string]float64) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DomainBreakdown computes the same aggregate as ComputeScore, per domain.
func DomainBreakdown(domains []Domain, scores map[string]float64) []DomainScore {
	out := make([]DomainScore, 0, len(domains))
	for _, d := range domains {
		ds := DomainScore{Domain: d.Name, Color: d.Color, Indicators: len(d.Indicators)}
		for _, ind := range d.Indicators {
			if v, ok := scores[ScoreKey(d.Name, ind.Name)]; ok {
				ds.Total += v
				ds.Scored++
			}
			ds.MaxTotal += ind.Max
		}
		ds.Percentage = percentage(ds.Total, ds.MaxTotal)
		out = append(out, ds)
	}
	return out
}

func percentage(total, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return total / max * 100
}
