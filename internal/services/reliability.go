package services

import (
	"context"
	"sort"
	"time"
)

type Reliability struct {
	GridID     string  `json:"grid_id"`
	Alpha      float64 `json:"alpha"`
	N          int     `json:"n"`
	Indicators int     `json:"indicators"`
}

// Reliability estimates the internal consistency of a grid's live indicators
// from the cotations that scored all of them.
func (s *AnalyticsService) Reliability(ctx context.Context, gridID string) (*Reliability, error) {
	g, err := s.grid(ctx, gridID)
	if err != nil {
		return nil, err
	}
	cotations, err := s.store.ListCotationsByGrid(ctx, gridID, time.Time{}, time.Time{})
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_grid", err)
	}
	keys := make([]string, 0)
	for key := range indicatorIndex(g.Domains) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	matrix := completeRows(keys, cotations)
	return &Reliability{GridID: gridID, Alpha: CronbachAlpha(matrix), N: len(matrix), Indicators: len(keys)}, nil
}

func completeRows(keys []string, cotations []*Cotation) [][]float64 {
	matrix := make([][]float64, 0, len(cotations))
	for _, c := range cotations {
		row := make([]float64, 0, len(keys))
		for _, k := range keys {
			v, ok := c.Scores[k]
			if !ok {
				break
			}
			row = append(row, v)
		}
		if len(row) == len(keys) {
			matrix = append(matrix, row)
		}
	}
	return matrix
}

// CronbachAlpha computes Cronbach's alpha over a [cotations][indicators]
// matrix using population variance, clamped to [0, 1]. Ragged or degenerate
// input yields 0.
func CronbachAlpha(matrix [][]float64) float64 {
	n := len(matrix)
	if n == 0 {
		return 0
	}
	k := len(matrix[0])
	if k < 2 {
		return 0
	}
	totals := make([]float64, n)
	var sumItemVars float64
	column := make([]float64, n)
	for j := 0; j < k; j++ {
		for i, row := range matrix {
			if len(row) != k {
				return 0
			}
			column[i] = row[j]
			totals[i] += row[j]
		}
		sumItemVars += popVariance(column)
	}
	totalVar := popVariance(totals)
	if totalVar == 0 {
		return 0
	}
	kf := float64(k)
	alpha := (kf / (kf - 1)) * (1 - sumItemVars/totalVar)
	switch {
	case alpha < 0:
		return 0
	case alpha > 1:
		return 1
	}
	return alpha
}

func popVariance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
