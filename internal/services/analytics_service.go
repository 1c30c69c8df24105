package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

type AnalyticsStore interface {
	GetGrid(ctx context.Context, id string) (*Grid, error)
	ListCotationsByPatient(ctx context.Context, patientID, gridID string) ([]*Cotation, error)
	// ListCotationsByGrid returns cotations with SessionDate in [from, to).
	// Zero bounds are open.
	ListCotationsByGrid(ctx context.Context, gridID string, from, to time.Time) ([]*Cotation, error)
	ListObjectivesByPatient(ctx context.Context, patientID string, activeOnly bool) ([]*Objective, error)
}

type AnalyticsService struct {
	store AnalyticsStore
	log   *zap.Logger
	now   func() time.Time
}

type TrendPoint struct {
	CotationID  string    `json:"cotation_id"`
	SessionID   string    `json:"session_id"`
	SessionDate time.Time `json:"session_date"`
	Total       float64   `json:"total"`
	Percentage  float64   `json:"percentage"`
}

type DomainAverage struct {
	Domain     string  `json:"domain"`
	Percentage float64 `json:"percentage"`
	N          int     `json:"n"`
}

type PatientTrend struct {
	PatientID string          `json:"patient_id"`
	GridID    string          `json:"grid_id"`
	Points    []TrendPoint    `json:"points"`
	Slope     float64         `json:"slope"`
	Direction string          `json:"direction"`
	Domains   []DomainAverage `json:"domains"`
}

const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"

	RiskLowScore         = "low_score"
	RiskSharpDecline     = "sharp_decline"
	RiskStagnation       = "stagnation"
	RiskOverdueObjective = "overdue_objective"

	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

const (
	trendSlopeThreshold = 1.0
	lowScorePercent     = 40.0
	sharpDeclinePoints  = 15.0
	stagnationWindow    = 3
	stagnationBand      = 2.0
)

type RiskFlag struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type PeriodBucket struct {
	Period  string  `json:"period"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

type PeriodSummary struct {
	GridID  string         `json:"grid_id"`
	Period  string         `json:"period"`
	Total   int            `json:"total"`
	Buckets []PeriodBucket `json:"buckets"`
}

func NewAnalyticsService(store AnalyticsStore, log *zap.Logger) *AnalyticsService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AnalyticsService{
		store: store,
		log:   log.Named("analytics"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// PatientTrend orders a patient's cotations on one grid by session date and
// fits a least-squares line through their percentages.
func (s *AnalyticsService) PatientTrend(ctx context.Context, patientID, gridID string) (*PatientTrend, error) {
	g, err := s.grid(ctx, gridID)
	if err != nil {
		return nil, err
	}
	cotations, err := s.store.ListCotationsByPatient(ctx, patientID, gridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_patient", err)
	}
	sortBySessionDate(cotations)

	points := make([]TrendPoint, 0, len(cotations))
	ys := make([]float64, 0, len(cotations))
	for _, c := range cotations {
		points = append(points, TrendPoint{
			CotationID:  c.ID,
			SessionID:   c.SessionID,
			SessionDate: c.SessionDate,
			Total:       c.Total,
			Percentage:  c.Percentage,
		})
		ys = append(ys, c.Percentage)
	}
	slope := linearSlope(ys)
	return &PatientTrend{
		PatientID: patientID,
		GridID:    gridID,
		Points:    points,
		Slope:     slope,
		Direction: trendDirection(slope),
		Domains:   domainAverages(g.Domains, cotations),
	}, nil
}

// RiskFlags inspects the latest cotations and objectives of a patient.
func (s *AnalyticsService) RiskFlags(ctx context.Context, patientID, gridID string) ([]RiskFlag, error) {
	if _, err := s.grid(ctx, gridID); err != nil {
		return nil, err
	}
	cotations, err := s.store.ListCotationsByPatient(ctx, patientID, gridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_patient", err)
	}
	sortBySessionDate(cotations)
	flags := scoreRiskFlags(cotations)

	objectives, err := s.store.ListObjectivesByPatient(ctx, patientID, true)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_objectives", err)
	}
	now := s.now()
	for _, o := range objectives {
		if o.GridID != gridID || o.Achieved || o.DueDate == nil || !o.DueDate.Before(now) {
			continue
		}
		flags = append(flags, RiskFlag{
			Code:     RiskOverdueObjective,
			Severity: "warning",
			Message:  fmt.Sprintf("objective on %s was due %s", o.Key(), o.DueDate.Format("2006-01-02")),
		})
	}
	return flags, nil
}

func scoreRiskFlags(cotations []*Cotation) []RiskFlag {
	flags := []RiskFlag{}
	n := len(cotations)
	if n == 0 {
		return flags
	}
	latest := cotations[n-1].Percentage
	if latest < lowScorePercent {
		flags = append(flags, RiskFlag{
			Code:     RiskLowScore,
			Severity: "high",
			Message:  fmt.Sprintf("latest score %.1f%% is below %.0f%%", latest, lowScorePercent),
		})
	}
	if n >= 2 {
		drop := cotations[n-2].Percentage - latest
		if drop >= sharpDeclinePoints {
			flags = append(flags, RiskFlag{
				Code:     RiskSharpDecline,
				Severity: "high",
				Message:  fmt.Sprintf("score dropped %.1f points since the previous session", drop),
			})
		}
	}
	if n >= stagnationWindow {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, c := range cotations[n-stagnationWindow:] {
			lo = math.Min(lo, c.Percentage)
			hi = math.Max(hi, c.Percentage)
		}
		if hi-lo <= stagnationBand {
			flags = append(flags, RiskFlag{
				Code:     RiskStagnation,
				Severity: "info",
				Message:  fmt.Sprintf("last %d sessions within %.0f points", stagnationWindow, stagnationBand),
			})
		}
	}
	return flags
}

// PeriodSummary buckets a grid's cotations by day, ISO week or month (UTC).
func (s *AnalyticsService) PeriodSummary(ctx context.Context, gridID string, from, to time.Time, period string) (*PeriodSummary, error) {
	if period == "" {
		period = PeriodWeek
	}
	if period != PeriodDay && period != PeriodWeek && period != PeriodMonth {
		return nil, NewInvalidError("period must be day, week or month")
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, NewInvalidError("from must be before to")
	}
	if _, err := s.grid(ctx, gridID); err != nil {
		return nil, err
	}
	cotations, err := s.store.ListCotationsByGrid(ctx, gridID, from, to)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_grid", err)
	}
	buckets := map[string]*PeriodBucket{}
	for _, c := range cotations {
		key := periodKey(c.SessionDate, period)
		b := buckets[key]
		if b == nil {
			b = &PeriodBucket{Period: key, Min: c.Percentage, Max: c.Percentage}
			buckets[key] = b
		}
		b.Count++
		b.Average += c.Percentage
		b.Min = math.Min(b.Min, c.Percentage)
		b.Max = math.Max(b.Max, c.Percentage)
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]PeriodBucket, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		b.Average /= float64(b.Count)
		out = append(out, *b)
	}
	return &PeriodSummary{GridID: gridID, Period: period, Total: len(cotations), Buckets: out}, nil
}

func (s *AnalyticsService) grid(ctx context.Context, gridID string) (*Grid, error) {
	g, err := s.store.GetGrid(ctx, gridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "get_grid", err)
	}
	if g == nil {
		return nil, NewNotFoundError("grid not found")
	}
	return g, nil
}

func periodKey(t time.Time, period string) string {
	t = t.UTC()
	switch period {
	case PeriodDay:
		return t.Format("2006-01-02")
	case PeriodMonth:
		return t.Format("2006-01")
	default:
		offset := (int(t.Weekday()) + 6) % 7
		monday := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
		return monday.Format("2006-01-02")
	}
}

// linearSlope fits y = a + b·x over x = 0..n-1 and returns b.
func linearSlope(ys []float64) float64 {
	n := float64(len(ys))
	if len(ys) < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}

func trendDirection(slope float64) string {
	switch {
	case slope >= trendSlopeThreshold:
		return TrendImproving
	case slope <= -trendSlopeThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func domainAverages(domains []Domain, cotations []*Cotation) []DomainAverage {
	out := make([]DomainAverage, len(domains))
	for i, d := range domains {
		out[i].Domain = d.Name
	}
	for _, c := range cotations {
		for i, ds := range DomainBreakdown(domains, c.Scores) {
			if ds.Scored == 0 {
				continue
			}
			out[i].Percentage += ds.Percentage
			out[i].N++
		}
	}
	for i := range out {
		if out[i].N > 0 {
			out[i].Percentage /= float64(out[i].N)
		}
	}
	return out
}

func sortBySessionDate(cs []*Cotation) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].SessionDate.Before(cs[j].SessionDate) })
}
