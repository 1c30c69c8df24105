package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type ObjectiveStore interface {
	GetGrid(ctx context.Context, id string) (*Grid, error)
	InsertObjective(ctx context.Context, o *Objective) error
	GetObjective(ctx context.Context, id string) (*Objective, error)
	UpdateObjective(ctx context.Context, o *Objective) error
	ListObjectivesByPatient(ctx context.Context, patientID string, activeOnly bool) ([]*Objective, error)
	ListCotationsByPatient(ctx context.Context, patientID, gridID string) ([]*Cotation, error)
}

type ObjectiveInput struct {
	PatientID    string     `json:"patient_id"`
	GridID       string     `json:"grid_id"`
	Domain       string     `json:"domain"`
	Indicator    string     `json:"indicator"`
	InitialScore float64    `json:"initial_score"`
	TargetScore  float64    `json:"target_score"`
	DueDate      *time.Time `json:"due_date,omitempty"`
}

// ObjectiveProgress relates an objective to the patient's latest cotation.
type ObjectiveProgress struct {
	Objective *Objective `json:"objective"`
	// Current is nil when no cotation has scored the objective's indicator.
	Current     *float64   `json:"current,omitempty"`
	Fraction    float64    `json:"fraction"`
	Reached     bool       `json:"reached"`
	ScoredAt    *time.Time `json:"scored_at,omitempty"`
	Orphaned    bool       `json:"orphaned"`
	Stale       bool       `json:"stale"`
	LiveVersion int        `json:"live_version"`
}

type ObjectiveService struct {
	store ObjectiveStore
	log   *zap.Logger
	now   func() time.Time
}

func NewObjectiveService(store ObjectiveStore, log *zap.Logger) *ObjectiveService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ObjectiveService{
		store: store,
		log:   log.Named("objectives"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create records a target score on one indicator. The objective is pinned to
// the grid version that is live at creation.
func (s *ObjectiveService) Create(ctx context.Context, actor Actor, in ObjectiveInput) (*Objective, error) {
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, NewInvalidError("patient_id required")
	}
	g, err := s.store.GetGrid(ctx, in.GridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "get_grid", err)
	}
	if g == nil || !g.Active || !visibleTo(g, actor) {
		return nil, NewNotFoundError("grid not found")
	}
	ind, ok := indicatorIndex(g.Domains)[ScoreKey(in.Domain, in.Indicator)]
	if !ok {
		return nil, NewInvalidError(fmt.Sprintf("grid has no indicator %q in domain %q", in.Indicator, in.Domain))
	}
	for _, v := range []float64{in.InitialScore, in.TargetScore} {
		if v < ind.Min || v > ind.Max {
			return nil, NewInvalidError(fmt.Sprintf("scores must lie within [%s, %s]", formatNumber(ind.Min), formatNumber(ind.Max)))
		}
	}
	if in.InitialScore == in.TargetScore {
		return nil, NewInvalidError("target score must differ from initial score")
	}
	now := s.now()
	o := &Objective{
		ID:           newID(),
		PatientID:    patientID,
		GridID:       g.ID,
		GridVersion:  g.CurrentVersion,
		Domain:       in.Domain,
		Indicator:    in.Indicator,
		InitialScore: in.InitialScore,
		TargetScore:  in.TargetScore,
		DueDate:      in.DueDate,
		Active:       true,
		CreatedBy:    actor.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertObjective(ctx, o); err != nil {
		return nil, persistenceFailure(s.log, "insert_objective", err)
	}
	return o, nil
}

func (s *ObjectiveService) ListByPatient(ctx context.Context, patientID string, activeOnly bool) ([]*Objective, error) {
	out, err := s.store.ListObjectivesByPatient(ctx, patientID, activeOnly)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_objectives", err)
	}
	return out, nil
}

func (s *ObjectiveService) MarkAchieved(ctx context.Context, actor Actor, id string) (*Objective, error) {
	return s.update(ctx, actor, id, func(o *Objective) { o.Achieved = true })
}

func (s *ObjectiveService) Deactivate(ctx context.Context, actor Actor, id string) (*Objective, error) {
	return s.update(ctx, actor, id, func(o *Objective) { o.Active = false })
}

// Progress evaluates an objective against the latest cotation of its
// patient on its grid.
func (s *ObjectiveService) Progress(ctx context.Context, id string) (*ObjectiveProgress, error) {
	o, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.progress(ctx, o)
}

// Evaluate computes progress for the patient's active objectives on grids the
// actor can read and marks reached ones as achieved. Objectives on other
// grids are neither reported nor touched.
func (s *ObjectiveService) Evaluate(ctx context.Context, actor Actor, patientID string) ([]*ObjectiveProgress, error) {
	objectives, err := s.ListByPatient(ctx, patientID, true)
	if err != nil {
		return nil, err
	}
	out := make([]*ObjectiveProgress, 0, len(objectives))
	for _, o := range objectives {
		g, err := s.store.GetGrid(ctx, o.GridID)
		if err != nil {
			return nil, persistenceFailure(s.log, "get_grid", err)
		}
		if !actor.IsSystem() && (g == nil || !visibleTo(g, actor)) {
			continue
		}
		p, err := s.progressOn(ctx, o, g)
		if err != nil {
			return nil, err
		}
		if p.Reached && !o.Achieved {
			o.Achieved = true
			o.UpdatedAt = s.now()
			if err := s.store.UpdateObjective(ctx, o); err != nil {
				return nil, persistenceFailure(s.log, "update_objective", err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *ObjectiveService) progress(ctx context.Context, o *Objective) (*ObjectiveProgress, error) {
	g, err := s.store.GetGrid(ctx, o.GridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "get_grid", err)
	}
	return s.progressOn(ctx, o, g)
}

func (s *ObjectiveService) progressOn(ctx context.Context, o *Objective, g *Grid) (*ObjectiveProgress, error) {
	p := &ObjectiveProgress{Objective: o}
	if g == nil {
		p.Orphaned = true
		return p, nil
	}
	p.LiveVersion = g.CurrentVersion
	p.Stale = g.CurrentVersion != o.GridVersion
	if _, ok := indicatorIndex(g.Domains)[o.Key()]; !ok {
		p.Orphaned = true
	}

	cotations, err := s.store.ListCotationsByPatient(ctx, o.PatientID, o.GridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_patient", err)
	}
	for i := len(cotations) - 1; i >= 0; i-- {
		v, ok := cotations[i].Scores[o.Key()]
		if !ok {
			continue
		}
		current := v
		at := cotations[i].SessionDate
		p.Current = &current
		p.ScoredAt = &at
		p.Fraction = objectiveFraction(o.InitialScore, o.TargetScore, v)
		p.Reached = p.Fraction >= 1
		break
	}
	return p, nil
}

// objectiveFraction is the share of the initial→target distance covered,
// clamped to [0, 1]. Targets below the initial score count downward.
func objectiveFraction(initial, target, current float64) float64 {
	span := target - initial
	if span == 0 {
		return 0
	}
	f := (current - initial) / span
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func (s *ObjectiveService) update(ctx context.Context, actor Actor, id string, mutate func(*Objective)) (*Objective, error) {
	o, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsSystem() && o.CreatedBy != actor.UserID {
		return nil, NewNotFoundError("objective not found")
	}
	mutate(o)
	o.UpdatedAt = s.now()
	if err := s.store.UpdateObjective(ctx, o); err != nil {
		return nil, persistenceFailure(s.log, "update_objective", err)
	}
	return o, nil
}

func (s *ObjectiveService) get(ctx context.Context, id string) (*Objective, error) {
	o, err := s.store.GetObjective(ctx, id)
	if err != nil {
		return nil, persistenceFailure(s.log, "get_objective", err)
	}
	if o == nil {
		return nil, NewNotFoundError("objective not found")
	}
	return o, nil
}

func visibleTo(g *Grid, actor Actor) bool {
	return actor.IsSystem() || g.Type == GridTypeStandard || g.OwnerID == actor.UserID
}
