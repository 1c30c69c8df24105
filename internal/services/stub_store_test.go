package services

import (
	"context"
	"errors"
	"sort"
	"time"
)

// stubStore is an in-memory implementation of every service store used by
// the package tests. Reads hand out copies so tests observe only what was
// persisted.
type stubStore struct {
	grids      map[string]*Grid
	versions   map[string][]*GridVersion
	cotations  map[string]*Cotation
	objectives map[string]*Objective
	audits     []AuditEntry

	failWith   error
	raceAppend bool
}

func newStubStore() *stubStore {
	return &stubStore{
		grids:      map[string]*Grid{},
		versions:   map[string][]*GridVersion{},
		cotations:  map[string]*Cotation{},
		objectives: map[string]*Objective{},
	}
}

func copyGrid(g *Grid) *Grid {
	c := *g
	c.Domains = cloneDomains(g.Domains)
	return &c
}

func copyCotation(c *Cotation) *Cotation {
	out := *c
	out.Scores = make(map[string]float64, len(c.Scores))
	for k, v := range c.Scores {
		out.Scores[k] = v
	}
	return &out
}

func (s *stubStore) CreateGrid(_ context.Context, g *Grid, first *GridVersion) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.grids[g.ID] = copyGrid(g)
	v := *first
	s.versions[g.ID] = []*GridVersion{&v}
	return nil
}

func (s *stubStore) GetGrid(_ context.Context, id string) (*Grid, error) {
	if g, ok := s.grids[id]; ok {
		return copyGrid(g), nil
	}
	return nil, nil
}

func (s *stubStore) ListGrids(_ context.Context, ownerID string, includeInactive bool) ([]*Grid, error) {
	out := []*Grid{}
	for _, g := range s.grids {
		if !includeInactive && !g.Active {
			continue
		}
		if ownerID != "" && g.Type != GridTypeStandard && g.OwnerID != ownerID {
			continue
		}
		out = append(out, copyGrid(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *stubStore) UpdateGridMeta(_ context.Context, g *Grid) error {
	cur, ok := s.grids[g.ID]
	if !ok {
		return NewNotFoundError("grid not found")
	}
	cur.Name = g.Name
	cur.Description = g.Description
	cur.UpdatedAt = g.UpdatedAt
	return nil
}

func (s *stubStore) SetGridActive(_ context.Context, id string, active bool, at time.Time) error {
	g, ok := s.grids[id]
	if !ok {
		return NewNotFoundError("grid not found")
	}
	g.Active = active
	g.UpdatedAt = at
	return nil
}

func (s *stubStore) AppendVersion(_ context.Context, gridID string, expected int, v *GridVersion) error {
	if s.failWith != nil {
		return s.failWith
	}
	g, ok := s.grids[gridID]
	if !ok {
		return NewNotFoundError("grid not found")
	}
	if s.raceAppend {
		// Simulate a concurrent writer landing first.
		g.CurrentVersion++
		s.raceAppend = false
	}
	if g.CurrentVersion != expected {
		return ErrVersionConflict
	}
	for _, old := range s.versions[gridID] {
		old.Active = false
	}
	nv := *v
	nv.Domains = cloneDomains(v.Domains)
	s.versions[gridID] = append(s.versions[gridID], &nv)
	g.Domains = cloneDomains(v.Domains)
	g.CurrentVersion = v.VersionNum
	g.UpdatedAt = v.CreatedAt
	return nil
}

func (s *stubStore) ListVersions(_ context.Context, gridID string) ([]*GridVersion, error) {
	out := []*GridVersion{}
	for _, v := range s.versions[gridID] {
		c := *v
		out = append(out, &c)
	}
	return out, nil
}

func (s *stubStore) AddAudit(_ context.Context, e AuditEntry) error {
	s.audits = append(s.audits, e)
	return nil
}

func (s *stubStore) UpsertCotation(_ context.Context, c *Cotation) (*Cotation, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, cur := range s.cotations {
		if cur.SessionID == c.SessionID && cur.GridID == c.GridID {
			cur.PatientID = c.PatientID
			cur.GridVersion = c.GridVersion
			cur.Scores = c.Scores
			cur.Total, cur.MaxTotal, cur.Percentage = c.Total, c.MaxTotal, c.Percentage
			cur.Observations = c.Observations
			cur.SessionDate = c.SessionDate
			cur.UpdatedAt = c.UpdatedAt
			return copyCotation(cur), nil
		}
	}
	s.cotations[c.ID] = copyCotation(c)
	return copyCotation(c), nil
}

func (s *stubStore) GetCotation(_ context.Context, id string) (*Cotation, error) {
	if c, ok := s.cotations[id]; ok {
		return copyCotation(c), nil
	}
	return nil, nil
}

func (s *stubStore) FindCotation(_ context.Context, sessionID, gridID string) (*Cotation, error) {
	for _, c := range s.cotations {
		if c.SessionID == sessionID && c.GridID == gridID {
			return copyCotation(c), nil
		}
	}
	return nil, nil
}

func (s *stubStore) filterCotations(keep func(*Cotation) bool) []*Cotation {
	out := []*Cotation{}
	for _, c := range s.cotations {
		if keep(c) {
			out = append(out, copyCotation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionDate.Before(out[j].SessionDate) })
	return out
}

func (s *stubStore) ListCotationsBySession(_ context.Context, sessionID string) ([]*Cotation, error) {
	return s.filterCotations(func(c *Cotation) bool { return c.SessionID == sessionID }), nil
}

func (s *stubStore) ListCotationsByPatient(_ context.Context, patientID, gridID string) ([]*Cotation, error) {
	return s.filterCotations(func(c *Cotation) bool {
		return c.PatientID == patientID && (gridID == "" || c.GridID == gridID)
	}), nil
}

func (s *stubStore) ListCotationsByGrid(_ context.Context, gridID string, from, to time.Time) ([]*Cotation, error) {
	return s.filterCotations(func(c *Cotation) bool {
		if c.GridID != gridID {
			return false
		}
		if !from.IsZero() && c.SessionDate.Before(from) {
			return false
		}
		return to.IsZero() || c.SessionDate.Before(to)
	}), nil
}

func (s *stubStore) DeleteCotation(_ context.Context, id string) (bool, error) {
	if _, ok := s.cotations[id]; !ok {
		return false, nil
	}
	delete(s.cotations, id)
	return true, nil
}

func (s *stubStore) InsertObjective(_ context.Context, o *Objective) error {
	c := *o
	s.objectives[o.ID] = &c
	return nil
}

func (s *stubStore) GetObjective(_ context.Context, id string) (*Objective, error) {
	if o, ok := s.objectives[id]; ok {
		c := *o
		return &c, nil
	}
	return nil, nil
}

func (s *stubStore) UpdateObjective(_ context.Context, o *Objective) error {
	if _, ok := s.objectives[o.ID]; !ok {
		return errors.New("objective missing")
	}
	c := *o
	s.objectives[o.ID] = &c
	return nil
}

func (s *stubStore) ListObjectivesByPatient(_ context.Context, patientID string, activeOnly bool) ([]*Objective, error) {
	out := []*Objective{}
	for _, o := range s.objectives {
		if o.PatientID != patientID || (activeOnly && !o.Active) {
			continue
		}
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var (
	_ GridStore      = (*stubStore)(nil)
	_ CotationStore  = (*stubStore)(nil)
	_ ObjectiveStore = (*stubStore)(nil)
	_ AnalyticsStore = (*stubStore)(nil)
)

// engagementDomains is the decoded-JSON form of a one-domain grid.
func engagementDomains() []any {
	return []any{
		map[string]any{
			"name":  "Engagement",
			"color": "#ff0000",
			"indicators": []any{
				map[string]any{"name": "Attention", "min": float64(0), "max": float64(5)},
				map[string]any{"name": "Initiative", "min": float64(0), "max": float64(5)},
			},
		},
	}
}
