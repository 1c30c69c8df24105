package api

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soaringjerry/Cotation/internal/services"
)

// MemoryStore keeps everything in process memory. It backs the server when
// no database path is configured. Values are copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	grids      map[string]*services.Grid
	versions   map[string][]*services.GridVersion
	cotations  map[string]*services.Cotation
	bySession  map[string]string // session_id + "\x00" + grid_id -> cotation id
	objectives map[string]*services.Objective
	audit      []services.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grids:      map[string]*services.Grid{},
		versions:   map[string][]*services.GridVersion{},
		cotations:  map[string]*services.Cotation{},
		bySession:  map[string]string{},
		objectives: map[string]*services.Objective{},
		audit:      []services.AuditEntry{},
	}
}

func cloneDomains(in []services.Domain) []services.Domain {
	if in == nil {
		return nil
	}
	out := make([]services.Domain, len(in))
	for i, d := range in {
		out[i] = d
		out[i].Indicators = append([]services.Indicator(nil), d.Indicators...)
	}
	return out
}

func cloneGrid(g *services.Grid) *services.Grid {
	c := *g
	c.Domains = cloneDomains(g.Domains)
	return &c
}

func cloneVersion(v *services.GridVersion) *services.GridVersion {
	c := *v
	c.Domains = cloneDomains(v.Domains)
	return &c
}

func cloneCotation(c *services.Cotation) *services.Cotation {
	out := *c
	out.Scores = make(map[string]float64, len(c.Scores))
	for k, v := range c.Scores {
		out.Scores[k] = v
	}
	return &out
}

func cloneObjective(o *services.Objective) *services.Objective {
	c := *o
	if o.DueDate != nil {
		d := *o.DueDate
		c.DueDate = &d
	}
	return &c
}

func sessionKey(sessionID, gridID string) string { return sessionID + "\x00" + gridID }

// --- Grids ---

func (s *MemoryStore) CreateGrid(_ context.Context, g *services.Grid, first *services.GridVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grids[g.ID]; exists {
		return services.NewConflictError("grid already exists")
	}
	s.grids[g.ID] = cloneGrid(g)
	if first != nil {
		s.versions[g.ID] = []*services.GridVersion{cloneVersion(first)}
	}
	return nil
}

func (s *MemoryStore) GetGrid(_ context.Context, id string) (*services.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.grids[id]; ok {
		return cloneGrid(g), nil
	}
	return nil, nil
}

func (s *MemoryStore) ListGrids(_ context.Context, ownerID string, includeInactive bool) ([]*services.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*services.Grid{}
	for _, g := range s.grids {
		if !includeInactive && !g.Active {
			continue
		}
		if ownerID != "" && g.Type != services.GridTypeStandard && g.OwnerID != ownerID {
			continue
		}
		out = append(out, cloneGrid(g))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateGridMeta(_ context.Context, g *services.Grid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.grids[g.ID]
	if !ok {
		return services.NewNotFoundError("grid not found")
	}
	cur.Name = g.Name
	cur.Description = g.Description
	cur.UpdatedAt = g.UpdatedAt
	return nil
}

func (s *MemoryStore) SetGridActive(_ context.Context, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grids[id]
	if !ok {
		return services.NewNotFoundError("grid not found")
	}
	g.Active = active
	g.UpdatedAt = at
	return nil
}

func (s *MemoryStore) AppendVersion(_ context.Context, gridID string, expected int, v *services.GridVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grids[gridID]
	if !ok {
		return services.NewNotFoundError("grid not found")
	}
	if g.CurrentVersion != expected {
		return services.ErrVersionConflict
	}
	for _, old := range s.versions[gridID] {
		if old.VersionNum == v.VersionNum {
			return services.ErrVersionConflict
		}
	}
	for _, old := range s.versions[gridID] {
		old.Active = false
	}
	s.versions[gridID] = append(s.versions[gridID], cloneVersion(v))
	g.Domains = cloneDomains(v.Domains)
	g.CurrentVersion = v.VersionNum
	g.UpdatedAt = v.CreatedAt
	return nil
}

func (s *MemoryStore) ListVersions(_ context.Context, gridID string) ([]*services.GridVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*services.GridVersion, 0, len(s.versions[gridID]))
	for _, v := range s.versions[gridID] {
		out = append(out, cloneVersion(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNum < out[j].VersionNum })
	return out, nil
}

// --- Cotations ---

func (s *MemoryStore) UpsertCotation(_ context.Context, c *services.Cotation) (*services.Cotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(c.SessionID, c.GridID)
	if id, ok := s.bySession[key]; ok {
		cur := s.cotations[id]
		cur.PatientID = c.PatientID
		cur.GridVersion = c.GridVersion
		cur.Scores = cloneCotation(c).Scores
		cur.Total, cur.MaxTotal, cur.Percentage = c.Total, c.MaxTotal, c.Percentage
		cur.Observations = c.Observations
		cur.SessionDate = c.SessionDate
		cur.UpdatedAt = c.UpdatedAt
		return cloneCotation(cur), nil
	}
	s.cotations[c.ID] = cloneCotation(c)
	s.bySession[key] = c.ID
	return cloneCotation(c), nil
}

func (s *MemoryStore) GetCotation(_ context.Context, id string) (*services.Cotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.cotations[id]; ok {
		return cloneCotation(c), nil
	}
	return nil, nil
}

func (s *MemoryStore) FindCotation(_ context.Context, sessionID, gridID string) (*services.Cotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.bySession[sessionKey(sessionID, gridID)]; ok {
		return cloneCotation(s.cotations[id]), nil
	}
	return nil, nil
}

func (s *MemoryStore) filterCotations(keep func(*services.Cotation) bool) []*services.Cotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*services.Cotation{}
	for _, c := range s.cotations {
		if keep(c) {
			out = append(out, cloneCotation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SessionDate.Equal(out[j].SessionDate) {
			return out[i].SessionDate.Before(out[j].SessionDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) ListCotationsBySession(_ context.Context, sessionID string) ([]*services.Cotation, error) {
	return s.filterCotations(func(c *services.Cotation) bool { return c.SessionID == sessionID }), nil
}

func (s *MemoryStore) ListCotationsByPatient(_ context.Context, patientID, gridID string) ([]*services.Cotation, error) {
	return s.filterCotations(func(c *services.Cotation) bool {
		return c.PatientID == patientID && (gridID == "" || c.GridID == gridID)
	}), nil
}

func (s *MemoryStore) ListCotationsByGrid(_ context.Context, gridID string, from, to time.Time) ([]*services.Cotation, error) {
	return s.filterCotations(func(c *services.Cotation) bool {
		if c.GridID != gridID {
			return false
		}
		if !from.IsZero() && c.SessionDate.Before(from) {
			return false
		}
		return to.IsZero() || c.SessionDate.Before(to)
	}), nil
}

func (s *MemoryStore) DeleteCotation(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cotations[id]
	if !ok {
		return false, nil
	}
	delete(s.bySession, sessionKey(c.SessionID, c.GridID))
	delete(s.cotations, id)
	return true, nil
}

// --- Objectives ---

func (s *MemoryStore) InsertObjective(_ context.Context, o *services.Objective) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objectives[o.ID] = cloneObjective(o)
	return nil
}

func (s *MemoryStore) GetObjective(_ context.Context, id string) (*services.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.objectives[id]; ok {
		return cloneObjective(o), nil
	}
	return nil, nil
}

func (s *MemoryStore) UpdateObjective(_ context.Context, o *services.Objective) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objectives[o.ID]; !ok {
		return services.NewNotFoundError("objective not found")
	}
	s.objectives[o.ID] = cloneObjective(o)
	return nil
}

func (s *MemoryStore) ListObjectivesByPatient(_ context.Context, patientID string, activeOnly bool) ([]*services.Objective, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*services.Objective{}
	for _, o := range s.objectives {
		if o.PatientID != patientID || (activeOnly && !o.Active) {
			continue
		}
		out = append(out, cloneObjective(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Audit log ---

func (s *MemoryStore) AddAudit(_ context.Context, e services.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	s.audit = append(s.audit, e)
	return nil
}

// ListAudit returns the newest entries first.
func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]services.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]services.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}
