package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxObservationsLen = 5000

type CotationStore interface {
	GetGrid(ctx context.Context, id string) (*Grid, error)
	// UpsertCotation inserts c, or overwrites the scores, totals and
	// observations of the existing cotation for (SessionID, GridID). It
	// returns the stored row.
	UpsertCotation(ctx context.Context, c *Cotation) (*Cotation, error)
	GetCotation(ctx context.Context, id string) (*Cotation, error)
	FindCotation(ctx context.Context, sessionID, gridID string) (*Cotation, error)
	ListCotationsBySession(ctx context.Context, sessionID string) ([]*Cotation, error)
	ListCotationsByPatient(ctx context.Context, patientID, gridID string) ([]*Cotation, error)
	ListCotationsByGrid(ctx context.Context, gridID string, from, to time.Time) ([]*Cotation, error)
	DeleteCotation(ctx context.Context, id string) (bool, error)
	AddAudit(ctx context.Context, entry AuditEntry) error
}

type SaveCotationInput struct {
	SessionID    string         `json:"session_id"`
	PatientID    string         `json:"patient_id,omitempty"`
	GridID       string         `json:"grid_id"`
	Scores       map[string]any `json:"scores"`
	Observations string         `json:"observations,omitempty"`
	SessionDate  time.Time      `json:"session_date,omitempty"`
}

type SaveResult struct {
	Cotation *Cotation `json:"cotation"`
	Warnings []string  `json:"warnings,omitempty"`
}

type CotationService struct {
	store CotationStore
	log   *zap.Logger
	now   func() time.Time
}

func NewCotationService(store CotationStore, log *zap.Logger) *CotationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CotationService{
		store: store,
		log:   log.Named("cotations"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Save scores a therapy session against the grid's live structure and stores
// the result, replacing any earlier cotation of the same session and grid.
// Rejected score entries come back as warnings; they never fail the save.
func (s *CotationService) Save(ctx context.Context, in SaveCotationInput) (*SaveResult, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, NewInvalidError("session_id required")
	}
	g, err := s.store.GetGrid(ctx, in.GridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "get_grid", err)
	}
	if g == nil || !g.Active {
		return nil, NewNotFoundError("grid not found")
	}

	accepted, warnings := ValidateScores(in.Scores, g.Domains)
	res := ComputeScore(g.Domains, ScoreValues(accepted))

	now := s.now()
	sessionDate := in.SessionDate
	if sessionDate.IsZero() {
		sessionDate = now
	}
	c := &Cotation{
		ID:           newID(),
		SessionID:    sessionID,
		PatientID:    strings.TrimSpace(in.PatientID),
		GridID:       g.ID,
		GridVersion:  g.CurrentVersion,
		Scores:       accepted,
		Total:        res.Total,
		MaxTotal:     res.MaxTotal,
		Percentage:   res.Percentage,
		Observations: truncateRunes(strings.TrimSpace(in.Observations), maxObservationsLen),
		SessionDate:  sessionDate.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	stored, err := s.store.UpsertCotation(ctx, c)
	if err != nil {
		return nil, persistenceFailure(s.log, "upsert_cotation", err)
	}
	if len(warnings) > 0 {
		s.log.Debug("score entries rejected",
			zap.String("session_id", sessionID),
			zap.String("grid_id", g.ID),
			zap.Strings("warnings", warnings))
	}
	return &SaveResult{Cotation: stored, Warnings: warnings}, nil
}

func (s *CotationService) Get(ctx context.Context, id string) (*Cotation, error) {
	c, err := s.store.GetCotation(ctx, id)
	if err != nil {
		return nil, persistenceFailure(s.log, "get_cotation", err)
	}
	if c == nil {
		return nil, NewNotFoundError("cotation not found")
	}
	return c, nil
}

func (s *CotationService) GetForSession(ctx context.Context, sessionID, gridID string) (*Cotation, error) {
	c, err := s.store.FindCotation(ctx, sessionID, gridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "find_cotation", err)
	}
	if c == nil {
		return nil, NewNotFoundError("cotation not found")
	}
	return c, nil
}

func (s *CotationService) ListBySession(ctx context.Context, sessionID string) ([]*Cotation, error) {
	out, err := s.store.ListCotationsBySession(ctx, sessionID)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_session", err)
	}
	return out, nil
}

// ListByPatient returns the patient's cotations ordered by session date. An
// empty gridID spans all grids.
func (s *CotationService) ListByPatient(ctx context.Context, patientID, gridID string) ([]*Cotation, error) {
	out, err := s.store.ListCotationsByPatient(ctx, patientID, gridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_patient", err)
	}
	return out, nil
}

// ListByGrid returns a grid's cotations with SessionDate in [from, to).
func (s *CotationService) ListByGrid(ctx context.Context, gridID string, from, to time.Time) ([]*Cotation, error) {
	out, err := s.store.ListCotationsByGrid(ctx, gridID, from, to)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_by_grid", err)
	}
	return out, nil
}

// Delete removes a cotation. This is the only way cotations disappear.
func (s *CotationService) Delete(ctx context.Context, actor Actor, id string) error {
	ok, err := s.store.DeleteCotation(ctx, id)
	if err != nil {
		return persistenceFailure(s.log, "delete_cotation", err)
	}
	if !ok {
		return NewNotFoundError("cotation not found")
	}
	entry := AuditEntry{Time: s.now(), Actor: actor.String(), Action: "delete_cotation", Target: id}
	if err := s.store.AddAudit(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", entry.Action), zap.Error(err))
	}
	return nil
}
