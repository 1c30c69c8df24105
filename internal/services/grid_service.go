package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorForbidden    ErrorCode = "forbidden"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorConflict     ErrorCode = "conflict"
	ErrorUnauthorized ErrorCode = "unauthorized"
	ErrorInternal     ErrorCode = "internal"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error  { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsNotFound reports whether err is a not-found (or not-authorized) result.
func IsNotFound(err error) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == ErrorNotFound
}

func invalidFrom(err error) error {
	return &ServiceError{Code: ErrorInvalid, Message: err.Error(), Err: err}
}

// ErrVersionConflict is returned by stores when a grid's current version no
// longer matches the version the caller read.
var ErrVersionConflict = errors.New("grid version conflict")

const genericFailure = "operation failed, please try again"

// persistenceFailure logs a store error and hides it behind a generic message.
// Service errors raised by stores pass through unchanged.
func persistenceFailure(log *zap.Logger, op string, err error) error {
	if se, ok := AsServiceError(err); ok {
		return se
	}
	log.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return &ServiceError{Code: ErrorInternal, Message: genericFailure, Err: err}
}

type GridStore interface {
	// CreateGrid inserts the grid together with its first version.
	CreateGrid(ctx context.Context, g *Grid, first *GridVersion) error
	GetGrid(ctx context.Context, id string) (*Grid, error)
	// ListGrids returns standard grids plus those owned by ownerID. An empty
	// ownerID lists every grid.
	ListGrids(ctx context.Context, ownerID string, includeInactive bool) ([]*Grid, error)
	UpdateGridMeta(ctx context.Context, g *Grid) error
	SetGridActive(ctx context.Context, id string, active bool, at time.Time) error
	// AppendVersion atomically supersedes the active version with v and sets
	// the grid's live domains, provided the grid is still at expectedVersion.
	// Otherwise it returns ErrVersionConflict and changes nothing.
	AppendVersion(ctx context.Context, gridID string, expectedVersion int, v *GridVersion) error
	ListVersions(ctx context.Context, gridID string) ([]*GridVersion, error)
	AddAudit(ctx context.Context, entry AuditEntry) error
}

type GridService struct {
	store GridStore
	log   *zap.Logger
	now   func() time.Time
}

func NewGridService(store GridStore, log *zap.Logger) *GridService {
	if log == nil {
		log = zap.NewNop()
	}
	return &GridService{
		store: store,
		log:   log.Named("grids"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

const (
	minGridNameLen = 3
	maxGridNameLen = 100
	copySuffix     = " (copy)"
)

// CreateFromTemplate instantiates a bundled template as a shared standard grid.
// Only the system actor may create shared grids.
func (s *GridService) CreateFromTemplate(ctx context.Context, actor Actor, key string) (*Grid, error) {
	if !actor.IsSystem() {
		return nil, NewForbiddenError("standard grids are managed by the system")
	}
	tpl, ok := Template(key)
	if !ok {
		return nil, NewNotFoundError("template not found")
	}
	g := &Grid{
		ID:                  newID(),
		Name:                tpl.Name,
		Description:         tpl.Description,
		Type:                GridTypeStandard,
		ScientificReference: tpl.ScientificReference,
		Active:              true,
		Domains:             tpl.Domains,
	}
	if err := s.insert(ctx, actor, g, "created from template "+key); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateCustom creates a personalized grid owned by the actor.
func (s *GridService) CreateCustom(ctx context.Context, actor Actor, name, description string, rawDomains any) (*Grid, error) {
	name, err := validateGridName(name)
	if err != nil {
		return nil, err
	}
	domains, err := ValidateFullGrid(rawDomains)
	if err != nil {
		return nil, invalidFrom(err)
	}
	g := &Grid{
		ID:          newID(),
		Name:        name,
		Description: truncateRunes(strings.TrimSpace(description), maxDescLen),
		Type:        GridTypePersonalized,
		OwnerID:     actor.UserID,
		Active:      true,
		Domains:     domains,
	}
	if err := s.insert(ctx, actor, g, "created"); err != nil {
		return nil, err
	}
	return g, nil
}

// Copy duplicates a grid the actor owns. The copy keeps the source type.
// Users start from a shared template through CreateCustom instead.
func (s *GridService) Copy(ctx context.Context, actor Actor, gridID string) (*Grid, error) {
	src, err := s.owned(ctx, actor, gridID)
	if err != nil {
		return nil, err
	}
	g := &Grid{
		ID:                  newID(),
		Name:                truncateRunes(src.Name, maxGridNameLen-utf8.RuneCountInString(copySuffix)) + copySuffix,
		Description:         src.Description,
		Type:                src.Type,
		ScientificReference: src.ScientificReference,
		OwnerID:             actor.UserID,
		Active:              true,
		Domains:             cloneDomains(src.Domains),
	}
	if err := s.insert(ctx, actor, g, "copied from "+src.ID); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "copy_grid", g.ID, src.ID)
	return g, nil
}

// UpdateMeta renames or redescribes a grid. The domain structure and version
// history are untouched.
func (s *GridService) UpdateMeta(ctx context.Context, actor Actor, gridID string, name, description *string) (*Grid, error) {
	g, err := s.owned(ctx, actor, gridID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		n, err := validateGridName(*name)
		if err != nil {
			return nil, err
		}
		g.Name = n
	}
	if description != nil {
		g.Description = truncateRunes(strings.TrimSpace(*description), maxDescLen)
	}
	g.UpdatedAt = s.now()
	if err := s.store.UpdateGridMeta(ctx, g); err != nil {
		return nil, persistenceFailure(s.log, "update_meta", err)
	}
	return g, nil
}

// Deactivate soft-deletes a grid. Versions and cotations are kept.
func (s *GridService) Deactivate(ctx context.Context, actor Actor, gridID string) error {
	if _, err := s.owned(ctx, actor, gridID); err != nil {
		return err
	}
	if err := s.store.SetGridActive(ctx, gridID, false, s.now()); err != nil {
		return persistenceFailure(s.log, "deactivate", err)
	}
	s.audit(ctx, actor, "deactivate_grid", gridID, "")
	return nil
}

// UpdateDomains replaces the grid's domain structure and records it as a new
// version. Invalid structures are rejected without touching the grid.
func (s *GridService) UpdateDomains(ctx context.Context, actor Actor, gridID string, rawDomains any, note string) (*GridVersion, error) {
	domains, err := ValidateFullGrid(rawDomains)
	if err != nil {
		return nil, invalidFrom(err)
	}
	g, err := s.owned(ctx, actor, gridID)
	if err != nil {
		return nil, err
	}
	return s.appendVersion(ctx, actor, g, domains, note)
}

// RestoreVersion re-applies an earlier snapshot as a new version.
func (s *GridService) RestoreVersion(ctx context.Context, actor Actor, gridID string, versionNum int) (*GridVersion, error) {
	g, err := s.owned(ctx, actor, gridID)
	if err != nil {
		return nil, err
	}
	versions, err := s.versions(ctx, actor, g)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.VersionNum == versionNum {
			return s.appendVersion(ctx, actor, g, cloneDomains(v.Domains), fmt.Sprintf("restored from version %d", versionNum))
		}
	}
	return nil, NewNotFoundError("version not found")
}

func (s *GridService) GetGrid(ctx context.Context, actor Actor, gridID string) (*Grid, error) {
	return s.readable(ctx, actor, gridID)
}

// ListGrids returns the standard grids plus the actor's own grids.
func (s *GridService) ListGrids(ctx context.Context, actor Actor, includeInactive bool) ([]*Grid, error) {
	grids, err := s.store.ListGrids(ctx, actor.UserID, includeInactive)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_grids", err)
	}
	return grids, nil
}

// ListVersions returns the version history, oldest first.
func (s *GridService) ListVersions(ctx context.Context, actor Actor, gridID string) ([]*GridVersion, error) {
	g, err := s.readable(ctx, actor, gridID)
	if err != nil {
		return nil, err
	}
	return s.versions(ctx, actor, g)
}

func (s *GridService) GetVersion(ctx context.Context, actor Actor, gridID string, versionNum int) (*GridVersion, error) {
	versions, err := s.ListVersions(ctx, actor, gridID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.VersionNum == versionNum {
			return v, nil
		}
	}
	return nil, NewNotFoundError("version not found")
}

// versions loads the history, synthesizing version 1 for grids created
// before versioning existed.
func (s *GridService) versions(ctx context.Context, actor Actor, g *Grid) ([]*GridVersion, error) {
	versions, err := s.store.ListVersions(ctx, g.ID)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_versions", err)
	}
	if len(versions) > 0 {
		return versions, nil
	}
	if _, err := s.ensureInitialVersion(ctx, actor, g); err != nil {
		return nil, err
	}
	versions, err = s.store.ListVersions(ctx, g.ID)
	if err != nil {
		return nil, persistenceFailure(s.log, "list_versions", err)
	}
	return versions, nil
}

func (s *GridService) ensureInitialVersion(ctx context.Context, actor Actor, g *Grid) (*Grid, error) {
	if g.CurrentVersion > 0 {
		return g, nil
	}
	v := &GridVersion{
		ID:         newID(),
		GridID:     g.ID,
		VersionNum: 1,
		Domains:    cloneDomains(g.Domains),
		Active:     true,
		CreatedBy:  actor.String(),
		Note:       "initial version",
		CreatedAt:  s.now(),
	}
	err := s.store.AppendVersion(ctx, g.ID, 0, v)
	switch {
	case errors.Is(err, ErrVersionConflict):
		// Another request synthesized it first.
		fresh, gerr := s.store.GetGrid(ctx, g.ID)
		if gerr != nil {
			return nil, persistenceFailure(s.log, "get_grid", gerr)
		}
		if fresh == nil {
			return nil, NewNotFoundError("grid not found")
		}
		return fresh, nil
	case err != nil:
		return nil, persistenceFailure(s.log, "initial_version", err)
	}
	s.log.Info("synthesized initial grid version", zap.String("grid_id", g.ID))
	g.CurrentVersion = 1
	return g, nil
}

func (s *GridService) appendVersion(ctx context.Context, actor Actor, g *Grid, domains []Domain, note string) (*GridVersion, error) {
	g, err := s.ensureInitialVersion(ctx, actor, g)
	if err != nil {
		return nil, err
	}
	v := &GridVersion{
		ID:         newID(),
		GridID:     g.ID,
		VersionNum: g.CurrentVersion + 1,
		Domains:    domains,
		Active:     true,
		CreatedBy:  actor.String(),
		Note:       strings.TrimSpace(note),
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendVersion(ctx, g.ID, g.CurrentVersion, v); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, NewConflictError("grid was modified concurrently, reload and try again")
		}
		return nil, persistenceFailure(s.log, "append_version", err)
	}
	s.log.Info("grid version created",
		zap.String("grid_id", g.ID),
		zap.Int("version", v.VersionNum),
		zap.String("actor", actor.String()))
	s.audit(ctx, actor, "update_domains", g.ID, fmt.Sprintf("version %d", v.VersionNum))
	return v, nil
}

func (s *GridService) insert(ctx context.Context, actor Actor, g *Grid, note string) error {
	now := s.now()
	g.CreatedAt = now
	g.UpdatedAt = now
	g.CurrentVersion = 1
	first := &GridVersion{
		ID:         newID(),
		GridID:     g.ID,
		VersionNum: 1,
		Domains:    cloneDomains(g.Domains),
		Active:     true,
		CreatedBy:  actor.String(),
		Note:       note,
		CreatedAt:  now,
	}
	if err := s.store.CreateGrid(ctx, g, first); err != nil {
		return persistenceFailure(s.log, "create_grid", err)
	}
	return nil
}

// readable returns the grid if the actor may see it: standard grids are
// shared, personalized grids are visible to their owner only.
func (s *GridService) readable(ctx context.Context, actor Actor, gridID string) (*Grid, error) {
	g, err := s.load(ctx, gridID)
	if err != nil {
		return nil, err
	}
	if !visibleTo(g, actor) {
		return nil, NewNotFoundError("grid not found")
	}
	return g, nil
}

// owned returns the grid if the actor may modify it. A grid the actor does
// not own is reported exactly like a missing one.
func (s *GridService) owned(ctx context.Context, actor Actor, gridID string) (*Grid, error) {
	g, err := s.load(ctx, gridID)
	if err != nil {
		return nil, err
	}
	if actor.IsSystem() || (g.OwnerID != "" && g.OwnerID == actor.UserID) {
		return g, nil
	}
	return nil, NewNotFoundError("grid not found")
}

func (s *GridService) load(ctx context.Context, gridID string) (*Grid, error) {
	if strings.TrimSpace(gridID) == "" {
		return nil, NewNotFoundError("grid not found")
	}
	g, err := s.store.GetGrid(ctx, gridID)
	if err != nil {
		return nil, persistenceFailure(s.log, "get_grid", err)
	}
	if g == nil {
		return nil, NewNotFoundError("grid not found")
	}
	return g, nil
}

func (s *GridService) audit(ctx context.Context, actor Actor, action, target, note string) {
	entry := AuditEntry{Time: s.now(), Actor: actor.String(), Action: action, Target: target, Note: note}
	if err := s.store.AddAudit(ctx, entry); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func validateGridName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < minGridNameLen || n > maxGridNameLen {
		return "", NewInvalidError(fmt.Sprintf("grid name must be between %d and %d characters", minGridNameLen, maxGridNameLen))
	}
	return name, nil
}

func newID() string { return uuid.NewString() }
