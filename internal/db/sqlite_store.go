package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	moderncsqlite "modernc.org/sqlite"

	"github.com/soaringjerry/Cotation/internal/services"
)

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// Registered database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// Open opens (creating if needed) the SQLite database at path with the named
// driver. An empty driver selects DriverCGO.
func Open(driver, path string) (*sql.DB, error) {
	switch driver {
	case "":
		driver = DriverCGO
	case DriverCGO, DriverPure:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q (want %s or %s)", driver, DriverCGO, DriverPure)
	}
	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

func NewSQLiteStore(db *sql.DB, log *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if log == nil {
		log = zap.NewNop()
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, log: log.Named("store")}, nil
}

var (
	_ services.GridStore      = (*SQLiteStore)(nil)
	_ services.CotationStore  = (*SQLiteStore)(nil)
	_ services.ObjectiveStore = (*SQLiteStore)(nil)
	_ services.AnalyticsStore = (*SQLiteStore)(nil)
)

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLiteStore) decodeDomains(raw string) []services.Domain {
	var out []services.Domain
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.log.Warn("decode domains", zap.Error(err))
		return nil
	}
	return out
}

func (s *SQLiteStore) decodeScores(raw string) map[string]float64 {
	out := map[string]float64{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.log.Warn("decode scores", zap.Error(err))
		return map[string]float64{}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *moderncsqlite.Error
	if errors.As(err, &pe) {
		code := pe.Code()
		return code == int(sqlite3.ErrConstraintUnique) || code == int(sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// withTx runs fn in a transaction, committing on success and rolling back on
// any error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.log.Warn("rollback failed", zap.Error(rerr))
			}
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("commit: %w", err)
		}
	}()
	return fn(tx)
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Grids ---

const gridColumns = `id, name, description, type, scientific_reference, owner_id, active, domains, current_version, created_at, updated_at`

func (s *SQLiteStore) scanGrid(row scanner) (*services.Grid, error) {
	var (
		g                         services.Grid
		desc, ref, owner          sql.NullString
		active                    int64
		domains, created, updated string
		currentVersion            int64
	)
	if err := row.Scan(&g.ID, &g.Name, &desc, &g.Type, &ref, &owner, &active, &domains, &currentVersion, &created, &updated); err != nil {
		return nil, err
	}
	g.Description = desc.String
	g.ScientificReference = ref.String
	g.OwnerID = owner.String
	g.Active = active != 0
	g.Domains = s.decodeDomains(domains)
	g.CurrentVersion = int(currentVersion)
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(updated)
	return &g, nil
}

func (s *SQLiteStore) CreateGrid(ctx context.Context, g *services.Grid, first *services.GridVersion) error {
	domains, err := encodeJSON(g.Domains)
	if err != nil {
		return fmt.Errorf("encode domains: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO grids (`+gridColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.Name, toNullString(g.Description), g.Type, toNullString(g.ScientificReference), toNullString(g.OwnerID),
			boolToInt64(g.Active), domains, g.CurrentVersion, formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert grid: %w", err)
		}
		if first == nil {
			return nil
		}
		return insertVersion(ctx, tx, first)
	})
}

func (s *SQLiteStore) GetGrid(ctx context.Context, id string) (*services.Grid, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gridColumns+` FROM grids WHERE id = ?`, id)
	g, err := s.scanGrid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grid: %w", err)
	}
	return g, nil
}

func (s *SQLiteStore) ListGrids(ctx context.Context, ownerID string, includeInactive bool) ([]*services.Grid, error) {
	query := `SELECT ` + gridColumns + ` FROM grids WHERE 1 = 1`
	var args []any
	if ownerID != "" {
		query += ` AND (type = ? OR owner_id = ?)`
		args = append(args, services.GridTypeStandard, ownerID)
	}
	if !includeInactive {
		query += ` AND active = 1`
	}
	query += ` ORDER BY name COLLATE NOCASE ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list grids: %w", err)
	}
	defer rows.Close()
	out := []*services.Grid{}
	for rows.Next() {
		g, err := s.scanGrid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grid: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateGridMeta(ctx context.Context, g *services.Grid) error {
	res, err := s.db.ExecContext(ctx, `UPDATE grids SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		g.Name, toNullString(g.Description), formatTime(g.UpdatedAt), g.ID)
	if err != nil {
		return fmt.Errorf("update grid: %w", err)
	}
	return requireRow(res, "grid")
}

func (s *SQLiteStore) SetGridActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE grids SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt64(active), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("set grid active: %w", err)
	}
	return requireRow(res, "grid")
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return services.NewNotFoundError(what + " not found")
	}
	return nil
}

// --- Versions ---

func insertVersion(ctx context.Context, tx *sql.Tx, v *services.GridVersion) error {
	domains, err := encodeJSON(v.Domains)
	if err != nil {
		return fmt.Errorf("encode version domains: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO grid_versions (id, grid_id, version_num, domains, active, created_by, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.GridID, v.VersionNum, domains, boolToInt64(v.Active), toNullString(v.CreatedBy), toNullString(v.Note), formatTime(v.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return services.ErrVersionConflict
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// AppendVersion advances grids.current_version only if it still equals
// expected, so two writers that read the same version cannot both commit.
func (s *SQLiteStore) AppendVersion(ctx context.Context, gridID string, expected int, v *services.GridVersion) error {
	domains, err := encodeJSON(v.Domains)
	if err != nil {
		return fmt.Errorf("encode domains: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE grids SET current_version = ?, domains = ?, updated_at = ?
			WHERE id = ? AND current_version = ?`,
			v.VersionNum, domains, formatTime(v.CreatedAt), gridID, expected)
		if err != nil {
			return fmt.Errorf("advance grid version: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM grids WHERE id = ?`, gridID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return services.NewNotFoundError("grid not found")
			}
			if err != nil {
				return fmt.Errorf("check grid: %w", err)
			}
			return services.ErrVersionConflict
		}
		if _, err := tx.ExecContext(ctx, `UPDATE grid_versions SET active = 0 WHERE grid_id = ? AND active = 1`, gridID); err != nil {
			return fmt.Errorf("supersede versions: %w", err)
		}
		return insertVersion(ctx, tx, v)
	})
}

func (s *SQLiteStore) ListVersions(ctx context.Context, gridID string) ([]*services.GridVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, grid_id, version_num, domains, active, created_by, note, created_at
		FROM grid_versions WHERE grid_id = ? ORDER BY version_num ASC`, gridID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	out := []*services.GridVersion{}
	for rows.Next() {
		var (
			v                services.GridVersion
			num, active      int64
			domains, created string
			by, note         sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.GridID, &num, &domains, &active, &by, &note, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.VersionNum = int(num)
		v.Domains = s.decodeDomains(domains)
		v.Active = active != 0
		v.CreatedBy = by.String
		v.Note = note.String
		v.CreatedAt = parseTime(created)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- Cotations ---

const cotationColumns = `id, session_id, patient_id, grid_id, grid_version, scores, total, max_total, percentage, observations, session_date, created_at, updated_at`

func (s *SQLiteStore) scanCotation(row scanner) (*services.Cotation, error) {
	var (
		c                              services.Cotation
		patient, obs                   sql.NullString
		version                        int64
		scores, date, created, updated string
	)
	if err := row.Scan(&c.ID, &c.SessionID, &patient, &c.GridID, &version, &scores, &c.Total, &c.MaxTotal, &c.Percentage, &obs, &date, &created, &updated); err != nil {
		return nil, err
	}
	c.PatientID = patient.String
	c.GridVersion = int(version)
	c.Scores = s.decodeScores(scores)
	c.Observations = obs.String
	c.SessionDate = parseTime(date)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func (s *SQLiteStore) UpsertCotation(ctx context.Context, c *services.Cotation) (*services.Cotation, error) {
	scores, err := encodeJSON(c.Scores)
	if err != nil {
		return nil, fmt.Errorf("encode scores: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cotations (`+cotationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, grid_id) DO UPDATE SET
			patient_id = excluded.patient_id,
			grid_version = excluded.grid_version,
			scores = excluded.scores,
			total = excluded.total,
			max_total = excluded.max_total,
			percentage = excluded.percentage,
			observations = excluded.observations,
			session_date = excluded.session_date,
			updated_at = excluded.updated_at`,
		c.ID, c.SessionID, toNullString(c.PatientID), c.GridID, c.GridVersion, scores, c.Total, c.MaxTotal, c.Percentage,
		toNullString(c.Observations), formatTime(c.SessionDate), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert cotation: %w", err)
	}
	stored, err := s.FindCotation(ctx, c.SessionID, c.GridID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errors.New("upserted cotation not found")
	}
	return stored, nil
}

func (s *SQLiteStore) getCotation(ctx context.Context, where string, args ...any) (*services.Cotation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cotationColumns+` FROM cotations WHERE `+where, args...)
	c, err := s.scanCotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cotation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetCotation(ctx context.Context, id string) (*services.Cotation, error) {
	return s.getCotation(ctx, `id = ?`, id)
}

func (s *SQLiteStore) FindCotation(ctx context.Context, sessionID, gridID string) (*services.Cotation, error) {
	return s.getCotation(ctx, `session_id = ? AND grid_id = ?`, sessionID, gridID)
}

func (s *SQLiteStore) listCotations(ctx context.Context, where string, args ...any) ([]*services.Cotation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cotationColumns+` FROM cotations WHERE `+where+` ORDER BY session_date ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list cotations: %w", err)
	}
	defer rows.Close()
	out := []*services.Cotation{}
	for rows.Next() {
		c, err := s.scanCotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cotation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListCotationsBySession(ctx context.Context, sessionID string) ([]*services.Cotation, error) {
	return s.listCotations(ctx, `session_id = ?`, sessionID)
}

func (s *SQLiteStore) ListCotationsByPatient(ctx context.Context, patientID, gridID string) ([]*services.Cotation, error) {
	if gridID == "" {
		return s.listCotations(ctx, `patient_id = ?`, patientID)
	}
	return s.listCotations(ctx, `patient_id = ? AND grid_id = ?`, patientID, gridID)
}

func (s *SQLiteStore) ListCotationsByGrid(ctx context.Context, gridID string, from, to time.Time) ([]*services.Cotation, error) {
	where := `grid_id = ?`
	args := []any{gridID}
	if !from.IsZero() {
		where += ` AND session_date >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		where += ` AND session_date < ?`
		args = append(args, formatTime(to))
	}
	return s.listCotations(ctx, where, args...)
}

func (s *SQLiteStore) DeleteCotation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cotations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete cotation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// --- Objectives ---

const objectiveColumns = `id, patient_id, grid_id, grid_version, domain, indicator, initial_score, target_score, due_date, achieved, active, created_by, created_at, updated_at`

func scanObjective(row scanner) (*services.Objective, error) {
	var (
		o                services.Objective
		version          int64
		due, by          sql.NullString
		achieved, active int64
		created, updated string
	)
	if err := row.Scan(&o.ID, &o.PatientID, &o.GridID, &version, &o.Domain, &o.Indicator, &o.InitialScore, &o.TargetScore,
		&due, &achieved, &active, &by, &created, &updated); err != nil {
		return nil, err
	}
	o.GridVersion = int(version)
	if due.Valid {
		t := parseTime(due.String)
		o.DueDate = &t
	}
	o.Achieved = achieved != 0
	o.Active = active != 0
	o.CreatedBy = by.String
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return &o, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func (s *SQLiteStore) InsertObjective(ctx context.Context, o *services.Objective) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO objectives (`+objectiveColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.PatientID, o.GridID, o.GridVersion, o.Domain, o.Indicator, o.InitialScore, o.TargetScore,
		nullTime(o.DueDate), boolToInt64(o.Achieved), boolToInt64(o.Active), toNullString(o.CreatedBy),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert objective: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetObjective(ctx context.Context, id string) (*services.Objective, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+objectiveColumns+` FROM objectives WHERE id = ?`, id)
	o, err := scanObjective(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get objective: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) UpdateObjective(ctx context.Context, o *services.Objective) error {
	res, err := s.db.ExecContext(ctx, `UPDATE objectives SET target_score = ?, due_date = ?, achieved = ?, active = ?, updated_at = ? WHERE id = ?`,
		o.TargetScore, nullTime(o.DueDate), boolToInt64(o.Achieved), boolToInt64(o.Active), formatTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update objective: %w", err)
	}
	return requireRow(res, "objective")
}

func (s *SQLiteStore) ListObjectivesByPatient(ctx context.Context, patientID string, activeOnly bool) ([]*services.Objective, error) {
	query := `SELECT ` + objectiveColumns + ` FROM objectives WHERE patient_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	defer rows.Close()
	out := []*services.Objective{}
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Audit log ---

func (s *SQLiteStore) AddAudit(ctx context.Context, e services.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log (ts, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		formatTime(e.Time), e.Actor, e.Action, toNullString(e.Target), toNullString(e.Note))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]services.AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ts, actor, action, target, note FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	out := []services.AuditEntry{}
	for rows.Next() {
		var (
			e            services.AuditEntry
			ts           string
			target, note sql.NullString
		)
		if err := rows.Scan(&ts, &e.Actor, &e.Action, &target, &note); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Time = parseTime(ts)
		e.Target = target.String
		e.Note = note.String
		out = append(out, e)
	}
	return out, rows.Err()
}
