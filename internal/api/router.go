package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Cotation/internal/middleware"
	"github.com/soaringjerry/Cotation/internal/services"
)

const maxBodyBytes = 1 << 20

type Router struct {
	grids      *services.GridService
	cotations  *services.CotationService
	objectives *services.ObjectiveService
	analytics  *services.AnalyticsService
	log        *zap.Logger
}

func NewRouter(store Store, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		grids:      services.NewGridService(store, log),
		cotations:  services.NewCotationService(store, log),
		objectives: services.NewObjectiveService(store, log),
		analytics:  services.NewAnalyticsService(store, log),
		log:        log.Named("api"),
	}
}

// Register mounts the API on mux. Every route except the template catalog
// and the health check requires a bearer identity; claims are expected to be
// attached upstream by middleware.Authenticator.WithAuth.
func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", rt.handleHealth)
	mux.HandleFunc("GET /api/templates", rt.handleTemplates)

	mux.Handle("GET /api/grids", rt.authed(rt.handleListGrids))
	mux.Handle("POST /api/grids", rt.authed(rt.handleCreateGrid))
	mux.Handle("POST /api/grids/from-template", rt.authed(rt.handleCreateFromTemplate))
	mux.Handle("GET /api/grids/{id}", rt.authed(rt.handleGetGrid))
	mux.Handle("PATCH /api/grids/{id}", rt.authed(rt.handleUpdateGridMeta))
	mux.Handle("DELETE /api/grids/{id}", rt.authed(rt.handleDeactivateGrid))
	mux.Handle("POST /api/grids/{id}/copy", rt.authed(rt.handleCopyGrid))
	mux.Handle("PUT /api/grids/{id}/domains", rt.authed(rt.handleUpdateDomains))
	mux.Handle("GET /api/grids/{id}/versions", rt.authed(rt.handleListVersions))
	mux.Handle("GET /api/grids/{id}/versions/{n}", rt.authed(rt.handleGetVersion))
	mux.Handle("POST /api/grids/{id}/versions/{n}/restore", rt.authed(rt.handleRestoreVersion))

	mux.Handle("POST /api/cotations", rt.authed(rt.handleSaveCotation))
	mux.Handle("GET /api/cotations", rt.authed(rt.handleListCotations))
	mux.Handle("GET /api/cotations/{id}", rt.authed(rt.handleGetCotation))
	mux.Handle("DELETE /api/cotations/{id}", rt.authed(rt.handleDeleteCotation))

	mux.Handle("POST /api/objectives", rt.authed(rt.handleCreateObjective))
	mux.Handle("GET /api/objectives", rt.authed(rt.handleListObjectives))
	mux.Handle("POST /api/objectives/evaluate", rt.authed(rt.handleEvaluateObjectives))
	mux.Handle("GET /api/objectives/{id}/progress", rt.authed(rt.handleObjectiveProgress))
	mux.Handle("POST /api/objectives/{id}/achieved", rt.authed(rt.handleObjectiveAchieved))
	mux.Handle("DELETE /api/objectives/{id}", rt.authed(rt.handleDeactivateObjective))

	mux.Handle("GET /api/analytics/trend", rt.authed(rt.handleTrend))
	mux.Handle("GET /api/analytics/risks", rt.authed(rt.handleRisks))
	mux.Handle("GET /api/analytics/summary", rt.authed(rt.handleSummary))
	mux.Handle("GET /api/analytics/reliability", rt.authed(rt.handleReliability))
	mux.Handle("GET /api/export", rt.authed(rt.handleExport))
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor services.Actor)

// authed resolves the caller. An anonymous request never reaches a handler,
// so the HTTP surface cannot act as the system actor.
func (rt *Router) authed(h actorHandler) http.Handler {
	return middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := middleware.UserIDFromContext(r.Context())
		if !ok {
			writeError(w, services.NewUnauthorizedError("unauthorized"))
			return
		}
		h(w, r, services.UserActor(uid))
	}))
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorForbidden:
		return http.StatusForbidden
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		writeJSON(w, statusFor(se.Code), map[string]string{"error": se.Message, "code": string(se.Code)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "operation failed, please try again", "code": string(services.ErrorInternal)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body required"
		}
		writeError(w, services.NewInvalidError(msg))
		return false
	}
	return true
}

func pathInt(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil || n < 1 {
		return 0, services.NewInvalidError(fmt.Sprintf("%s must be a positive integer", name))
	}
	return n, nil
}

// parseDateParam accepts YYYY-MM-DD or RFC 3339. Empty yields the zero time.
func parseDateParam(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, services.NewInvalidError(name + " must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
}

func requireQuery(r *http.Request, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, n := range names {
		v := strings.TrimSpace(r.URL.Query().Get(n))
		if v == "" {
			return nil, services.NewInvalidError(n + " required")
		}
		out[n] = v
	}
	return out, nil
}

// --- health & templates ---

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": "Cotation API"})
}

func (rt *Router) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": services.Templates()})
}

// --- grids ---

func (rt *Router) handleListGrids(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	grids, err := rt.grids.ListGrids(r.Context(), actor, includeInactive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grids": grids})
}

func (rt *Router) handleCreateGrid(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Domains     any    `json:"domains"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := rt.grids.CreateCustom(r.Context(), actor, req.Name, req.Description, req.Domains)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (rt *Router) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	tpl, ok := services.Template(req.Key)
	if !ok {
		writeError(w, services.NewNotFoundError("template not found"))
		return
	}
	// Users get a personal grid seeded from the template; shared standard
	// grids are created by the system actor through the CLI.
	g, err := rt.grids.CreateCustom(r.Context(), actor, tpl.Name, tpl.Description, services.DomainsToRaw(tpl.Domains))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (rt *Router) handleGetGrid(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	g, err := rt.grids.GetGrid(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (rt *Router) handleUpdateGridMeta(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := rt.grids.UpdateMeta(r.Context(), actor, r.PathValue("id"), req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (rt *Router) handleDeactivateGrid(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	if err := rt.grids.Deactivate(r.Context(), actor, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleCopyGrid(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	g, err := rt.grids.Copy(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (rt *Router) handleUpdateDomains(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	var req struct {
		Domains any    `json:"domains"`
		Note    string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := rt.grids.UpdateDomains(r.Context(), actor, r.PathValue("id"), req.Domains, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (rt *Router) handleListVersions(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	versions, err := rt.grids.ListVersions(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (rt *Router) handleGetVersion(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	n, err := pathInt(r, "n")
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := rt.grids.GetVersion(r.Context(), actor, r.PathValue("id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (rt *Router) handleRestoreVersion(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	n, err := pathInt(r, "n")
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := rt.grids.RestoreVersion(r.Context(), actor, r.PathValue("id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- cotations ---

func (rt *Router) handleSaveCotation(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	var in services.SaveCotationInput
	if !decodeBody(w, r, &in) {
		return
	}
	if _, err := rt.grids.GetGrid(r.Context(), actor, in.GridID); err != nil {
		writeError(w, err)
		return
	}
	res, err := rt.cotations.Save(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *Router) handleListCotations(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	q := r.URL.Query()
	var (
		out []*services.Cotation
		err error
	)
	switch {
	case q.Get("session_id") != "":
		out, err = rt.cotations.ListBySession(r.Context(), q.Get("session_id"))
	case q.Get("patient_id") != "":
		out, err = rt.cotations.ListByPatient(r.Context(), q.Get("patient_id"), q.Get("grid_id"))
	default:
		err = services.NewInvalidError("session_id or patient_id required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cotations": rt.visibleCotations(r, actor, out)})
}

// gridFilter reports whether the actor may read a grid, memoizing lookups
// for the lifetime of one request.
func (rt *Router) gridFilter(r *http.Request, actor services.Actor) func(gridID string) bool {
	allowed := map[string]bool{}
	return func(gridID string) bool {
		ok, seen := allowed[gridID]
		if !seen {
			_, err := rt.grids.GetGrid(r.Context(), actor, gridID)
			ok = err == nil
			allowed[gridID] = ok
		}
		return ok
	}
}

// visibleCotations drops cotations scored on grids the actor cannot read.
func (rt *Router) visibleCotations(r *http.Request, actor services.Actor, in []*services.Cotation) []*services.Cotation {
	visible := rt.gridFilter(r, actor)
	out := make([]*services.Cotation, 0, len(in))
	for _, c := range in {
		if visible(c.GridID) {
			out = append(out, c)
		}
	}
	return out
}

func (rt *Router) cotationFor(r *http.Request, actor services.Actor) (*services.Cotation, error) {
	c, err := rt.cotations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if _, err := rt.grids.GetGrid(r.Context(), actor, c.GridID); err != nil {
		return nil, services.NewNotFoundError("cotation not found")
	}
	return c, nil
}

func (rt *Router) handleGetCotation(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	c, err := rt.cotationFor(r, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (rt *Router) handleDeleteCotation(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	c, err := rt.cotationFor(r, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rt.cotations.Delete(r.Context(), actor, c.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- objectives ---

func (rt *Router) handleCreateObjective(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	var in services.ObjectiveInput
	if !decodeBody(w, r, &in) {
		return
	}
	o, err := rt.objectives.Create(r.Context(), actor, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (rt *Router) handleListObjectives(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	q, err := requireQuery(r, "patient_id")
	if err != nil {
		writeError(w, err)
		return
	}
	activeOnly := true
	if v := r.URL.Query().Get("active"); v != "" {
		activeOnly, _ = strconv.ParseBool(v)
	}
	all, err := rt.objectives.ListByPatient(r.Context(), q["patient_id"], activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	visible := rt.gridFilter(r, actor)
	out := make([]*services.Objective, 0, len(all))
	for _, o := range all {
		if visible(o.GridID) {
			out = append(out, o)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objectives": out})
}

func (rt *Router) handleEvaluateObjectives(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	q, err := requireQuery(r, "patient_id")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := rt.objectives.Evaluate(r.Context(), actor, q["patient_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": out})
}

func (rt *Router) handleObjectiveProgress(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	p, err := rt.objectives.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !rt.gridFilter(r, actor)(p.Objective.GridID) {
		writeError(w, services.NewNotFoundError("objective not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (rt *Router) handleObjectiveAchieved(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	o, err := rt.objectives.MarkAchieved(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (rt *Router) handleDeactivateObjective(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	if _, err := rt.objectives.Deactivate(r.Context(), actor, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- analytics & export ---

// readableGrid checks grid_id against the actor before analytics run on it.
func (rt *Router) readableGrid(r *http.Request, actor services.Actor) (*services.Grid, error) {
	q, err := requireQuery(r, "grid_id")
	if err != nil {
		return nil, err
	}
	return rt.grids.GetGrid(r.Context(), actor, q["grid_id"])
}

func (rt *Router) handleTrend(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	g, err := rt.readableGrid(r, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := requireQuery(r, "patient_id")
	if err != nil {
		writeError(w, err)
		return
	}
	trend, err := rt.analytics.PatientTrend(r.Context(), q["patient_id"], g.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

func (rt *Router) handleRisks(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	g, err := rt.readableGrid(r, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := requireQuery(r, "patient_id")
	if err != nil {
		writeError(w, err)
		return
	}
	flags, err := rt.analytics.RiskFlags(r.Context(), q["patient_id"], g.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (rt *Router) handleSummary(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	g, err := rt.readableGrid(r, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	from, err := parseDateParam(q.Get("from"), "from")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseDateParam(q.Get("to"), "to")
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := rt.analytics.PeriodSummary(r.Context(), g.ID, from, to, q.Get("period"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (rt *Router) handleReliability(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	g, err := rt.readableGrid(r, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	rel, err := rt.analytics.Reliability(r.Context(), g.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// GET /api/export?grid_id=&format=long|wide|domain[&patient_id=]
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request, actor services.Actor) {
	g, err := rt.readableGrid(r, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	var cotations []*services.Cotation
	if pid := q.Get("patient_id"); pid != "" {
		cotations, err = rt.cotations.ListByPatient(r.Context(), pid, g.ID)
	} else {
		cotations, err = rt.cotations.ListByGrid(r.Context(), g.ID, time.Time{}, time.Time{})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	var data []byte
	format := q.Get("format")
	switch format {
	case "", "long":
		format = "long"
		data, err = services.ExportLongCSV(cotations)
	case "wide":
		data, err = services.ExportWideCSV(cotations)
	case "domain":
		data, err = services.ExportDomainCSV(g.Domains, cotations)
	default:
		writeError(w, services.NewInvalidError("format must be long, wide or domain"))
		return
	}
	if err != nil {
		rt.log.Error("export failed", zap.String("grid_id", g.ID), zap.Error(err))
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "cotations_"+format+".csv"))
	_, _ = w.Write(data)
}
