package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soaringjerry/Cotation/internal/middleware"
	"github.com/soaringjerry/Cotation/internal/services"
)

type testServer struct {
	handler http.Handler
	auth    *middleware.Authenticator
	store   *MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	auth, err := middleware.NewAuthenticator("router-test-secret", "cotation")
	require.NoError(t, err)
	store := NewMemoryStore()
	mux := http.NewServeMux()
	NewRouter(store, zap.NewNop()).Register(mux)
	return &testServer{handler: auth.WithAuth(mux), auth: auth, store: store}
}

func (ts *testServer) do(t *testing.T, uid, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if uid != "" {
		tok, err := ts.auth.SignToken(uid, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

var engagementBody = map[string]any{
	"name": "Session grid",
	"domains": []any{map[string]any{
		"name": "Engagement",
		"indicators": []any{
			map[string]any{"name": "Attention", "min": 0, "max": 5},
			map[string]any{"name": "Initiative", "min": 0, "max": 5},
		},
	}},
}

func (ts *testServer) createGrid(t *testing.T, uid string) services.Grid {
	t.Helper()
	rr := ts.do(t, uid, http.MethodPost, "/api/grids", engagementBody)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[services.Grid](t, rr)
}

func TestPublicRoutes(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, "", http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Templates []services.GridTemplate `json:"templates"`
	}](t, rr)
	assert.Len(t, body.Templates, 3)
}

func TestAnonymousCallersAreRejected(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/grids", "/api/cotations?session_id=s1", "/api/objectives?patient_id=p1", "/api/export?grid_id=x"} {
		rr := ts.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
	rr := ts.do(t, "", http.MethodPost, "/api/grids", engagementBody)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGridLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	g := ts.createGrid(t, "alice")
	assert.Equal(t, services.GridTypePersonalized, g.Type)
	assert.Equal(t, 1, g.CurrentVersion)

	rr := ts.do(t, "bob", http.MethodGet, "/api/grids/"+g.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "alice", http.MethodPut, "/api/grids/"+g.ID+"/domains", map[string]any{
		"domains": engagementBody["domains"],
		"note":    "second pass",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 2, decode[services.GridVersion](t, rr).VersionNum)

	rr = ts.do(t, "alice", http.MethodGet, "/api/grids/"+g.ID+"/versions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	versions := decode[struct {
		Versions []services.GridVersion `json:"versions"`
	}](t, rr)
	assert.Len(t, versions.Versions, 2)

	rr = ts.do(t, "alice", http.MethodGet, "/api/grids/"+g.ID+"/versions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "alice", http.MethodPost, "/api/grids/"+g.ID+"/versions/1/restore", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 3, decode[services.GridVersion](t, rr).VersionNum)

	rr = ts.do(t, "bob", http.MethodPut, "/api/grids/"+g.ID+"/domains", map[string]any{"domains": engagementBody["domains"]})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "alice", http.MethodPatch, "/api/grids/"+g.ID, map[string]any{"name": "Renamed"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Renamed", decode[services.Grid](t, rr).Name)

	rr = ts.do(t, "alice", http.MethodDelete, "/api/grids/"+g.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, "alice", http.MethodGet, "/api/grids", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Grids []services.Grid `json:"grids"`
	}](t, rr)
	assert.Empty(t, list.Grids)
}

func TestInvalidGridBody(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, "alice", http.MethodPost, "/api/grids", map[string]any{"name": "Empty", "domains": []any{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[map[string]string](t, rr)
	assert.Equal(t, "invalid", body["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/grids", strings.NewReader("{not json"))
	tok, _ := ts.auth.SignToken("alice", time.Hour)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGridFromTemplateIsPersonal(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, "alice", http.MethodPost, "/api/grids/from-template", map[string]any{"key": "imcap_nd"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	g := decode[services.Grid](t, rr)
	assert.Equal(t, "alice", g.OwnerID)
	assert.NotEmpty(t, g.Domains)

	rr = ts.do(t, "alice", http.MethodPost, "/api/grids/from-template", map[string]any{"key": "unknown"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCotationsAnalyticsAndExport(t *testing.T) {
	ts := newTestServer(t)
	g := ts.createGrid(t, "alice")

	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, attention := range []int{1, 2, 4} {
		rr := ts.do(t, "alice", http.MethodPost, "/api/cotations", map[string]any{
			"session_id":   "s" + string(rune('1'+i)),
			"patient_id":   "p1",
			"grid_id":      g.ID,
			"session_date": day.AddDate(0, 0, 7*i),
			"scores":       map[string]any{"Engagement_Attention": attention, "Engagement_Initiative": 2, "Bogus_Key": 1},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		res := decode[services.SaveResult](t, rr)
		assert.Len(t, res.Warnings, 1)
	}

	rr := ts.do(t, "bob", http.MethodPost, "/api/cotations", map[string]any{
		"session_id": "intruder", "grid_id": g.ID, "scores": map[string]any{},
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "alice", http.MethodGet, "/api/cotations?patient_id=p1&grid_id="+g.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Cotations []services.Cotation `json:"cotations"`
	}](t, rr)
	require.Len(t, list.Cotations, 3)

	rr = ts.do(t, "bob", http.MethodGet, "/api/cotations?patient_id=p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hidden := decode[struct {
		Cotations []services.Cotation `json:"cotations"`
	}](t, rr)
	assert.Empty(t, hidden.Cotations)

	rr = ts.do(t, "bob", http.MethodGet, "/api/cotations/"+list.Cotations[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "alice", http.MethodGet, "/api/cotations", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "alice", http.MethodGet, "/api/analytics/trend?patient_id=p1&grid_id="+g.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	trend := decode[services.PatientTrend](t, rr)
	assert.Equal(t, "improving", trend.Direction)

	rr = ts.do(t, "alice", http.MethodGet, "/api/analytics/summary?grid_id="+g.ID+"&from=2024-03-01&to=2024-04-01&period=month", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, "alice", http.MethodGet, "/api/analytics/summary?grid_id="+g.ID+"&from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "bob", http.MethodGet, "/api/analytics/reliability?grid_id="+g.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "alice", http.MethodGet, "/api/export?grid_id="+g.ID+"&format=wide", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	assert.Len(t, lines, 4)

	rr = ts.do(t, "alice", http.MethodGet, "/api/export?grid_id="+g.ID+"&format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "alice", http.MethodDelete, "/api/cotations/"+list.Cotations[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestObjectivesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	g := ts.createGrid(t, "alice")

	rr := ts.do(t, "alice", http.MethodPost, "/api/objectives", map[string]any{
		"patient_id": "p1", "grid_id": g.ID, "domain": "Engagement", "indicator": "Attention",
		"initial_score": 1, "target_score": 4,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	o := decode[services.Objective](t, rr)

	rr = ts.do(t, "alice", http.MethodPost, "/api/cotations", map[string]any{
		"session_id": "s1", "patient_id": "p1", "grid_id": g.ID,
		"scores": map[string]any{"Engagement_Attention": 4},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, "alice", http.MethodGet, "/api/objectives/"+o.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	p := decode[services.ObjectiveProgress](t, rr)
	assert.True(t, p.Reached)
	assert.InDelta(t, 1.0, p.Fraction, 1e-9)

	rr = ts.do(t, "bob", http.MethodGet, "/api/objectives/"+o.ID+"/progress", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = ts.do(t, "bob", http.MethodGet, "/api/objectives?patient_id=p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[struct {
		Objectives []services.Objective `json:"objectives"`
	}](t, rr).Objectives)

	rr = ts.do(t, "bob", http.MethodPost, "/api/objectives/evaluate?patient_id=p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[struct {
		Progress []services.ObjectiveProgress `json:"progress"`
	}](t, rr).Progress)
	untouched, err := ts.store.GetObjective(context.Background(), o.ID)
	require.NoError(t, err)
	assert.False(t, untouched.Achieved, "another clinician's evaluation must not change the objective")

	rr = ts.do(t, "alice", http.MethodPost, "/api/objectives/evaluate?patient_id=p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	evaluated := decode[struct {
		Progress []services.ObjectiveProgress `json:"progress"`
	}](t, rr)
	require.Len(t, evaluated.Progress, 1)
	reached, err := ts.store.GetObjective(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, reached.Achieved)

	rr = ts.do(t, "alice", http.MethodPost, "/api/objectives/"+o.ID+"/achieved", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[services.Objective](t, rr).Achieved)

	rr = ts.do(t, "alice", http.MethodDelete, "/api/objectives/"+o.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.do(t, "alice", http.MethodGet, "/api/objectives?patient_id=p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	active := decode[struct {
		Objectives []services.Objective `json:"objectives"`
	}](t, rr)
	assert.Empty(t, active.Objectives)

	rr = ts.do(t, "alice", http.MethodGet, "/api/objectives", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
