package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoUID(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	_, _ = w.Write([]byte(uid))
}

func TestAuthenticatorRoundTrip(t *testing.T) {
	auth, err := NewAuthenticator("test-secret", "cotation")
	require.NoError(t, err)
	tok, err := auth.SignToken("alice", time.Hour)
	require.NoError(t, err)

	h := auth.WithAuth(RequireAuth(http.HandlerFunc(echoUID)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice", rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthenticatorRejectsForeignTokens(t *testing.T) {
	auth, _ := NewAuthenticator("test-secret", "cotation")
	other, _ := NewAuthenticator("other-secret", "cotation")
	foreign, err := other.SignToken("mallory", time.Hour)
	require.NoError(t, err)
	expired, err := auth.SignToken("alice", -time.Minute)
	require.NoError(t, err)

	h := auth.WithAuth(RequireAuth(http.HandlerFunc(echoUID)))
	for _, tok := range []string{foreign, expired, "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	}

	_, err = NewAuthenticator(" ", "")
	assert.Error(t, err)
	_, err = auth.SignToken("", time.Hour)
	assert.Error(t, err)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(echoUID))

	req := httptest.NewRequest(http.MethodOptions, "/api/grids", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/grids", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestHeadersAndAccessLog(t *testing.T) {
	h := AccessLog(zap.NewNop())(NoStore(SecureHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "private, no-store, max-age=0", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "Authorization", rr.Header().Get("Vary"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}
