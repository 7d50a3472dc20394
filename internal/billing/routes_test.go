package billing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stripesvc "github.com/storytimehq/storytime-billing/internal/billing/stripe"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	cfg := testConfig(t)
	st := newTestStore(t)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   cfg,
		Store:    st,
		Verifier: newTestVerifier(t),
		Engine:   stripesvc.NewEngine(st, cfg.PlanCatalog),
		Resolver: stripesvc.NewCustomerResolver(st),
		Version:  "test",
	})
	return mux
}

func TestRoutesHealthz(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestRoutesReadyz(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestRoutesMetricsExposed(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutesWebhookRejectsUnsigned(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/stripe/webhook", nil)
	req.RemoteAddr = "203.0.113.1:1000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesAuthenticatedSurfaceRejectsAnonymous(t *testing.T) {
	mux := newTestMux(t)

	for _, path := range []string{
		"/api/billing/entitlement",
		"/api/billing/usage",
		"/api/billing/checkout-session",
	} {
		method := http.MethodPost
		if path == "/api/billing/entitlement" {
			method = http.MethodGet
		}
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "203.0.113.2:1000"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "path=%s", path)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequestIDMiddleware(next)

	// Generates an ID when the client sends none.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// Honors an upstream-assigned ID.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-upstream-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-upstream-1", rec.Header().Get("X-Request-ID"))
}
