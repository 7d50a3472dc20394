package billing

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/storytimehq/storytime-billing/internal/billing/auth"
	"github.com/storytimehq/storytime-billing/internal/billing/store"
	stripesvc "github.com/storytimehq/storytime-billing/internal/billing/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Store    *store.Store
	Verifier *auth.Verifier
	Engine   *stripesvc.Engine
	Resolver *stripesvc.CustomerResolver
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	limiter := NewRateLimiter(deps.Config.RateLimit, deps.Config.RateLimitWindow)

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps.Store))

	mux.Handle("/metrics", promhttp.Handler())

	// Stripe webhook (signature-authenticated)
	webhookHandler := stripesvc.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Engine)
	mux.Handle("/api/billing/stripe/webhook", limiter.Middleware(webhookHandler))

	// Authenticated billing surface (bearer-token authenticated per handler)
	checkout := NewCheckoutHandlers(deps.Config, deps.Verifier, deps.Resolver)
	mux.Handle("/api/billing/checkout-session",
		limiter.Middleware(http.HandlerFunc(checkout.HandleCreateCheckoutSession)))

	entitlements := NewEntitlementHandlers(deps.Store, deps.Verifier)
	mux.Handle("/api/billing/entitlement",
		limiter.Middleware(http.HandlerFunc(entitlements.HandleGetEntitlement)))
	mux.Handle("/api/billing/usage",
		limiter.Middleware(http.HandlerFunc(entitlements.HandleRecordUsage)))
	mux.Handle("/api/billing/free-story",
		limiter.Middleware(http.HandlerFunc(entitlements.HandleFreeStory)))
}

// RequestIDMiddleware assigns every request an ID, honoring one supplied by
// an upstream proxy, and echoes it in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := st.Ping(); err != nil {
			log.Error().Err(err).Msg("Readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
