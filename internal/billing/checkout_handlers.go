package billing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/storytimehq/storytime-billing/internal/billing/auth"
	"github.com/storytimehq/storytime-billing/internal/billing/bmetrics"
	stripesvc "github.com/storytimehq/storytime-billing/internal/billing/stripe"
)

const checkoutBodyLimit = 64 * 1024 // 64 KiB

// CheckoutHandlers serves the authenticated checkout session endpoint.
type CheckoutHandlers struct {
	cfg      *Config
	verifier *auth.Verifier
	resolver *stripesvc.CustomerResolver

	// createCheckoutSession is swappable for tests.
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewCheckoutHandlers creates checkout handlers backed by the Stripe API.
func NewCheckoutHandlers(cfg *Config, verifier *auth.Verifier, resolver *stripesvc.CustomerResolver) *CheckoutHandlers {
	return &CheckoutHandlers{
		cfg:                   cfg,
		verifier:              verifier,
		resolver:              resolver,
		createCheckoutSession: stripesession.New,
	}
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// HandleCreateCheckoutSession creates a Stripe Checkout session for the
// authenticated user and the requested plan.
func (h *CheckoutHandlers) HandleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, err := h.verifier.FromRequest(r)
	if err != nil {
		bmetrics.CheckoutSessionsTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkoutRequest
	body := http.MaxBytesReader(w, r.Body, checkoutBodyLimit)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		bmetrics.CheckoutSessionsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priceID := strings.TrimSpace(req.PriceID)
	if !h.cfg.PlanCatalog.Known(priceID) {
		bmetrics.CheckoutSessionsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "unknown price id")
		return
	}

	customerID, err := h.resolver.Resolve(r.Context(), identity.UserID, identity.Email)
	if err != nil {
		bmetrics.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to resolve stripe customer")
		writeError(w, http.StatusBadGateway, "billing provider unavailable")
		return
	}

	session, err := h.createCheckout(identity.UserID, customerID, priceID)
	if err != nil {
		bmetrics.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to create checkout session")
		writeError(w, http.StatusBadGateway, "billing provider unavailable")
		return
	}

	bmetrics.CheckoutSessionsTotal.WithLabelValues("created").Inc()
	log.Info().
		Str("user_id", identity.UserID).
		Str("customer_id", customerID).
		Str("price_id", priceID).
		Str("session_id", session.ID).
		Msg("Checkout session created")
	writeJSON(w, http.StatusOK, checkoutResponse{SessionID: session.ID, URL: session.URL})
}

func (h *CheckoutHandlers) createCheckout(userID, customerID, priceID string) (*stripelib.CheckoutSession, error) {
	successURL := buildSiteURL(h.cfg.SiteURL, "/account", url.Values{"checkout": {"success"}})
	cancelURL := buildSiteURL(h.cfg.SiteURL, "/account", url.Values{"checkout": {"cancelled"}})

	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:   stripelib.String(customerID),
		SuccessURL: stripelib.String(successURL + "&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripelib.String(cancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(1),
			},
		},
		AllowPromotionCodes: stripelib.Bool(true),
		ClientReferenceID:   stripelib.String(userID),
		Metadata: map[string]string{
			stripesvc.MetadataUserIDKey: userID,
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				stripesvc.MetadataUserIDKey: userID,
			},
		},
	}
	session, err := h.createCheckoutSession(params)
	if err != nil {
		return nil, err
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("stripe returned empty checkout URL")
	}
	return session, nil
}

func buildSiteURL(base, path string, query url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}
