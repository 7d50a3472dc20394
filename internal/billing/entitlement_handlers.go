package billing

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storytimehq/storytime-billing/internal/billing/auth"
	"github.com/storytimehq/storytime-billing/internal/billing/bmetrics"
	"github.com/storytimehq/storytime-billing/internal/billing/store"
	stripesvc "github.com/storytimehq/storytime-billing/internal/billing/stripe"
)

const usageBodyLimit = 64 * 1024 // 64 KiB

// EntitlementHandlers serves the entitlement read surface and the usage
// recording endpoints.
type EntitlementHandlers struct {
	store    *store.Store
	verifier *auth.Verifier
}

// NewEntitlementHandlers creates the entitlement HTTP handlers.
func NewEntitlementHandlers(st *store.Store, verifier *auth.Verifier) *EntitlementHandlers {
	return &EntitlementHandlers{store: st, verifier: verifier}
}

type entitlementResponse struct {
	SubscriptionStatus string  `json:"subscription_status"`
	ActivePlanPriceID  *string `json:"active_plan_price_id"`
	CurrentPeriodEnd   *string `json:"current_period_end"`
	MinutesLimit       *int64  `json:"minutes_limit"`
	MinutesUsed        *int64  `json:"minutes_used"`
	MinutesRemaining   int64   `json:"minutes_remaining"`
	HasAccess          bool    `json:"has_access"`
}

// HandleGetEntitlement returns the caller's current entitlement. A user who
// has never purchased anything gets the empty entitlement, not a 404.
func (h *EntitlementHandlers) HandleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, err := h.verifier.FromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	rec, err := h.store.Get(identity.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to load entitlement")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, entitlementToResponse(rec))
}

func entitlementToResponse(rec *store.Entitlement) entitlementResponse {
	if rec == nil {
		return entitlementResponse{SubscriptionStatus: "none"}
	}
	resp := entitlementResponse{
		SubscriptionStatus: rec.SubscriptionStatus,
		ActivePlanPriceID:  rec.ActivePlanPriceID,
		MinutesLimit:       rec.MinutesLimit,
		MinutesUsed:        rec.MinutesUsed,
		MinutesRemaining:   rec.MinutesRemaining(),
		HasAccess:          stripesvc.GrantsAccess(stripesvc.ClassifyStatus(rec.SubscriptionStatus)),
	}
	if resp.SubscriptionStatus == "" {
		resp.SubscriptionStatus = "none"
	}
	if rec.CurrentPeriodEnd != nil {
		s := rec.CurrentPeriodEnd.UTC().Format(time.RFC3339)
		resp.CurrentPeriodEnd = &s
	}
	return resp
}

type usageRequest struct {
	Minutes int64 `json:"minutes"`
}

type usageResponse struct {
	MinutesUsed      int64 `json:"minutes_used"`
	MinutesRemaining int64 `json:"minutes_remaining"`
}

// HandleRecordUsage records narration minutes against the caller's quota.
// The quota gate is advisory rather than transactional: concurrent requests
// may overshoot by one story, which the next period reset absorbs.
func (h *EntitlementHandlers) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, err := h.verifier.FromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req usageRequest
	body := http.MaxBytesReader(w, r.Body, usageBodyLimit)
	if err := json.NewDecoder(body).Decode(&req); err != nil || req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
		return
	}

	rec, err := h.store.Get(identity.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to load entitlement")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil || !stripesvc.GrantsAccess(stripesvc.ClassifyStatus(rec.SubscriptionStatus)) {
		writeError(w, http.StatusForbidden, "subscription_required")
		return
	}
	if rec.MinutesRemaining() < req.Minutes {
		writeError(w, http.StatusForbidden, "quota_exhausted")
		return
	}

	if err := h.store.AddMinutesUsed(identity.UserID, req.Minutes); err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to record usage")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	bmetrics.UsageMinutesRecordedTotal.Add(float64(req.Minutes))

	rec, err = h.store.Get(identity.UserID)
	if err != nil || rec == nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to reload entitlement after usage")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	used := int64(0)
	if rec.MinutesUsed != nil {
		used = *rec.MinutesUsed
	}
	writeJSON(w, http.StatusOK, usageResponse{
		MinutesUsed:      used,
		MinutesRemaining: rec.MinutesRemaining(),
	})
}

type freeStoryRequest struct {
	SessionID string `json:"session_id"`
}

type freeStoryResponse struct {
	Used bool `json:"used"`
}

// HandleFreeStory tracks the one free story granted to anonymous browser
// sessions. GET reports whether the session has used it; POST marks it used.
func (h *EntitlementHandlers) HandleFreeStory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "session_id is required")
			return
		}
		used, err := h.store.StoryUsed(sessionID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to check free story usage")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, freeStoryResponse{Used: used})

	case http.MethodPost:
		var req freeStoryRequest
		body := http.MaxBytesReader(w, r.Body, usageBodyLimit)
		if err := json.NewDecoder(body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
			writeError(w, http.StatusBadRequest, "session_id is required")
			return
		}
		if err := h.store.MarkStoryUsed(strings.TrimSpace(req.SessionID), clientIP(r)); err != nil {
			log.Error().Err(err).Msg("Failed to mark free story used")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, freeStoryResponse{Used: true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
