package stripe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/billing/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWebhookRejectsNonPost(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewWebhookHandler(testWebhookSecret, engine)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/stripe/webhook", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookWithoutSecretIsUnavailable(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewWebhookHandler("", engine)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/stripe/webhook", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewWebhookHandler(testWebhookSecret, engine)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/stripe/webhook",
		bytes.NewReader([]byte(`{"id":"evt_1","type":"checkout.session.completed"}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewWebhookHandler(testWebhookSecret, engine)

	req := signedWebhookRequest(t, "whsec_wrong_secret", `{"id":"evt_2","type":"checkout.session.completed"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAcksUnhandledEventTypes(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewWebhookHandler(testWebhookSecret, engine)

	payload := `{"id":"evt_3","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestWebhookCheckoutCompletedUpdatesEntitlement(t *testing.T) {
	engine, st := newTestEngine(t)
	engine.getSubscription = stubSubscription(
		testSubscription("sub_wh1", "cus_wh123", "active", "price_basic",
			time.Now().Add(30*24*time.Hour).Unix()), nil)
	handler := NewWebhookHandler(testWebhookSecret, engine)

	payload := fmt.Sprintf(`{
		"id": "evt_4",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_wh_1",
			"mode": "subscription",
			"customer": "cus_wh123",
			"subscription": "sub_wh1",
			"customer_email": "Parent@Example.com",
			"metadata": {%q: "user-wh-1"}
		}}
	}`, MetadataUserIDKey)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))

	require.Equal(t, http.StatusOK, rec.Code, "body=%s", rec.Body.String())

	stored, err := st.Get("user-wh-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "cus_wh123", stored.StripeCustomerID)
	assert.Equal(t, "active", stored.SubscriptionStatus)
	assert.Equal(t, "parent@example.com", stored.Email)
}

func TestWebhookSubscriptionDeletedRevokes(t *testing.T) {
	engine, st := newTestEngine(t)
	seedActiveSubscriber(t, st, "user-wh-2", "cus_wh456", 10)
	handler := NewWebhookHandler(testWebhookSecret, engine)

	payload := `{
		"id": "evt_5",
		"object": "event",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_seed", "customer": "cus_wh456", "status": "canceled"}}
	}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))

	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := st.Get("user-wh-2")
	require.NoError(t, err)
	assert.Equal(t, "canceled", stored.SubscriptionStatus)
	assert.Nil(t, stored.ActivePlanPriceID)
}

func TestWebhookAcksEventsWithoutCustomer(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.getSubscription = func(context.Context, string) (*Subscription, error) {
		t.Fatal("must not fetch when the event carries no customer")
		return nil, nil
	}
	handler := NewWebhookHandler(testWebhookSecret, engine)

	// A missing customer id can never resolve on redelivery, so these events
	// are acked with 200 instead of bouncing forever.
	payloads := []string{
		`{"id":"evt_6","object":"event","type":"checkout.session.completed",
			"data":{"object":{"id":"cs_wh_2","mode":"subscription"}}}`,
		`{"id":"evt_7","object":"event","type":"customer.subscription.updated",
			"data":{"object":{"id":"sub_nocust","status":"active"}}}`,
		`{"id":"evt_8","object":"event","type":"customer.subscription.deleted",
			"data":{"object":{"id":"sub_nocust","status":"canceled"}}}`,
	}
	for _, payload := range payloads {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
		assert.Equal(t, http.StatusOK, rec.Code, "payload=%s body=%s", payload, rec.Body.String())
		assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	}
}

func TestWebhookStoreFailureTriggersRedelivery(t *testing.T) {
	engine, st := newTestEngine(t)
	handler := NewWebhookHandler(testWebhookSecret, engine)
	require.NoError(t, st.Close())

	// Store failures are transient: the handler returns 500 so Stripe
	// redelivers, and a duplicate delivery retries rather than short-circuits.
	payload := `{
		"id": "evt_9",
		"object": "event",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_wh3", "customer": "cus_wh789", "status": "active"}}
	}`
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, "delivery %d", i+1)
	}
}
