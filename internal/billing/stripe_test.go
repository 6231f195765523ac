package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeProviderWithBackends("sk_test_123", "whsec_test", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

func TestGetSubscriptionMapsFields(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"id": "sub_1",
			"object": "subscription",
			"status": "active",
			"customer": "cus_1",
			"current_period_start": 1767225600,
			"current_period_end": 1769904000,
			"cancel_at_period_end": true,
			"metadata": {"organization_id": "org-1"},
			"items": {"object": "list", "data": [{"id": "si_1", "price": {"id": "price_pro"}}]}
		}`)
	})

	sub, err := p.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Equal(t, "active", sub.Status)
	require.Equal(t, "cus_1", sub.CustomerID)
	require.Equal(t, "price_pro", sub.PriceID)
	require.True(t, sub.CancelAtPeriodEnd)
	require.Equal(t, "org-1", sub.Metadata["organization_id"])
	require.Equal(t, time.Unix(1769904000, 0).UTC(), *sub.CurrentPeriodEnd)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"error": {"type": "invalid_request_error", "code": "resource_missing", "message": "No such subscription: 'sub_gone'"}}`)
	})

	_, err := p.GetSubscription(context.Background(), "sub_gone")
	require.True(t, errors.Is(err, ErrSubscriptionNotFound), "got %v", err)
}

func TestGetSubscriptionServerError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, `{"error": {"type": "api_error", "message": "boom"}}`)
	})

	_, err := p.GetSubscription(context.Background(), "sub_1")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrSubscriptionNotFound))
}

func TestListCompletedCheckoutSessions(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, "complete", r.URL.Query().Get("status"))
		require.Equal(t, fmt.Sprint(since.Unix()), r.URL.Query().Get("created[gte]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"object": "list",
			"url": "/v1/checkout/sessions",
			"has_more": false,
			"data": [
				{"id": "cs_1", "object": "checkout.session", "client_reference_id": "org-1", "subscription": "sub_1", "customer": "cus_1", "created": 1772400000},
				{"id": "cs_2", "object": "checkout.session", "metadata": {"organization_id": "org-2"}, "created": 1772400100}
			]
		}`)
	})

	sessions, err := p.ListCompletedCheckoutSessions(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "sub_1", sessions[0].SubscriptionID)
	require.Equal(t, "org-1", sessions[0].ClientReferenceID)
	require.Equal(t, "", sessions[1].SubscriptionID)
	require.Equal(t, "org-2", sessions[1].Metadata["organization_id"])
}

func TestCreateCheckoutSession(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "subscription", r.PostForm.Get("mode"))
		require.Equal(t, "org-1", r.PostForm.Get("client_reference_id"))
		require.Equal(t, "price_pro", r.PostForm.Get("line_items[0][price]"))
		require.Equal(t, "org-1", r.PostForm.Get("subscription_data[metadata][organization_id]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id": "cs_new", "object": "checkout.session", "url": "https://checkout.stripe.com/c/pay/cs_new"}`)
	})

	res, err := p.CreateCheckoutSession(context.Background(), CheckoutRequest{
		OrganizationID: "org-1",
		Plan:           "pro",
		PriceID:        "price_pro",
		Email:          "owner@example.com",
		SuccessURL:     "https://app.example.com/billing?success=1",
		CancelURL:      "https://app.example.com/billing",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_new", res.ID)
	require.True(t, strings.HasPrefix(res.URL, "https://checkout.stripe.com/"))
}

func signedEvent(t *testing.T, secret, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func TestParseWebhookSubscriptionEvent(t *testing.T) {
	p := NewStripeProvider("sk_test", "whsec_test")
	header, body := signedEvent(t, "whsec_test", `{
		"id": "evt_1",
		"object": "event",
		"type": "customer.subscription.updated",
		"api_version": "2020-08-27",
		"data": {"object": {"id": "sub_1", "object": "subscription", "status": "past_due", "customer": "cus_1", "metadata": {"organization_id": "org-1"}}}
	}`)

	evt, err := p.ParseWebhook(body, header)
	require.NoError(t, err)
	require.Equal(t, EventSubscriptionUpdated, evt.Type)
	require.NotNil(t, evt.Subscription)
	require.Equal(t, "past_due", evt.Subscription.Status)
	require.Equal(t, "org-1", evt.Subscription.Metadata["organization_id"])
}

func TestParseWebhookInvoiceEvent(t *testing.T) {
	p := NewStripeProvider("sk_test", "whsec_test")
	header, body := signedEvent(t, "whsec_test", `{
		"id": "evt_2",
		"object": "event",
		"type": "invoice.payment_failed",
		"data": {"object": {"id": "in_1", "object": "invoice", "customer": "cus_1", "subscription": "sub_1", "amount_due": 4900, "currency": "usd", "attempt_count": 2}}
	}`)

	evt, err := p.ParseWebhook(body, header)
	require.NoError(t, err)
	require.NotNil(t, evt.Invoice)
	require.Equal(t, "sub_1", evt.Invoice.SubscriptionID)
	require.Equal(t, int64(4900), evt.Invoice.AmountDue)
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	p := NewStripeProvider("sk_test", "whsec_test")
	header, body := signedEvent(t, "whsec_other", `{"id": "evt_3", "object": "event", "type": "checkout.session.completed", "data": {"object": {}}}`)

	_, err := p.ParseWebhook(body, header)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseWebhookRequiresSecret(t *testing.T) {
	p := NewStripeProvider("sk_test", "")
	_, err := p.ParseWebhook([]byte(`{}`), "t=1,v1=abc")
	require.ErrorIs(t, err, ErrNotConfigured)
}
