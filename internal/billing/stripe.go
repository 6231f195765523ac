package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const listPageSize = 100

// StripeProvider implements Provider with the Stripe API.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	return &StripeProvider{api: client.New(secretKey, nil), webhookSecret: webhookSecret}
}

// NewStripeProviderWithBackends points the client at custom backends (stripe-mock, tests).
func NewStripeProviderWithBackends(secretKey, webhookSecret string, backends *stripe.Backends) *StripeProvider {
	return &StripeProvider{api: client.New(secretKey, backends), webhookSecret: webhookSecret}
}

func (p *StripeProvider) ListCompletedCheckoutSessions(ctx context.Context, since time.Time) ([]CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		Status:       stripe.String(string(stripe.CheckoutSessionStatusComplete)),
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageSize)

	var sessions []CheckoutSession
	iter := p.api.CheckoutSessions.List(params)
	for iter.Next() {
		sessions = append(sessions, fromStripeSession(iter.CheckoutSession()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkout sessions: %w", err)
	}
	return sessions, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && (stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
			return Subscription{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
		}
		return Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return fromStripeSubscription(sub), nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(req.OrganizationID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"organization_id": req.OrganizationID,
				"plan":            req.Plan,
			},
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("organization_id", req.OrganizationID)
	params.AddMetadata("plan", req.Plan)
	if req.UserID != "" {
		params.AddMetadata("user_id", req.UserID)
	}

	session, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("create checkout session: %w", err)
	}
	return CheckoutResult{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (Event, error) {
	if p.webhookSecret == "" {
		return Event{}, ErrNotConfigured
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(evt)
}

func decodeEvent(evt stripe.Event) (Event, error) {
	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		session := fromStripeSession(&s)
		out.Session = &session
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
			return Event{}, fmt.Errorf("decode subscription: %w", err)
		}
		sub := fromStripeSubscription(&s)
		out.Subscription = &sub
	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("decode invoice: %w", err)
		}
		invoice := Invoice{
			ID:           inv.ID,
			AmountDue:    inv.AmountDue,
			Currency:     string(inv.Currency),
			AttemptCount: inv.AttemptCount,
			HostedURL:    inv.HostedInvoiceURL,
		}
		if inv.Customer != nil {
			invoice.CustomerID = inv.Customer.ID
		}
		if inv.Subscription != nil {
			invoice.SubscriptionID = inv.Subscription.ID
		}
		out.Invoice = &invoice
	}
	return out, nil
}

func fromStripeSession(s *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:                s.ID,
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
		CreatedAt:         time.Unix(s.Created, 0).UTC(),
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	return out
}

func fromStripeSubscription(s *stripe.Subscription) Subscription {
	out := Subscription{
		ID:                 s.ID,
		Status:             string(s.Status),
		Metadata:           s.Metadata,
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		out.PriceID = s.Items.Data[0].Price.ID
	}
	return out
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
