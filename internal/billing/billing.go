// Package billing talks to Stripe and maps its objects onto local subscription rows.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"riskmate/api/internal/store"
)

var (
	ErrSubscriptionNotFound = errors.New("stripe subscription not found")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnknownPlan          = errors.New("unknown plan")
	ErrNotConfigured        = errors.New("stripe is not configured")
)

// Stripe event types handled by the webhook.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

type CheckoutSession struct {
	ID                string
	SubscriptionID    string
	CustomerID        string
	ClientReferenceID string
	Metadata          map[string]string
	CreatedAt         time.Time
}

type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Metadata           map[string]string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountDue      int64
	Currency       string
	AttemptCount   int64
	HostedURL      string
}

// Event is a verified webhook event. Exactly one payload field is set for handled types.
type Event struct {
	ID           string
	Type         string
	Session      *CheckoutSession
	Subscription *Subscription
	Invoice      *Invoice
}

type CheckoutRequest struct {
	OrganizationID string
	UserID         string
	Email          string
	Plan           string
	PriceID        string
	CustomerID     string
	SuccessURL     string
	CancelURL      string
}

type CheckoutResult struct {
	ID  string
	URL string
}

// Provider is the subset of Stripe the API depends on.
type Provider interface {
	// ListCompletedCheckoutSessions returns every complete session created at or after since.
	ListCompletedCheckoutSessions(ctx context.Context, since time.Time) ([]CheckoutSession, error)
	// GetSubscription returns ErrSubscriptionNotFound when Stripe has no such subscription.
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutResult, error)
	ParseWebhook(payload []byte, signature string) (Event, error)
}

// OrganizationFor attributes a checkout to an organization: client_reference_id,
// then session metadata, then subscription metadata.
func OrganizationFor(session CheckoutSession, sub *Subscription) string {
	if id := strings.TrimSpace(session.ClientReferenceID); id != "" {
		return id
	}
	if id := strings.TrimSpace(session.Metadata["organization_id"]); id != "" {
		return id
	}
	if sub != nil {
		return strings.TrimSpace(sub.Metadata["organization_id"])
	}
	return ""
}

// PlanCatalog maps Stripe price ids to plan codes.
type PlanCatalog struct {
	byPrice map[string]string
	byPlan  map[string]string
}

func NewPlanCatalog(priceToPlan map[string]string) PlanCatalog {
	c := PlanCatalog{byPrice: map[string]string{}, byPlan: map[string]string{}}
	for price, plan := range priceToPlan {
		c.byPrice[price] = plan
		c.byPlan[plan] = price
	}
	return c
}

// PriceFor returns the configured price for a plan code.
func (c PlanCatalog) PriceFor(plan string) (string, error) {
	price, ok := c.byPlan[strings.ToLower(strings.TrimSpace(plan))]
	if !ok {
		return "", ErrUnknownPlan
	}
	return price, nil
}

// Resolve picks the plan for a subscription by price id, falling back to the
// "plan" metadata key. Unknown subscriptions resolve to "none".
func (c PlanCatalog) Resolve(sub Subscription) string {
	if plan, ok := c.byPrice[sub.PriceID]; ok {
		return plan
	}
	if plan := strings.ToLower(strings.TrimSpace(sub.Metadata["plan"])); plan != "" {
		return plan
	}
	return "none"
}

// Record builds the local row for a Stripe subscription.
func (c PlanCatalog) Record(orgID string, sub Subscription) store.Subscription {
	return store.Subscription{
		OrganizationID:       orgID,
		StripeCustomerID:     sub.CustomerID,
		StripeSubscriptionID: sub.ID,
		PlanCode:             c.Resolve(sub),
		Status:               sub.Status,
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
}
