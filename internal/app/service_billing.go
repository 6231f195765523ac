package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"riskmate/api/internal/auth"
	"riskmate/api/internal/billing"
	"riskmate/api/internal/rbac"
	"riskmate/api/internal/reconcile"
	"riskmate/api/internal/store"
	"riskmate/api/internal/telemetry"
)

const (
	alertPaymentFailed = "payment_failed"
	// Stripe's default smart retry schedule gives up after the fourth attempt.
	criticalPaymentAttempts = 3
)

// ReconcileAuthorized checks the cron caller's bearer token.
func (s *Service) ReconcileAuthorized(token string) bool {
	return auth.SecretEqual(token, s.cfg.ReconcileSecret)
}

func (s *Service) RunReconciliation(ctx context.Context, lookbackHours int, trigger string) (reconcile.Report, error) {
	if s.reconciler == nil {
		return reconcile.Report{}, unavailable("BILLING_UNAVAILABLE", "Stripe is not configured")
	}
	report, err := s.reconciler.Run(ctx, reconcile.Options{LookbackHours: lookbackHours, Trigger: trigger})
	if errors.Is(err, reconcile.ErrInProgress) {
		return reconcile.Report{}, domainError(http.StatusConflict, "RECONCILE_IN_PROGRESS", "A reconciliation sweep is already running", nil)
	}
	if err != nil {
		return reconcile.Report{}, err
	}
	return report, nil
}

// HandleStripeWebhook verifies and applies one Stripe event. It returns the
// event type so the caller can log it.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (string, error) {
	if s.billing == nil {
		return "", unavailable("BILLING_UNAVAILABLE", "Stripe is not configured")
	}
	evt, err := s.billing.ParseWebhook(payload, signature)
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return "", domainError(http.StatusBadRequest, "INVALID_SIGNATURE", "Webhook signature verification failed", nil)
	case errors.Is(err, billing.ErrNotConfigured):
		return "", unavailable("BILLING_UNAVAILABLE", "Stripe webhook secret is not configured")
	case err != nil:
		return "", domainError(http.StatusBadRequest, "INVALID_EVENT", "Webhook payload could not be decoded", nil)
	}

	result := "processed"
	switch evt.Type {
	case billing.EventCheckoutCompleted:
		err = s.applyCheckout(ctx, evt.Session)
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		err = s.applySubscription(ctx, evt.Type, evt.Subscription)
	case billing.EventInvoicePaymentFailed:
		err = s.applyPaymentFailed(ctx, evt.Invoice)
	default:
		result = "ignored"
	}
	if err != nil {
		result = "error"
	}

	telemetry.GetMetrics().WebhookEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", evt.Type),
		attribute.String("result", result),
	))
	s.logger.Info().Str("event_id", evt.ID).Str("type", evt.Type).Str("result", result).Msg("stripe webhook")

	if err != nil {
		return evt.Type, fmt.Errorf("handle %s: %w", evt.Type, err)
	}
	return evt.Type, nil
}

func (s *Service) applyCheckout(ctx context.Context, session *billing.CheckoutSession) error {
	// One-off payments carry no subscription.
	if session == nil || session.SubscriptionID == "" {
		return nil
	}
	remote, err := s.billing.GetSubscription(ctx, session.SubscriptionID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		s.logger.Warn().Str("checkout_session_id", session.ID).Str("subscription_id", session.SubscriptionID).Msg("checkout subscription not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	orgID := billing.OrganizationFor(*session, &remote)
	if orgID == "" {
		// Left for the sweep, which raises a platform alert.
		s.logger.Warn().Str("checkout_session_id", session.ID).Msg("checkout session has no organization")
		return nil
	}
	return s.upsertSubscription(ctx, orgID, remote, "subscription.activated")
}

func (s *Service) applySubscription(ctx context.Context, eventType string, sub *billing.Subscription) error {
	if sub == nil {
		return nil
	}
	orgID := strings.TrimSpace(sub.Metadata["organization_id"])
	if orgID == "" {
		existing, err := s.store.GetSubscriptionByStripeID(ctx, sub.ID)
		switch {
		case err == nil:
			orgID = existing.OrganizationID
		case errors.Is(err, sql.ErrNoRows):
			s.logger.Warn().Str("subscription_id", sub.ID).Msg("subscription event has no organization")
			return nil
		default:
			return fmt.Errorf("lookup subscription: %w", err)
		}
	}

	event := "subscription.updated"
	switch eventType {
	case billing.EventSubscriptionCreated:
		event = "subscription.created"
	case billing.EventSubscriptionDeleted:
		event = "subscription.canceled"
		sub.Status = billing.StatusCanceled
	}
	return s.upsertSubscription(ctx, orgID, *sub, event)
}

func (s *Service) upsertSubscription(ctx context.Context, orgID string, sub billing.Subscription, event string) error {
	row, err := s.store.UpsertSubscription(ctx, s.catalog.Record(orgID, sub))
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	s.invalidateEntitlements(ctx, orgID)

	metadata, _ := json.Marshal(map[string]any{
		"stripe_subscription_id": sub.ID,
		"plan":                   row.PlanCode,
		"status":                 row.Status,
	})
	s.recordAudit(ctx, store.AuditLog{
		OrganizationID: orgID,
		ActorEmail:     "stripe",
		EventName:      event,
		Category:       "billing",
		TargetType:     "subscription",
		TargetID:       row.ID,
		Summary:        fmt.Sprintf("Subscription is %s on the %s plan", row.Status, row.PlanCode),
		Metadata:       metadata,
	})
	return nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil {
		return nil
	}
	orgID := ""
	if inv.SubscriptionID != "" {
		existing, err := s.store.GetSubscriptionByStripeID(ctx, inv.SubscriptionID)
		switch {
		case err == nil:
			orgID = existing.OrganizationID
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("lookup subscription: %w", err)
		}
	}

	severity := "warning"
	if inv.AttemptCount >= criticalPaymentAttempts {
		severity = "critical"
	}
	metadata, _ := json.Marshal(map[string]any{
		"invoice_id":         inv.ID,
		"customer_id":        inv.CustomerID,
		"subscription_id":    inv.SubscriptionID,
		"amount_due":         inv.AmountDue,
		"currency":           inv.Currency,
		"attempt_count":      inv.AttemptCount,
		"hosted_invoice_url": inv.HostedURL,
	})
	alert, err := s.store.InsertBillingAlert(ctx, store.BillingAlert{
		OrganizationID: orgID,
		AlertType:      alertPaymentFailed,
		Severity:       severity,
		Message:        fmt.Sprintf("Payment of %s failed (attempt %d)", formatAmount(inv.AmountDue, inv.Currency), inv.AttemptCount),
		Metadata:       metadata,
	})
	if err != nil {
		return fmt.Errorf("insert billing alert: %w", err)
	}
	telemetry.GetMetrics().BillingAlertsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", alert.AlertType)))

	if s.notifier != nil && orgID != "" {
		if err := s.notifier.BillingAlertRaised(ctx, alert); err != nil {
			s.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("notify billing alert")
		}
	}
	s.recordAudit(ctx, store.AuditLog{
		OrganizationID: orgID,
		ActorEmail:     "stripe",
		EventName:      "billing.payment_failed",
		Category:       "billing",
		TargetType:     "invoice",
		TargetID:       inv.ID,
		Summary:        alert.Message,
		Metadata:       metadata,
	})
	return nil
}

// formatAmount renders minor units for two-decimal currencies.
func formatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", amount/100, amount%100, strings.ToUpper(currency))
}

type CheckoutInput struct {
	Plan string `json:"plan"`
}

func (s *Service) CreateCheckout(ctx context.Context, session Session, in CheckoutInput) (billing.CheckoutResult, error) {
	if err := authorize(session, rbac.ActionBilling); err != nil {
		return billing.CheckoutResult{}, err
	}
	if s.billing == nil {
		return billing.CheckoutResult{}, unavailable("BILLING_UNAVAILABLE", "Stripe is not configured")
	}
	plan := strings.ToLower(strings.TrimSpace(in.Plan))
	price, err := s.catalog.PriceFor(plan)
	if err != nil {
		return billing.CheckoutResult{}, domainError(http.StatusBadRequest, "INVALID_PLAN", "Unknown plan", map[string]any{"plan": in.Plan})
	}

	appURL := strings.TrimRight(s.cfg.AppURL, "/")
	req := billing.CheckoutRequest{
		OrganizationID: session.OrganizationID,
		UserID:         session.UserID,
		Email:          session.Email,
		Plan:           plan,
		PriceID:        price,
		SuccessURL:     appURL + "/settings/billing?checkout=success",
		CancelURL:      appURL + "/settings/billing?checkout=canceled",
	}
	existing, err := s.store.GetSubscriptionByOrg(ctx, session.OrganizationID)
	switch {
	case err == nil:
		req.CustomerID = existing.StripeCustomerID
	case errors.Is(err, sql.ErrNoRows):
	default:
		return billing.CheckoutResult{}, fmt.Errorf("load subscription: %w", err)
	}

	result, err := s.billing.CreateCheckoutSession(ctx, req)
	if err != nil {
		return billing.CheckoutResult{}, err
	}
	entry := actorEntry(session, "checkout.started", "billing")
	entry.TargetType = "checkout_session"
	entry.TargetID = result.ID
	entry.Summary = fmt.Sprintf("Started checkout for the %s plan", plan)
	s.recordAudit(ctx, entry)
	return result, nil
}

// Subscription returns the organization's row, or nil when it never subscribed.
func (s *Service) Subscription(ctx context.Context, session Session) (*store.Subscription, error) {
	if err := authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscriptionByOrg(ctx, session.OrganizationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Service) ListBillingAlerts(ctx context.Context, session Session, resolved *bool) ([]store.BillingAlert, error) {
	if err := authorize(session, rbac.ActionBilling); err != nil {
		return nil, err
	}
	return s.store.ListBillingAlerts(ctx, session.OrganizationID, resolved, 100)
}

func (s *Service) ResolveBillingAlert(ctx context.Context, session Session, alertID string) error {
	if err := authorize(session, rbac.ActionBilling); err != nil {
		return err
	}
	ok, err := s.store.ResolveBillingAlert(ctx, session.OrganizationID, alertID, session.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusNotFound, "ALERT_NOT_FOUND", "Alert not found or already resolved", nil)
	}
	entry := actorEntry(session, "billing_alert.resolved", "billing")
	entry.TargetType = "billing_alert"
	entry.TargetID = alertID
	entry.Summary = "Resolved a billing alert"
	s.recordAudit(ctx, entry)
	return nil
}

// ListReconciliationLogs returns the latest sweeps. Logs are platform-wide, so
// the drift and error payloads (which name other organizations) are left out.
func (s *Service) ListReconciliationLogs(ctx context.Context, session Session) ([]store.ReconciliationLog, error) {
	if err := authorize(session, rbac.ActionBilling); err != nil {
		return nil, err
	}
	logs, err := s.store.ListReconciliationLogs(ctx, 50)
	if err != nil {
		return nil, err
	}
	for i := range logs {
		logs[i].Drift = nil
		logs[i].Errors = nil
	}
	return logs, nil
}
