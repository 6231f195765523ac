package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"riskmate/api/internal/store"
)

// Store is the persistence the notifier needs.
type Store interface {
	GetOrganization(ctx context.Context, orgID string) (store.Organization, error)
	ListOrgAdmins(ctx context.Context, orgID string) ([]store.User, error)
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
}

// Sender delivers email. *Mailer satisfies it.
type Sender interface {
	IsConfigured() bool
	SendHTMLEmail(to []string, subject, textBody, htmlBody string) error
}

type Notifier struct {
	store  Store
	mailer Sender
	appURL string
	logger zerolog.Logger
}

func New(st Store, mailer Sender, appURL string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		store:  st,
		mailer: mailer,
		appURL: strings.TrimRight(appURL, "/"),
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// BillingAlertRaised writes an in-app notification for every owner and admin
// of the alert's organization, then emails them when SMTP is configured.
// Email failures are logged, not returned.
func (n *Notifier) BillingAlertRaised(ctx context.Context, alert store.BillingAlert) error {
	if alert.OrganizationID == "" {
		return nil
	}
	admins, err := n.store.ListOrgAdmins(ctx, alert.OrganizationID)
	if err != nil {
		return fmt.Errorf("list org admins: %w", err)
	}
	if len(admins) == 0 {
		return nil
	}

	title := alertTitle(alert)
	recipients := make([]string, 0, len(admins))
	for _, admin := range admins {
		if _, err := n.store.InsertNotification(ctx, store.Notification{
			OrganizationID: alert.OrganizationID,
			UserID:         admin.ID,
			Kind:           "billing_alert",
			Title:          title,
			Body:           alert.Message,
		}); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		if admin.Email != "" {
			recipients = append(recipients, admin.Email)
		}
	}

	if n.mailer == nil || !n.mailer.IsConfigured() || len(recipients) == 0 {
		return nil
	}

	data := BillingAlertData{
		AppName:    "RiskMate",
		AlertType:  alert.AlertType,
		Severity:   alert.Severity,
		Message:    alert.Message,
		BillingURL: n.billingURL(),
	}
	if org, err := n.store.GetOrganization(ctx, alert.OrganizationID); err == nil {
		data.OrganizationName = org.Name
	}
	html, err := renderTemplate(billingAlertTemplate, data)
	if err != nil {
		return fmt.Errorf("render billing alert template: %w", err)
	}

	if err := n.mailer.SendHTMLEmail(recipients, "[RiskMate] "+title, alert.Message, html); err != nil {
		n.logger.Warn().Err(err).Str("alert_id", alert.ID).Int("recipients", len(recipients)).Msg("send billing alert email")
		return nil
	}
	n.logger.Info().Str("alert_id", alert.ID).Int("recipients", len(recipients)).Msg("billing alert emailed")
	return nil
}

func (n *Notifier) billingURL() string {
	if n.appURL == "" {
		return ""
	}
	return n.appURL + "/settings/billing"
}

func alertTitle(alert store.BillingAlert) string {
	switch alert.AlertType {
	case "reconcile_drift":
		return "Billing records were corrected"
	case "payment_failed":
		return "Payment failed"
	default:
		return "Billing alert"
	}
}
