package store

import (
	"context"
	"database/sql"
	"fmt"
)

const subscriptionColumns = `id, organization_id, stripe_customer_id, stripe_subscription_id, plan_code, status,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		sub         Subscription
		customerID  sql.NullString
		stripeID    sql.NullString
		periodStart sql.NullTime
		periodEnd   sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.OrganizationID, &customerID, &stripeID, &sub.PlanCode, &sub.Status,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return Subscription{}, err
	}
	sub.StripeCustomerID = customerID.String
	sub.StripeSubscriptionID = stripeID.String
	if periodStart.Valid {
		sub.CurrentPeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = &periodEnd.Time
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscriptionByOrg(ctx context.Context, orgID string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE organization_id=$1`, orgID)
	sub, err := scanSubscription(row)
	if err != nil {
		return Subscription{}, mapPostgresError(err)
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id=$1`, stripeSubscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		return Subscription{}, mapPostgresError(err)
	}
	return sub, nil
}

// ListStripeSubscriptions pages through rows that carry a Stripe id, ordered by
// that id. Pass the last id of the previous page as afterID ("" for the first page).
func (s *PostgresStore) ListStripeSubscriptions(ctx context.Context, afterID string, limit int) ([]Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE stripe_subscription_id IS NOT NULL AND stripe_subscription_id > $1
		ORDER BY stripe_subscription_id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stripe subscriptions: %w", mapPostgresError(err))
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpsertSubscription writes the organization's single subscription row.
// Conflicts resolve on organization_id.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (
			organization_id, stripe_customer_id, stripe_subscription_id, plan_code, status,
			current_period_start, current_period_end, cancel_at_period_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (organization_id) DO UPDATE SET
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
			plan_code = EXCLUDED.plan_code,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = now()
		RETURNING `+subscriptionColumns,
		sub.OrganizationID, nullIfEmpty(sub.StripeCustomerID), nullIfEmpty(sub.StripeSubscriptionID), sub.PlanCode, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
	)
	saved, err := scanSubscription(row)
	if err != nil {
		return Subscription{}, fmt.Errorf("upsert subscription: %w", mapPostgresError(err))
	}
	return saved, nil
}
