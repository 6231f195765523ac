package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) InsertReconciliationLog(ctx context.Context, entry ReconciliationLog) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reconciliation_logs (
			id, run_type, lookback_hours, status, sessions_scanned, subscriptions_scanned,
			created_count, updated_count, mismatch_count, error_count, drift, errors, started_at, finished_at
		)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13, $14)
		RETURNING id
	`, entry.ID, entry.RunType, entry.LookbackHours, entry.Status, entry.SessionsScanned, entry.SubscriptionsScanned,
		entry.CreatedCount, entry.UpdatedCount, entry.MismatchCount, entry.ErrorCount,
		string(jsonOrDefault(entry.Drift, "[]")), string(jsonOrDefault(entry.Errors, "[]")), entry.StartedAt, entry.FinishedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert reconciliation log: %w", mapPostgresError(err))
	}
	return id, nil
}

func (s *PostgresStore) ListReconciliationLogs(ctx context.Context, limit int) ([]ReconciliationLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_type, lookback_hours, status, sessions_scanned, subscriptions_scanned,
			created_count, updated_count, mismatch_count, error_count, drift, errors, started_at, finished_at
		FROM reconciliation_logs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation logs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	logs := []ReconciliationLog{}
	for rows.Next() {
		var (
			entry  ReconciliationLog
			drift  []byte
			errors []byte
		)
		if err := rows.Scan(&entry.ID, &entry.RunType, &entry.LookbackHours, &entry.Status, &entry.SessionsScanned, &entry.SubscriptionsScanned,
			&entry.CreatedCount, &entry.UpdatedCount, &entry.MismatchCount, &entry.ErrorCount, &drift, &errors, &entry.StartedAt, &entry.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation log: %w", err)
		}
		entry.Drift = drift
		entry.Errors = errors
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) InsertBillingAlert(ctx context.Context, alert BillingAlert) (BillingAlert, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO billing_alerts (organization_id, alert_type, severity, message, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING id, created_at
	`, nullIfEmpty(alert.OrganizationID), alert.AlertType, alert.Severity, alert.Message, string(jsonOrDefault(alert.Metadata, "{}")))
	if err := row.Scan(&alert.ID, &alert.CreatedAt); err != nil {
		return BillingAlert{}, fmt.Errorf("insert billing alert: %w", mapPostgresError(err))
	}
	return alert, nil
}

// ListBillingAlerts returns alerts for the organization. resolved nil returns both states.
func (s *PostgresStore) ListBillingAlerts(ctx context.Context, orgID string, resolved *bool, limit int) ([]BillingAlert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, alert_type, severity, message, metadata, resolved, resolved_at, resolved_by, created_at
		FROM billing_alerts
		WHERE organization_id=$1 AND ($2::boolean IS NULL OR resolved=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`, orgID, resolved, limit)
	if err != nil {
		return nil, fmt.Errorf("list billing alerts: %w", mapPostgresError(err))
	}
	defer rows.Close()

	alerts := []BillingAlert{}
	for rows.Next() {
		var (
			alert      BillingAlert
			org        sql.NullString
			metadata   []byte
			resolvedAt sql.NullTime
			resolvedBy sql.NullString
		)
		if err := rows.Scan(&alert.ID, &org, &alert.AlertType, &alert.Severity, &alert.Message, &metadata,
			&alert.Resolved, &resolvedAt, &resolvedBy, &alert.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan billing alert: %w", err)
		}
		alert.OrganizationID = org.String
		alert.Metadata = metadata
		alert.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			alert.ResolvedAt = &resolvedAt.Time
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// ResolveBillingAlert marks an open alert resolved. It reports false when the
// alert does not exist in the organization or was already resolved.
func (s *PostgresStore) ResolveBillingAlert(ctx context.Context, orgID, alertID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE billing_alerts
		SET resolved = true, resolved_at = now(), resolved_by = $3
		WHERE id=$1 AND organization_id=$2 AND resolved = false
	`, alertID, orgID, nullIfEmpty(userID))
	if err != nil {
		return false, fmt.Errorf("resolve billing alert: %w", mapPostgresError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve billing alert rows: %w", err)
	}
	return affected > 0, nil
}
