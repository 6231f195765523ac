package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry AuditLog) (AuditLog, error) {
	if entry.Category == "" {
		entry.Category = "operations"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (organization_id, actor_id, actor_email, event_name, category, target_type, target_id, job_id, summary, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		RETURNING id, created_at
	`, entry.OrganizationID, nullIfEmpty(entry.ActorID), entry.ActorEmail, entry.EventName, entry.Category,
		entry.TargetType, entry.TargetID, nullIfEmpty(entry.JobID), entry.Summary, string(jsonOrDefault(entry.Metadata, "{}")),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return AuditLog{}, fmt.Errorf("insert audit log: %w", mapPostgresError(err))
	}
	return entry, nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLog, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, actor_id, actor_email, event_name, category, target_type, target_id, job_id, summary, metadata, created_at
		FROM audit_logs
		WHERE organization_id=$1
			AND ($2 = '' OR category = $2)
			AND ($3 = '' OR job_id::text = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, filter.OrganizationID, filter.Category, filter.JobID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", mapPostgresError(err))
	}
	defer rows.Close()
	return scanAuditLogs(rows)
}

func scanAuditLogs(rows *sql.Rows) ([]AuditLog, error) {
	items := []AuditLog{}
	for rows.Next() {
		var (
			item     AuditLog
			actorID  sql.NullString
			jobID    sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&item.ID, &item.OrganizationID, &actorID, &item.ActorEmail, &item.EventName, &item.Category,
			&item.TargetType, &item.TargetID, &jobID, &item.Summary, &metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.ActorID = actorID.String
		item.JobID = jobID.String
		item.Metadata = metadata
		items = append(items, item)
	}
	return items, rows.Err()
}
