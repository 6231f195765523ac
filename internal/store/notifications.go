package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (organization_id, user_id, kind, title, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, n.OrganizationID, n.UserID, n.Kind, n.Title, n.Body).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", mapPostgresError(err))
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, user_id, kind, title, body, read_at, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", mapPostgresError(err))
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		var (
			item   Notification
			readAt sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.OrganizationID, &item.UserID, &item.Kind, &item.Title, &item.Body, &readAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if readAt.Valid {
			item.ReadAt = &readAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
