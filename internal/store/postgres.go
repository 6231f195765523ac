package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM organizations WHERE id=$1`, orgID).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		return Organization{}, mapPostgresError(err)
	}
	return org, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, email, full_name, role, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.OrganizationID, &user.Email, &user.FullName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, mapPostgresError(err)
	}
	return user, nil
}

// ListOrgAdmins returns owners and admins, the recipients of billing alerts.
func (s *PostgresStore) ListOrgAdmins(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, email, full_name, role, created_at
		FROM users
		WHERE organization_id=$1 AND role IN ('owner', 'admin')
		ORDER BY created_at ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list org admins: %w", mapPostgresError(err))
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.OrganizationID, &user.Email, &user.FullName, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan org admin: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CountMembers(ctx context.Context, orgID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE organization_id=$1`, orgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members: %w", mapPostgresError(err))
	}
	return count, nil
}

func (s *PostgresStore) CountJobsSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE organization_id=$1 AND created_at >= $2
	`, orgID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", mapPostgresError(err))
	}
	return count, nil
}
