package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) GetJob(ctx context.Context, orgID, jobID string) (Job, error) {
	var (
		job       Job
		riskScore sql.NullInt64
		createdBy sql.NullString
		startDate sql.NullTime
		endDate   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, client_name, job_type, location, description, status,
			risk_score, risk_level, start_date, end_date, created_by, created_at, updated_at
		FROM jobs
		WHERE id=$1 AND organization_id=$2
	`, jobID, orgID).Scan(
		&job.ID, &job.OrganizationID, &job.ClientName, &job.JobType, &job.Location, &job.Description, &job.Status,
		&riskScore, &job.RiskLevel, &startDate, &endDate, &createdBy, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return Job{}, mapPostgresError(err)
	}
	if riskScore.Valid {
		score := int(riskScore.Int64)
		job.RiskScore = &score
	}
	if startDate.Valid {
		job.StartDate = &startDate.Time
	}
	if endDate.Valid {
		job.EndDate = &endDate.Time
	}
	job.CreatedBy = createdBy.String
	return job, nil
}

func (s *PostgresStore) ListHazards(ctx context.Context, jobID string) ([]Hazard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, code, name, severity, weight
		FROM job_hazards WHERE job_id=$1
		ORDER BY weight DESC, created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list hazards: %w", mapPostgresError(err))
	}
	defer rows.Close()

	items := []Hazard{}
	for rows.Next() {
		var item Hazard
		if err := rows.Scan(&item.ID, &item.JobID, &item.Code, &item.Name, &item.Severity, &item.Weight); err != nil {
			return nil, fmt.Errorf("scan hazard: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListMitigations(ctx context.Context, jobID string) ([]Mitigation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, hazard_id, title, owner, done, completed_at, completed_by, created_at
		FROM job_mitigations WHERE job_id=$1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list mitigations: %w", mapPostgresError(err))
	}
	defer rows.Close()

	items := []Mitigation{}
	for rows.Next() {
		var (
			item        Mitigation
			hazardID    sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.JobID, &hazardID, &item.Title, &item.Owner, &item.Done, &completedAt, &item.CompletedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mitigation: %w", err)
		}
		item.HazardID = hazardID.String
		if completedAt.Valid {
			item.CompletedAt = &completedAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListSignoffs(ctx context.Context, jobID string) ([]Signoff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, signer_name, signer_role, signoff_type, status, comments, signed_at
		FROM job_signoffs WHERE job_id=$1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list signoffs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	items := []Signoff{}
	for rows.Next() {
		var (
			item     Signoff
			signedAt sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.SignerName, &item.SignerRole, &item.SignoffType, &item.Status, &item.Comments, &signedAt); err != nil {
			return nil, fmt.Errorf("scan signoff: %w", err)
		}
		if signedAt.Valid {
			item.SignedAt = &signedAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListEvidence(ctx context.Context, jobID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, file_name, mime_type, storage_path, sha256, size_bytes, caption, uploaded_by, created_at
		FROM job_evidence WHERE job_id=$1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", mapPostgresError(err))
	}
	defer rows.Close()

	items := []Evidence{}
	for rows.Next() {
		var (
			item       Evidence
			uploadedBy sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.FileName, &item.MimeType, &item.StoragePath, &item.SHA256, &item.SizeBytes, &item.Caption, &uploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		item.UploadedBy = uploadedBy.String
		items = append(items, item)
	}
	return items, rows.Err()
}
