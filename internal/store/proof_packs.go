package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *PostgresStore) InsertProofPack(ctx context.Context, pack ProofPack) (ProofPack, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO proof_packs (id, organization_id, job_id, object_key, file_name, sha256, size_bytes, manifest, generated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING created_at
	`, pack.ID, pack.OrganizationID, pack.JobID, pack.ObjectKey, pack.FileName, pack.SHA256, pack.SizeBytes,
		string(jsonOrDefault(pack.Manifest, "{}")), nullIfEmpty(pack.GeneratedBy),
	).Scan(&pack.CreatedAt)
	if err != nil {
		return ProofPack{}, fmt.Errorf("insert proof pack: %w", mapPostgresError(err))
	}
	return pack, nil
}

func (s *PostgresStore) ListProofPacks(ctx context.Context, orgID, jobID string) ([]ProofPack, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, job_id, object_key, file_name, sha256, size_bytes, manifest, generated_by, created_at
		FROM proof_packs
		WHERE organization_id=$1 AND job_id=$2
		ORDER BY created_at DESC
	`, orgID, jobID)
	if err != nil {
		return nil, fmt.Errorf("list proof packs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	packs := []ProofPack{}
	for rows.Next() {
		var (
			pack        ProofPack
			manifest    []byte
			generatedBy sql.NullString
		)
		if err := rows.Scan(&pack.ID, &pack.OrganizationID, &pack.JobID, &pack.ObjectKey, &pack.FileName, &pack.SHA256,
			&pack.SizeBytes, &manifest, &generatedBy, &pack.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proof pack: %w", err)
		}
		pack.Manifest = manifest
		pack.GeneratedBy = generatedBy.String
		packs = append(packs, pack)
	}
	return packs, rows.Err()
}
