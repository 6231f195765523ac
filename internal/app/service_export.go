package app

import (
	"context"
	"encoding/json"
	"fmt"

	"riskmate/api/internal/entitlements"
	"riskmate/api/internal/export"
	"riskmate/api/internal/rbac"
	"riskmate/api/internal/storage"
	"riskmate/api/internal/store"
	"riskmate/api/internal/util"
)

type ProofPackResult struct {
	Pack     store.ProofPack
	URL      string
	Manifest export.Manifest
}

func (s *Service) JobReport(ctx context.Context, session Session, jobID string) (*export.Result, error) {
	if err := authorize(session, rbac.ActionExport); err != nil {
		return nil, err
	}
	if err := s.requireFeature(ctx, session, entitlements.FeaturePDFReports); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, unavailable("EXPORT_UNAVAILABLE", "PDF export is not configured")
	}

	report, err := s.exporter.LoadJobReport(ctx, session.OrganizationID, jobID, session.Email)
	if err != nil {
		return nil, err
	}
	result, err := s.exporter.RenderJobReport(ctx, report)
	if err != nil {
		return nil, err
	}

	metadata, _ := json.Marshal(map[string]any{"file_name": result.Filename, "sha256": result.SHA256})
	entry := actorEntry(session, "job_report.exported", "export")
	entry.TargetType = "job"
	entry.TargetID = jobID
	entry.JobID = jobID
	entry.Summary = fmt.Sprintf("Exported the job report for %s", report.Job.ClientName)
	entry.Metadata = metadata
	s.recordAudit(ctx, entry)
	return result, nil
}

// GenerateProofPack builds the pack, stores the zip and records it. A failed
// presign still returns the stored pack without a URL.
func (s *Service) GenerateProofPack(ctx context.Context, session Session, jobID string) (ProofPackResult, error) {
	if err := authorize(session, rbac.ActionExport); err != nil {
		return ProofPackResult{}, err
	}
	if err := s.requireFeature(ctx, session, entitlements.FeatureProofPacks); err != nil {
		return ProofPackResult{}, err
	}
	if s.exporter == nil {
		return ProofPackResult{}, unavailable("EXPORT_UNAVAILABLE", "PDF export is not configured")
	}
	bucket := s.cfg.S3BucketProofPacks
	if s.objects == nil || bucket == "" {
		return ProofPackResult{}, unavailable("STORAGE_UNAVAILABLE", "Object storage is not configured")
	}

	report, err := s.exporter.LoadJobReport(ctx, session.OrganizationID, jobID, session.Email)
	if err != nil {
		return ProofPackResult{}, err
	}
	pack, err := s.exporter.BuildProofPack(ctx, export.ProofPackInput{
		PackID:      util.NewID("pack"),
		Report:      report,
		GeneratedBy: session.Email,
	})
	if err != nil {
		return ProofPackResult{}, err
	}

	key := storage.ProofPackKey(session.OrganizationID, jobID, pack.ID)
	if err := s.objects.Put(ctx, bucket, key, pack.Data, export.MimeZip); err != nil {
		return ProofPackResult{}, fmt.Errorf("store proof pack: %w", err)
	}
	manifest, err := json.Marshal(pack.Manifest)
	if err != nil {
		return ProofPackResult{}, fmt.Errorf("marshal manifest: %w", err)
	}
	row, err := s.store.InsertProofPack(ctx, store.ProofPack{
		ID:             pack.ID,
		OrganizationID: session.OrganizationID,
		JobID:          jobID,
		ObjectKey:      key,
		FileName:       pack.Filename,
		SHA256:         pack.SHA256,
		SizeBytes:      int64(len(pack.Data)),
		Manifest:       manifest,
		GeneratedBy:    session.UserID,
	})
	if err != nil {
		return ProofPackResult{}, err
	}

	url, err := s.objects.PresignedURL(ctx, bucket, key, pack.Filename)
	if err != nil {
		s.logger.Warn().Err(err).Str("pack_id", pack.ID).Msg("presign proof pack")
	}

	metadata, _ := json.Marshal(map[string]any{"pack_id": pack.ID, "sha256": pack.SHA256, "files": len(pack.Manifest.Files)})
	entry := actorEntry(session, "proof_pack.generated", "export")
	entry.TargetType = "proof_pack"
	entry.TargetID = pack.ID
	entry.JobID = jobID
	entry.Summary = fmt.Sprintf("Generated a proof pack for %s", report.Job.ClientName)
	entry.Metadata = metadata
	s.recordAudit(ctx, entry)

	return ProofPackResult{Pack: row, URL: url, Manifest: pack.Manifest}, nil
}

func (s *Service) ListProofPacks(ctx context.Context, session Session, jobID string) ([]store.ProofPack, error) {
	if err := authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListProofPacks(ctx, session.OrganizationID, jobID)
}
