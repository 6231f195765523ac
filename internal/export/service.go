package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"riskmate/api/internal/storage"
	"riskmate/api/internal/store"
	"riskmate/api/internal/telemetry"
	"riskmate/api/internal/util"
)

const (
	Generator     = "riskmate-api"
	maxPhotoBytes = 8 << 20
)

// DataStore defines the job data an export reads.
type DataStore interface {
	GetOrganization(ctx context.Context, orgID string) (store.Organization, error)
	GetJob(ctx context.Context, orgID, jobID string) (store.Job, error)
	ListHazards(ctx context.Context, jobID string) ([]store.Hazard, error)
	ListMitigations(ctx context.Context, jobID string) ([]store.Mitigation, error)
	ListSignoffs(ctx context.Context, jobID string) ([]store.Signoff, error)
	ListEvidence(ctx context.Context, jobID string) ([]store.Evidence, error)
}

// ObjectReader fetches evidence bytes for inlining.
type ObjectReader interface {
	Get(ctx context.Context, bucket, key string, maxBytes int64) ([]byte, error)
}

// Service renders job reports and proof packs.
type Service struct {
	store          DataStore
	renderer       Renderer
	objects        ObjectReader
	evidenceBucket string
	logger         zerolog.Logger
	now            func() time.Time
}

func NewService(store DataStore, renderer Renderer, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		renderer: renderer,
		logger:   logger.With().Str("component", "export").Logger(),
		now:      time.Now,
	}
}

// SetObjects enables photo inlining from object storage.
func (s *Service) SetObjects(objects ObjectReader, evidenceBucket string) {
	s.objects = objects
	s.evidenceBucket = evidenceBucket
}

// LoadJobReport gathers a job and its children, scoped to the organization.
func (s *Service) LoadJobReport(ctx context.Context, orgID, jobID, generatedBy string) (JobReport, error) {
	job, err := s.store.GetJob(ctx, orgID, jobID)
	if err != nil {
		return JobReport{}, fmt.Errorf("get job: %w", err)
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return JobReport{}, fmt.Errorf("get organization: %w", err)
	}
	hazards, err := s.store.ListHazards(ctx, jobID)
	if err != nil {
		return JobReport{}, fmt.Errorf("list hazards: %w", err)
	}
	mitigations, err := s.store.ListMitigations(ctx, jobID)
	if err != nil {
		return JobReport{}, fmt.Errorf("list mitigations: %w", err)
	}
	signoffs, err := s.store.ListSignoffs(ctx, jobID)
	if err != nil {
		return JobReport{}, fmt.Errorf("list signoffs: %w", err)
	}
	evidence, err := s.store.ListEvidence(ctx, jobID)
	if err != nil {
		return JobReport{}, fmt.Errorf("list evidence: %w", err)
	}

	return JobReport{
		Organization: org,
		Job:          job,
		Hazards:      hazards,
		Mitigations:  mitigations,
		Signoffs:     signoffs,
		Evidence:     evidence,
		Photos:       s.loadPhotos(ctx, evidence),
		GeneratedAt:  s.now().UTC(),
		GeneratedBy:  generatedBy,
	}, nil
}

// loadPhotos inlines image evidence. Unreadable images fall back to the
// document list.
func (s *Service) loadPhotos(ctx context.Context, evidence []store.Evidence) []Photo {
	if s.objects == nil {
		return nil
	}
	var photos []Photo
	for _, ev := range evidence {
		if len(photos) >= MaxPhotos {
			break
		}
		if !isImage(ev.MimeType) {
			continue
		}
		bucket, key := storage.SplitStoragePath(ev.StoragePath, s.evidenceBucket)
		data, err := s.objects.Get(ctx, bucket, key, maxPhotoBytes)
		if err != nil {
			s.logger.Warn().Err(err).Str("evidence_id", ev.ID).Msg("skip photo")
			continue
		}
		photos = append(photos, Photo{
			EvidenceID: ev.ID,
			Name:       ev.FileName,
			Caption:    ev.Caption,
			Src:        template.URL("data:" + ev.MimeType + ";base64," + base64.StdEncoding.EncodeToString(data)),
		})
	}
	return photos
}

func isImage(mime string) bool {
	return strings.HasPrefix(strings.ToLower(mime), "image/")
}

// RenderJobReport renders the single-document job PDF.
func (s *Service) RenderJobReport(ctx context.Context, report JobReport) (*Result, error) {
	html, err := renderHTML("job_report.html", newJobReportView(report))
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.RenderPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     data,
		Filename: reportFilename(report),
		MimeType: MimePDF,
		SHA256:   hashHex(data),
	}, nil
}

// BuildProofPack renders the four pack PDFs, hashes each, and zips them with
// a manifest. The pack hash covers the zip bytes.
func (s *Service) BuildProofPack(ctx context.Context, in ProofPackInput) (*ProofPack, error) {
	report := in.Report
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now().UTC()
	}
	packID := in.PackID
	if packID == "" {
		packID = util.NewID("pack")
	}
	generatedBy := in.GeneratedBy
	if generatedBy == "" {
		generatedBy = report.GeneratedBy
	}

	header := newHeader(report)
	pages := []struct {
		name     string
		template string
		data     any
	}{
		{"controls.pdf", "controls.html", controlsView{Header: header, Controls: controlRows(report)}},
		{"attestations.pdf", "attestations.html", attestationsView{Header: header, Signoffs: report.Signoffs}},
		{"job_report.pdf", "job_report.html", newJobReportView(report)},
	}

	var (
		files    []ManifestFile
		contents = map[string][]byte{}
	)
	for _, p := range pages {
		data, err := s.renderPage(ctx, p.template, p.data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		files = append(files, manifestFile(p.name, data))
		contents[p.name] = data
	}

	evidence := manifestEvidence(report.Evidence)
	index, err := s.renderPage(ctx, "evidence_index.html", evidenceIndexView{Header: header, Files: files, Evidence: evidence})
	if err != nil {
		return nil, fmt.Errorf("evidence_index.pdf: %w", err)
	}
	files = append(files, manifestFile("evidence_index.pdf", index))
	contents["evidence_index.pdf"] = index

	manifest := Manifest{
		PackID:         packID,
		JobID:          report.Job.ID,
		OrganizationID: report.Job.OrganizationID,
		Generator:      Generator,
		GeneratedBy:    generatedBy,
		GeneratedAt:    report.GeneratedAt,
		Files:          files,
		Evidence:       evidence,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		if err := addZipEntry(zw, f.Name, contents[f.Name], report.GeneratedAt); err != nil {
			return nil, err
		}
	}
	if err := addZipEntry(zw, "manifest.json", manifestJSON, report.GeneratedAt); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}

	telemetry.GetMetrics().ProofPacksBuiltTotal.Add(ctx, 1)
	s.logger.Info().
		Str("pack_id", packID).
		Str("job_id", report.Job.ID).
		Int("files", len(files)).
		Int("bytes", buf.Len()).
		Msg("proof pack built")

	return &ProofPack{
		ID:       packID,
		Filename: fmt.Sprintf("proof-pack-%s-%s.zip", report.Job.ID, report.GeneratedAt.UTC().Format("20060102")),
		Data:     buf.Bytes(),
		SHA256:   hashHex(buf.Bytes()),
		Manifest: manifest,
	}, nil
}

func (s *Service) renderPage(ctx context.Context, name string, data any) ([]byte, error) {
	html, err := renderHTML(name, data)
	if err != nil {
		return nil, err
	}
	return s.renderer.RenderPDF(ctx, html)
}

func addZipEntry(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}

func manifestFile(name string, data []byte) ManifestFile {
	return ManifestFile{Name: name, SHA256: hashHex(data), Bytes: int64(len(data)), ContentType: MimePDF}
}

func manifestEvidence(evidence []store.Evidence) []ManifestEvidence {
	out := make([]ManifestEvidence, 0, len(evidence))
	for _, ev := range evidence {
		out = append(out, ManifestEvidence{
			ID:       ev.ID,
			FileName: ev.FileName,
			SHA256:   ev.SHA256,
			Bytes:    ev.SizeBytes,
			MimeType: ev.MimeType,
		})
	}
	return out
}

func reportFilename(report JobReport) string {
	return fmt.Sprintf("%s-job-report-%s.pdf", sanitizeFilename(report.Job.ClientName), report.GeneratedAt.UTC().Format("20060102"))
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
