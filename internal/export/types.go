// Package export renders job PDFs and assembles hashed proof packs.
package export

import (
	"errors"
	"html/template"
	"time"

	"riskmate/api/internal/store"
)

const (
	MimePDF  = "application/pdf"
	MimeZip  = "application/zip"
	MimeJSON = "application/json"
)

// JobReport is everything a job PDF shows.
type JobReport struct {
	Organization store.Organization
	Job          store.Job
	Hazards      []store.Hazard
	Mitigations  []store.Mitigation
	Signoffs     []store.Signoff
	Evidence     []store.Evidence
	// Photos holds inlined image evidence, at most MaxPhotos.
	Photos      []Photo
	GeneratedAt time.Time
	GeneratedBy string
}

// Photo is an image evidence item embedded as a data URL.
type Photo struct {
	EvidenceID string
	Name       string
	Caption    string
	Src        template.URL
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	SHA256   string
}

type ProofPackInput struct {
	PackID      string
	Report      JobReport
	GeneratedBy string
}

// ManifestFile describes one file in a proof pack.
type ManifestFile struct {
	Name        string `json:"name"`
	SHA256      string `json:"sha256"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type"`
}

// ManifestEvidence is an uploaded evidence file with its stored hash.
type ManifestEvidence struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	SHA256   string `json:"sha256"`
	Bytes    int64  `json:"bytes"`
	MimeType string `json:"mime_type"`
}

type Manifest struct {
	PackID         string             `json:"pack_id"`
	JobID          string             `json:"job_id"`
	OrganizationID string             `json:"organization_id"`
	Generator      string             `json:"generator"`
	GeneratedBy    string             `json:"generated_by,omitempty"`
	GeneratedAt    time.Time          `json:"generated_at"`
	Files          []ManifestFile     `json:"files"`
	Evidence       []ManifestEvidence `json:"evidence"`
}

// ProofPack is a zipped, hashed bundle of job PDFs plus manifest.json.
type ProofPack struct {
	ID       string
	Filename string
	Data     []byte
	SHA256   string
	Manifest Manifest
}

var (
	// ErrRendererUnavailable indicates no Chrome instance could be reached or started.
	ErrRendererUnavailable = errors.New("pdf renderer unavailable")
	// ErrRenderFailed indicates Chrome was reachable but printing failed.
	ErrRenderFailed = errors.New("pdf render failed")
)
