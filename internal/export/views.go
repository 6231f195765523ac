package export

import (
	"strconv"
	"time"

	"riskmate/api/internal/store"
)

type reportHeader struct {
	OrganizationName string
	JobID            string
	ClientName       string
	JobType          string
	Location         string
	StartDate        *time.Time
	EndDate          *time.Time
	GeneratedAt      time.Time
	GeneratedBy      string
}

func newHeader(r JobReport) reportHeader {
	return reportHeader{
		OrganizationName: r.Organization.Name,
		JobID:            r.Job.ID,
		ClientName:       r.Job.ClientName,
		JobType:          r.Job.JobType,
		Location:         r.Job.Location,
		StartDate:        r.Job.StartDate,
		EndDate:          r.Job.EndDate,
		GeneratedAt:      r.GeneratedAt,
		GeneratedBy:      r.GeneratedBy,
	}
}

type jobReportView struct {
	Header           reportHeader
	Description      string
	RiskScore        string
	RiskLevel        string
	Hazards          []store.Hazard
	Mitigations      []store.Mitigation
	MitigationsDone  int
	MitigationsTotal int
	Signoffs         []store.Signoff
	EvidenceCount    int
	PhotoPages       [][][]Photo
	// Documents lists evidence that is not shown in the photo grid.
	Documents []store.Evidence
}

func newJobReportView(r JobReport) jobReportView {
	v := jobReportView{
		Header:           newHeader(r),
		Description:      r.Job.Description,
		RiskScore:        "-",
		RiskLevel:        r.Job.RiskLevel,
		Hazards:          r.Hazards,
		Mitigations:      r.Mitigations,
		MitigationsTotal: len(r.Mitigations),
		Signoffs:         r.Signoffs,
		EvidenceCount:    len(r.Evidence),
		PhotoPages:       chunkPhotos(r.Photos),
	}
	if r.Job.RiskScore != nil {
		v.RiskScore = strconv.Itoa(*r.Job.RiskScore)
		v.RiskLevel = RiskLevel(*r.Job.RiskScore)
	}
	if v.RiskLevel == "" {
		v.RiskLevel = "unscored"
	}
	for _, m := range r.Mitigations {
		if m.Done {
			v.MitigationsDone++
		}
	}

	shown := map[string]bool{}
	for _, p := range r.Photos[:min(len(r.Photos), MaxPhotos)] {
		shown[p.EvidenceID] = true
	}
	for _, ev := range r.Evidence {
		if isImage(ev.MimeType) && shown[ev.ID] {
			continue
		}
		v.Documents = append(v.Documents, ev)
	}
	return v
}

type controlRow struct {
	Title       string
	Hazard      string
	Owner       string
	Status      string
	CompletedAt *time.Time
	CompletedBy string
}

type controlsView struct {
	Header   reportHeader
	Controls []controlRow
}

func controlRows(r JobReport) []controlRow {
	hazards := make(map[string]string, len(r.Hazards))
	for _, h := range r.Hazards {
		hazards[h.ID] = h.Name
	}
	rows := make([]controlRow, 0, len(r.Mitigations))
	for _, m := range r.Mitigations {
		status := "open"
		if m.Done {
			status = "complete"
		}
		rows = append(rows, controlRow{
			Title:       m.Title,
			Hazard:      hazards[m.HazardID],
			Owner:       m.Owner,
			Status:      status,
			CompletedAt: m.CompletedAt,
			CompletedBy: m.CompletedBy,
		})
	}
	return rows
}

type attestationsView struct {
	Header   reportHeader
	Signoffs []store.Signoff
}

type evidenceIndexView struct {
	Header   reportHeader
	Files    []ManifestFile
	Evidence []ManifestEvidence
}
