package app

import (
	"net/http"
)

// handleJobs serves /api/jobs/{id}/...
func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) != 2 || rest[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	jobID := rest[0]

	switch rest[1] {
	case "report":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		result, err := s.service.JobReport(r.Context(), session, jobID)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeFile(w, result.Data, result.Filename, result.MimeType, result.SHA256)

	case "proof-pack":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		result, err := s.service.GenerateProofPack(r.Context(), session, jobID)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		payload := proofPackJSON(result.Pack)
		payload["download_url"] = result.URL
		payload["manifest"] = result.Manifest
		writeJSON(w, http.StatusCreated, payload)

	case "proof-packs":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		packs, err := s.service.ListProofPacks(r.Context(), session, jobID)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(packs))
		for _, p := range packs {
			items = append(items, proofPackJSON(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
