package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
	"unicode/utf8"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.New("pages").Funcs(template.FuncMap{
	"truncate":   truncate,
	"riskColor":  riskColor,
	"formatDate": formatDate,
	"percent":    percent,
	"upper":      strings.ToUpper,
}).ParseFS(templateFS, "templates/*.html"))

const (
	photosPerRow  = 3
	photosPerPage = 9
	// MaxPhotos caps inlined images per report.
	MaxPhotos = 24
)

const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

func renderHTML(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// truncate shortens s to at most max runes, ending in an ellipsis.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:max-1]), " ") + "…"
}

// RiskLevel buckets a 0-100 risk score.
func RiskLevel(score int) string {
	switch {
	case score >= 90:
		return RiskCritical
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

func riskColor(level string) string {
	switch strings.ToLower(level) {
	case RiskLow:
		return "#22C55E"
	case RiskMedium:
		return "#FACC15"
	case RiskHigh:
		return "#F97316"
	case RiskCritical:
		return "#EF4444"
	default:
		return "#9CA3AF"
	}
}

// formatDate accepts time.Time or *time.Time; nil and zero print as a dash.
func formatDate(v any) string {
	var t time.Time
	switch val := v.(type) {
	case time.Time:
		t = val
	case *time.Time:
		if val != nil {
			t = *val
		}
	}
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("Jan 2, 2006")
}

func percent(part, total int) string {
	if total <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%d%%", (part*100+total/2)/total)
}

// chunkPhotos lays photos out as pages of rows, three per row and nine per page.
func chunkPhotos(photos []Photo) [][][]Photo {
	if len(photos) > MaxPhotos {
		photos = photos[:MaxPhotos]
	}
	var pages [][][]Photo
	for start := 0; start < len(photos); start += photosPerPage {
		end := min(start+photosPerPage, len(photos))
		var rows [][]Photo
		for r := start; r < end; r += photosPerRow {
			rows = append(rows, photos[r:min(r+photosPerRow, end)])
		}
		pages = append(pages, rows)
	}
	return pages
}
