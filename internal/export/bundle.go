package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"time"
)

// Manifest is the index.json written into every bundle.
type Manifest struct {
	ExportID        string            `json:"export_id"`
	TenantID        string            `json:"tenant_id"`
	JobType         string            `json:"job_type"`
	Format          string            `json:"format"`
	FrameworkName   string            `json:"framework_name"`
	ComplianceScore int               `json:"compliance_score"`
	ExportedAt      time.Time         `json:"exported_at"`
	ExportedBy      string            `json:"exported_by"`
	Contents        map[string]string `json:"contents"`
	Statistics      Statistics        `json:"statistics"`
}

// Statistics summarizes the bundle for auditors skimming the manifest.
type Statistics struct {
	TotalControls     int `json:"total_controls"`
	SatisfiedControls int `json:"satisfied_controls"`
	TotalEvidence     int `json:"total_evidence"`
}

type zipEntry struct {
	name string
	data []byte
}

func buildZip(entries []zipEntry) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// summaryCSV renders the auditor-facing summary sheet.
func summaryCSV(m Manifest, controls []ControlSummary) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)

	rows := [][]string{
		{"Audit Export Summary"},
		{"Framework", m.FrameworkName},
		{"Export Date", m.ExportedAt.Format("2006-01-02")},
		{"Compliance Score", fmt.Sprintf("%d%%", m.ComplianceScore)},
		{},
		{"Total Controls", fmt.Sprintf("%d", m.Statistics.TotalControls)},
		{"Satisfied Controls", fmt.Sprintf("%d", m.Statistics.SatisfiedControls)},
		{"Total Evidence", fmt.Sprintf("%d", m.Statistics.TotalEvidence)},
		{},
		{"Control Code", "Title", "Status", "Risk Level"},
	}
	for _, c := range controls {
		rows = append(rows, []string{c.Code, c.Title, c.Status, c.RiskLevel})
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write summary csv: %w", err)
	}
	return buf.Bytes(), nil
}

func satisfiedCount(controls []ControlSummary) int {
	n := 0
	for _, c := range controls {
		if c.Status == "satisfied" {
			n++
		}
	}
	return n
}
