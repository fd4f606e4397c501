package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"formaos-export/internal/models"
	"formaos-export/internal/worker"
)

// BundleGenerator is the reference worker.Generator: it pulls report content
// from the compliance service and renders it into the requested format.
// Richer renderings (branded PDF layout) plug in behind the same interface.
type BundleGenerator struct {
	source      Source
	thumbnailer *Thumbnailer
	logger      *slog.Logger
	now         func() time.Time
}

// NewBundleGenerator wires a generator. thumbnailer may be nil to skip
// evidence previews.
func NewBundleGenerator(source Source, thumbnailer *Thumbnailer, logger *slog.Logger) *BundleGenerator {
	return &BundleGenerator{
		source:      source,
		thumbnailer: thumbnailer,
		logger:      logger,
		now:         time.Now,
	}
}

// Generate builds the artifact for one job. Progress milestones follow the
// section-by-section assembly.
func (g *BundleGenerator) Generate(ctx context.Context, job models.ExportJob, progress func(int)) (worker.Output, error) {
	if !models.ValidJobType(job.JobType) {
		return worker.Output{}, worker.Permanent(fmt.Errorf("unknown job type %q", job.JobType))
	}
	if !models.ValidFormat(job.Format) {
		return worker.Output{}, worker.Permanent(fmt.Errorf("unknown format %q", job.Format))
	}

	progress(10)
	content, err := g.source.Fetch(ctx, job)
	if err != nil {
		return worker.Output{}, fmt.Errorf("fetch content: %w", err)
	}

	manifest := Manifest{
		ExportID:        job.ID,
		TenantID:        job.TenantID,
		JobType:         job.JobType,
		Format:          job.Format,
		FrameworkName:   content.FrameworkName,
		ComplianceScore: content.ComplianceScore,
		ExportedAt:      g.now().UTC(),
		ExportedBy:      job.RequestedBy,
		Statistics: Statistics{
			TotalControls:     len(content.Controls),
			SatisfiedControls: satisfiedCount(content.Controls),
			TotalEvidence:     len(content.Evidence),
		},
	}

	switch job.Format {
	case models.FormatJSON:
		progress(60)
		return g.renderJSON(manifest, content)
	case models.FormatCSV:
		progress(60)
		return g.renderCSV(manifest, content)
	default:
		// pdf and zip both ship the full bundle; PDF page layout is the
		// rendering collaborator's job, not ours.
		return g.renderBundle(ctx, job, manifest, content, progress)
	}
}

func (g *BundleGenerator) renderJSON(manifest Manifest, content Content) (worker.Output, error) {
	doc := struct {
		Manifest Manifest `json:"manifest"`
		Content  Content  `json:"content"`
	}{manifest, content}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return worker.Output{}, worker.Permanent(fmt.Errorf("marshal export document: %w", err))
	}
	return worker.Output{Data: data, ContentType: "application/json", Extension: "json"}, nil
}

func (g *BundleGenerator) renderCSV(manifest Manifest, content Content) (worker.Output, error) {
	manifest.Contents = map[string]string{"summary": "summary.csv"}
	data, err := summaryCSV(manifest, content.Controls)
	if err != nil {
		return worker.Output{}, worker.Permanent(err)
	}
	return worker.Output{Data: data, ContentType: "text/csv", Extension: "csv"}, nil
}

func (g *BundleGenerator) renderBundle(ctx context.Context, job models.ExportJob, manifest Manifest, content Content, progress func(int)) (worker.Output, error) {
	manifest.Contents = map[string]string{
		"manifest":      "index.json",
		"controls":      "controls.json",
		"evidence":      "evidence.json",
		"tasks":         "tasks.json",
		"policies":      "policies.json",
		"score_history": "score-history.json",
		"summary":       "summary.csv",
		"thumbnails":    "evidence/thumbs/",
	}

	progress(30)
	entries := make([]zipEntry, 0, 8)
	sections := []struct {
		name string
		v    any
	}{
		{"controls.json", content.Controls},
		{"evidence.json", content.Evidence},
		{"tasks.json", rawOrEmpty(content.Tasks)},
		{"policies.json", rawOrEmpty(content.Policies)},
		{"score-history.json", rawOrEmpty(content.ScoreHistory)},
	}
	for _, s := range sections {
		data, err := json.MarshalIndent(s.v, "", "  ")
		if err != nil {
			return worker.Output{}, worker.Permanent(fmt.Errorf("marshal %s: %w", s.name, err))
		}
		entries = append(entries, zipEntry{name: s.name, data: data})
	}

	progress(60)
	entries = append(entries, g.thumbnailEntries(ctx, job, content.Evidence)...)

	progress(80)
	csvData, err := summaryCSV(manifest, content.Controls)
	if err != nil {
		return worker.Output{}, worker.Permanent(err)
	}
	entries = append(entries, zipEntry{name: "summary.csv", data: csvData})

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return worker.Output{}, worker.Permanent(fmt.Errorf("marshal manifest: %w", err))
	}
	entries = append(entries, zipEntry{name: "index.json", data: manifestData})

	progress(90)
	data, err := buildZip(entries)
	if err != nil {
		return worker.Output{}, worker.Permanent(err)
	}
	return worker.Output{Data: data, ContentType: "application/zip", Extension: "zip"}, nil
}

// thumbnailEntries is best effort: a broken attachment never fails an export.
func (g *BundleGenerator) thumbnailEntries(ctx context.Context, job models.ExportJob, evidence []EvidenceItem) []zipEntry {
	if g.thumbnailer == nil {
		return nil
	}
	var entries []zipEntry
	for _, item := range evidence {
		if item.FileURL == "" {
			continue
		}
		thumb, err := g.thumbnailer.Thumbnail(ctx, item.FileURL)
		if err != nil {
			g.logger.Debug("skip evidence thumbnail",
				slog.String("job_id", job.ID),
				slog.String("evidence_id", item.ID),
				slog.Any("error", err),
			)
			continue
		}
		entries = append(entries, zipEntry{
			name: fmt.Sprintf("evidence/thumbs/%s.jpg", item.ID),
			data: thumb,
		})
	}
	return entries
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}
