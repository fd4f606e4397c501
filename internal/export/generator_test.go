package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"formaos-export/internal/models"
	"formaos-export/internal/worker"
)

func testJob(format string) models.ExportJob {
	return models.ExportJob{
		ID:          "job-1",
		TenantID:    "org-1",
		RequestedBy: "user-1",
		JobType:     models.JobTypeSOC2,
		Format:      format,
		Status:      models.StatusProcessing,
	}
}

func servePNG(t *testing.T) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serveContent(t *testing.T, content Content) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/export-content", r.URL.Path)
		require.Equal(t, "org-1", r.URL.Query().Get("tenant_id"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testContent(evidenceURL string) Content {
	return Content{
		FrameworkName:   "SOC 2",
		ComplianceScore: 87,
		Controls: []ControlSummary{
			{Code: "CC1.1", Title: "Control environment", Status: "satisfied", RiskLevel: "high"},
			{Code: "CC2.1", Title: "Communication", Status: "unsatisfied", RiskLevel: "medium"},
		},
		Evidence: []EvidenceItem{
			{ID: "ev-1", Title: "Screenshot", Type: "screenshot", Status: "verified", FileURL: evidenceURL},
		},
		Tasks: json.RawMessage(`[{"id":"t1","status":"done"}]`),
	}
}

func newGenerator(t *testing.T, contentSrv *httptest.Server) *BundleGenerator {
	t.Helper()
	source := NewHTTPSource(contentSrv.URL, 2*time.Second)
	return NewBundleGenerator(source, NewThumbnailer(2*time.Second), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGenerateZipBundle(t *testing.T) {
	imgSrv := servePNG(t)
	contentSrv := serveContent(t, testContent(imgSrv.URL))
	gen := newGenerator(t, contentSrv)

	var milestones []int
	out, err := gen.Generate(context.Background(), testJob(models.FormatZIP), func(n int) {
		milestones = append(milestones, n)
	})
	require.NoError(t, err)
	require.Equal(t, "application/zip", out.ContentType)
	require.Equal(t, "zip", out.Extension)

	// Progress milestones only ever increase.
	for i := 1; i < len(milestones); i++ {
		require.Greater(t, milestones[i], milestones[i-1])
	}

	zr, err := zip.NewReader(bytes.NewReader(out.Data), int64(len(out.Data)))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{
		"index.json", "controls.json", "evidence.json", "tasks.json",
		"policies.json", "score-history.json", "summary.csv",
		"evidence/thumbs/ev-1.jpg",
	} {
		require.True(t, names[want], "missing %s", want)
	}

	rc, err := zr.Open("index.json")
	require.NoError(t, err)
	defer rc.Close()
	var manifest Manifest
	require.NoError(t, json.NewDecoder(rc).Decode(&manifest))
	require.Equal(t, "job-1", manifest.ExportID)
	require.Equal(t, "SOC 2", manifest.FrameworkName)
	require.Equal(t, 2, manifest.Statistics.TotalControls)
	require.Equal(t, 1, manifest.Statistics.SatisfiedControls)
}

func TestGenerateJSON(t *testing.T) {
	contentSrv := serveContent(t, testContent(""))
	gen := newGenerator(t, contentSrv)

	out, err := gen.Generate(context.Background(), testJob(models.FormatJSON), func(int) {})
	require.NoError(t, err)
	require.Equal(t, "application/json", out.ContentType)

	var doc struct {
		Manifest Manifest `json:"manifest"`
		Content  Content  `json:"content"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &doc))
	require.Equal(t, 87, doc.Content.ComplianceScore)
}

func TestGenerateCSV(t *testing.T) {
	contentSrv := serveContent(t, testContent(""))
	gen := newGenerator(t, contentSrv)

	out, err := gen.Generate(context.Background(), testJob(models.FormatCSV), func(int) {})
	require.NoError(t, err)
	require.Equal(t, "text/csv", out.ContentType)
	require.Contains(t, string(out.Data), "CC1.1")
}

func TestGenerateUnknownTypeIsPermanent(t *testing.T) {
	contentSrv := serveContent(t, testContent(""))
	gen := newGenerator(t, contentSrv)

	job := testJob(models.FormatZIP)
	job.JobType = "not-a-framework"
	_, err := gen.Generate(context.Background(), job, func(int) {})
	require.Error(t, err)
	var perm *worker.PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestSourceServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	gen := newGenerator(t, srv)

	_, err := gen.Generate(context.Background(), testJob(models.FormatZIP), func(int) {})
	require.Error(t, err)
	var perm *worker.PermanentError
	require.False(t, errors.As(err, &perm))
	var retry *worker.RetryableError
	require.ErrorAs(t, err, &retry)
}

func TestSourceClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such tenant", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	gen := newGenerator(t, srv)

	_, err := gen.Generate(context.Background(), testJob(models.FormatZIP), func(int) {})
	require.Error(t, err)
	var perm *worker.PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestBrokenThumbnailDoesNotFailExport(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>not an image</html>"))
	}))
	t.Cleanup(badSrv.Close)
	contentSrv := serveContent(t, testContent(badSrv.URL))
	gen := newGenerator(t, contentSrv)

	out, err := gen.Generate(context.Background(), testJob(models.FormatZIP), func(int) {})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(out.Data), int64(len(out.Data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		require.NotContains(t, f.Name, "thumbs/")
	}
}
