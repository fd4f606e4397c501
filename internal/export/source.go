package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"formaos-export/internal/models"
	"formaos-export/internal/worker"
)

// ControlSummary is one framework control with its evaluated status.
type ControlSummary struct {
	Code      string `json:"code"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	RiskLevel string `json:"risk_level"`
}

// EvidenceItem is one piece of uploaded evidence; FileURL may point at an
// image attachment worth thumbnailing into the bundle.
type EvidenceItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	FileURL string `json:"file_url,omitempty"`
}

// Content is everything the compliance service supplies for one export.
type Content struct {
	FrameworkName   string           `json:"framework_name"`
	ComplianceScore int              `json:"compliance_score"`
	Controls        []ControlSummary `json:"controls"`
	Evidence        []EvidenceItem   `json:"evidence"`
	Tasks           json.RawMessage  `json:"tasks"`
	Policies        json.RawMessage  `json:"policies"`
	ScoreHistory    json.RawMessage  `json:"score_history"`
}

// Source supplies report content. The compliance-scoring side of the product
// sits behind this boundary.
type Source interface {
	Fetch(ctx context.Context, job models.ExportJob) (Content, error)
}

// HTTPSource fetches content from the compliance service's internal endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a source against baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the content for a job's tenant and type. 4xx responses mean
// the request itself can never succeed and are permanent; 5xx and transport
// errors are transient.
func (s *HTTPSource) Fetch(ctx context.Context, job models.ExportJob) (Content, error) {
	u := fmt.Sprintf("%s/internal/export-content?tenant_id=%s&job_type=%s",
		s.baseURL, url.QueryEscape(job.TenantID), url.QueryEscape(job.JobType))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Content{}, worker.Permanent(fmt.Errorf("build content request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Content{}, worker.Retryable(fmt.Errorf("fetch export content: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return Content{}, worker.Retryable(fmt.Errorf("content service returned %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return Content{}, worker.Permanent(fmt.Errorf("content service rejected request: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Content{}, worker.Retryable(fmt.Errorf("read content body: %w", err))
	}
	var content Content
	if err := json.Unmarshal(body, &content); err != nil {
		return Content{}, worker.Permanent(fmt.Errorf("decode content: %w", err))
	}
	return content, nil
}
