package models

import (
	"time"
)

// Export job lifecycle states persisted in Postgres.
// completed and failed are terminal; no mutation touches a terminal row.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Export kinds the submission endpoint accepts.
const (
	JobTypeSOC2           = "soc2"
	JobTypeISO27001       = "iso27001"
	JobTypeHIPAA          = "hipaa"
	JobTypeEvidencePack   = "evidence-pack"
	JobTypeEnterpriseFull = "enterprise-full"
)

// Output formats the submission endpoint accepts.
const (
	FormatPDF  = "pdf"
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatZIP  = "zip"
)

// ExportJob is a durable record of one request for a generated artifact.
type ExportJob struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	RequestedBy string `json:"requested_by"`
	JobType     string `json:"job_type"`
	Format      string `json:"format"`

	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	AttemptCount int     `json:"attempt_count"`
	MaxAttempts  int     `json:"max_attempts"`
	LastError    *string `json:"last_error,omitempty"`

	LockedBy  *string    `json:"locked_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// Artifact fields are populated if and only if Status == completed.
	ArtifactLocator   *string    `json:"artifact_locator,omitempty"`
	ArtifactSize      *int64     `json:"artifact_size,omitempty"`
	ArtifactExpiresAt *time.Time `json:"artifact_expires_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Artifact describes a stored export output.
type Artifact struct {
	Locator   string    `json:"locator"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Terminal reports whether the job reached a state that permits no further
// transitions.
func (j ExportJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// ArtifactExpired reports whether the stored artifact is past its expiry.
func (j ExportJob) ArtifactExpired(now time.Time) bool {
	return j.ArtifactExpiresAt != nil && now.After(*j.ArtifactExpiresAt)
}

// ValidJobType reports whether t is a known export kind.
func ValidJobType(t string) bool {
	switch t {
	case JobTypeSOC2, JobTypeISO27001, JobTypeHIPAA, JobTypeEvidencePack, JobTypeEnterpriseFull:
		return true
	}
	return false
}

// ValidFormat reports whether f is a known output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatPDF, FormatCSV, FormatJSON, FormatZIP:
		return true
	}
	return false
}
