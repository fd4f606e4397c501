package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"formaos-export/internal/backoff"
	"formaos-export/internal/models"
	"formaos-export/internal/telemetry"
)

// Output is the generated artifact before it is persisted.
type Output struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Generator builds the artifact bytes for a job. Implementations report
// advisory progress (0-100) through the callback and classify failures with
// Permanent / Retryable wrappers.
type Generator interface {
	Generate(ctx context.Context, job models.ExportJob, progress func(int)) (Output, error)
}

// ArtifactStore persists artifact bytes and returns a locator.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// JobStore is the conditional-write surface of the job store. Every method
// that mutates returns false when the condition no longer holds, which the
// processor treats as "another claimant won" and discards its own result.
type JobStore interface {
	ClaimNextJob(ctx context.Context, workerID string) (models.ExportJob, bool, error)
	ClaimJob(ctx context.Context, id, workerID string) (models.ExportJob, bool, error)
	CompleteJob(ctx context.Context, id, workerID string, artifact models.Artifact) (bool, error)
	RetryJob(ctx context.Context, id, workerID string, nextRunAt time.Time, lastError string) (bool, error)
	FailJob(ctx context.Context, id, workerID string, lastError string) (bool, error)
	UpdateProgress(ctx context.Context, id, workerID string, progress int) error
	FailAbandonedJobs(ctx context.Context) (int64, error)
}

// Signals is the optional Redis wake channel.
type Signals interface {
	Pop(ctx context.Context) (string, error)
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)
	SignalAt(ctx context.Context, jobID string, runAt time.Time) error
	Depth(ctx context.Context) (int64, error)
}

// SlotReleaser frees a tenant's throttle slot when a job goes terminal.
type SlotReleaser interface {
	Release(ctx context.Context, tenantID string) error
}

// Options tune the processor loop.
type Options struct {
	WorkerID        string
	PollInterval    time.Duration
	GenerateTimeout time.Duration
	ArtifactTTL     time.Duration
	Backoff         backoff.Policy
}

// Processor is one uncoordinated claim worker. Correctness under contention
// comes entirely from the store's conditional writes; processors never talk
// to each other.
type Processor struct {
	store     JobStore
	generator Generator
	artifacts ArtifactStore
	signals   Signals
	releaser  SlotReleaser
	opts      Options
	logger    *slog.Logger
}

// New builds a processor. signals and releaser may be nil.
func New(store JobStore, gen Generator, artifacts ArtifactStore, signals Signals, releaser SlotReleaser, opts Options, logger *slog.Logger) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 5 * time.Minute
	}
	if opts.ArtifactTTL <= 0 {
		opts.ArtifactTTL = 24 * time.Hour
	}
	return &Processor{
		store:     store,
		generator: gen,
		artifacts: artifacts,
		signals:   signals,
		releaser:  releaser,
		opts:      opts,
		logger:    logger.With(slog.String("worker_id", opts.WorkerID)),
	}
}

// Run claims and processes jobs until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.signals != nil {
			_, _ = p.signals.PromoteDue(ctx, time.Now(), 100)
			if depth, err := p.signals.Depth(ctx); err == nil {
				telemetry.SignalDepthGauge.Set(float64(depth))
			}
		}

		p.sweepAbandoned(ctx)

		job, ok := p.claimOne(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		p.process(ctx, job)
	}
}

// sweepAbandoned fails stale-locked jobs with no attempts left. The claim
// predicate cannot pick those up, so the sweep is what keeps a worker crash
// on the final attempt from pinning the job in processing forever.
func (p *Processor) sweepAbandoned(ctx context.Context) {
	n, err := p.store.FailAbandonedJobs(ctx)
	if err != nil {
		p.logger.Error("fail abandoned jobs", slog.Any("error", err))
		return
	}
	if n > 0 {
		telemetry.ExportsFailed.Add(float64(n))
		p.logger.Warn("failed abandoned jobs", slog.Int64("count", n))
	}
}

// claimOne prefers a signalled job, then falls back to any due job (which is
// also how stale locks get swept back in).
func (p *Processor) claimOne(ctx context.Context) (models.ExportJob, bool) {
	if p.signals != nil {
		if id, err := p.signals.Pop(ctx); err == nil && id != "" {
			job, ok, err := p.store.ClaimJob(ctx, id, p.opts.WorkerID)
			if err != nil {
				p.logger.Error("claim signalled job", slog.String("job_id", id), slog.Any("error", err))
				return models.ExportJob{}, false
			}
			if ok {
				return job, true
			}
			// Another worker won, or the job is no longer claimable. The
			// abandoned claim has no side effects.
			telemetry.ClaimConflicts.Inc()
		}
	}

	job, ok, err := p.store.ClaimNextJob(ctx, p.opts.WorkerID)
	if err != nil {
		p.logger.Error("claim next job", slog.Any("error", err))
		return models.ExportJob{}, false
	}
	return job, ok
}

// process runs one claimed job to a terminal or retrying state. Every failure
// path records the error and releases the lock; nothing leaves a job stuck in
// processing with a live lock.
func (p *Processor) process(ctx context.Context, job models.ExportJob) {
	telemetry.ClaimsWon.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.AttemptCount),
	)
	log.Info("processing export job")

	genCtx, cancel := context.WithTimeout(ctx, p.opts.GenerateTimeout)
	defer cancel()

	progress := func(n int) {
		_ = p.store.UpdateProgress(ctx, job.ID, p.opts.WorkerID, n)
	}

	out, err := p.generator.Generate(genCtx, job, progress)
	if err == nil {
		ext := out.Extension
		if ext == "" {
			ext = "bin"
		}
		key := fmt.Sprintf("exports/%s/%s.%s", job.TenantID, job.ID, ext)
		locator, putErr := p.artifacts.Put(ctx, key, out.Data, out.ContentType)
		if putErr != nil {
			err = Retryable(fmt.Errorf("store artifact: %w", putErr))
		} else {
			p.complete(ctx, job, locator, int64(len(out.Data)), log)
			return
		}
	}

	p.resolveFailure(ctx, job, err, log)
}

func (p *Processor) complete(ctx context.Context, job models.ExportJob, locator string, size int64, log *slog.Logger) {
	art := models.Artifact{
		Locator:   locator,
		Size:      size,
		ExpiresAt: time.Now().UTC().Add(p.opts.ArtifactTTL),
	}
	applied, err := p.store.CompleteJob(ctx, job.ID, p.opts.WorkerID, art)
	if err != nil {
		log.Error("record completion", slog.Any("error", err))
		return
	}
	if !applied {
		// A duplicate claim (stale-lock reclaim race) already resolved the
		// job; this result is discarded and the first one stands.
		log.Warn("completion discarded, job already resolved")
		return
	}
	telemetry.ExportsCompleted.Inc()
	p.releaseSlot(ctx, job.TenantID)
	log.Info("export completed", slog.Int64("artifact_size", size))
}

func (p *Processor) resolveFailure(ctx context.Context, job models.ExportJob, cause error, log *slog.Logger) {
	msg := cause.Error()

	if retryable(cause) && job.AttemptCount < job.MaxAttempts {
		nextRun := time.Now().UTC().Add(p.opts.Backoff.Delay(job.AttemptCount))
		applied, err := p.store.RetryJob(ctx, job.ID, p.opts.WorkerID, nextRun, msg)
		if err != nil {
			log.Error("schedule retry", slog.Any("error", err))
			return
		}
		if !applied {
			log.Warn("retry discarded, job already resolved")
			return
		}
		if p.signals != nil {
			_ = p.signals.SignalAt(ctx, job.ID, nextRun)
		}
		telemetry.ExportsRetried.Inc()
		log.Warn("export failed, retry scheduled",
			slog.Time("next_run_at", nextRun),
			slog.String("error", msg),
		)
		return
	}

	applied, err := p.store.FailJob(ctx, job.ID, p.opts.WorkerID, msg)
	if err != nil {
		log.Error("record failure", slog.Any("error", err))
		return
	}
	if !applied {
		log.Warn("failure discarded, job already resolved")
		return
	}
	telemetry.ExportsFailed.Inc()
	p.releaseSlot(ctx, job.TenantID)
	log.Error("export failed terminally",
		slog.Int("attempts", job.AttemptCount),
		slog.String("error", msg),
	)
}

func (p *Processor) releaseSlot(ctx context.Context, tenantID string) {
	if p.releaser == nil {
		return
	}
	if err := p.releaser.Release(ctx, tenantID); err != nil {
		p.logger.Warn("release throttle slot", slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}
