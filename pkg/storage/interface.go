package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// PageStore holds the last-known page records of every tenant
type PageStore interface {
	// LoadFingerprints returns url -> fingerprint for every stored page of the tenant
	LoadFingerprints(ctx context.Context, tenantID string) (map[string]string, error)

	// UpsertPages writes all observations in one transaction. Existing rows
	// keep first_seen_at; fingerprint, title, depth and last_seen_at are replaced.
	UpsertPages(ctx context.Context, tenantID string, observations []models.PageObservation, now time.Time) error

	// GetPage returns the stored record, or ok=false if the URL was never seen
	GetPage(ctx context.Context, tenantID, pageURL string) (page *models.Page, ok bool, err error)

	// ListPages returns every stored page of the tenant ordered by URL
	ListPages(ctx context.Context, tenantID string) ([]models.Page, error)
}

// JobLog records the lifecycle of crawl jobs
type JobLog interface {
	// CreateJob stores a new job in pending state
	CreateJob(ctx context.Context, job *models.CrawlJob) error

	// MarkRunning moves a pending job to running
	MarkRunning(ctx context.Context, jobID string) error

	// FinishJob writes the terminal outcome. It fails with ErrJobFinalized if
	// the job already reached a terminal state.
	FinishJob(ctx context.Context, jobID string, outcome models.JobOutcome) (*models.CrawlJob, error)

	// GetJob fails with ErrJobNotFound for unknown ids
	GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error)

	// ListJobs returns the newest jobs first. An empty tenantID lists all tenants.
	ListJobs(ctx context.Context, tenantID string, limit int) ([]models.CrawlJob, error)

	Close() error
}

// LinkStore keeps the internal link graph observed by one crawl
type LinkStore interface {
	SaveLinks(ctx context.Context, tenantID, jobID string, links []models.InternalLink) error
	ListLinks(ctx context.Context, tenantID, jobID string) ([]models.InternalLink, error)
}

// Store combines all store interfaces for components that need full access
type Store interface {
	PageStore
	JobLog
	LinkStore
}

// advance validates a status change and applies it to job
func advance(job *models.CrawlJob, next models.JobStatus) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", utils.ErrJobFinalized, job.ID, job.Status)
	}
	if !job.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: job %s cannot move from %s to %s", utils.ErrJobFinalized, job.ID, job.Status, next)
	}
	job.Status = next
	return nil
}

// finish applies a terminal outcome to job after validating the transition
func finish(job *models.CrawlJob, outcome models.JobOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("outcome status %s is not terminal", outcome.Status)
	}
	if err := advance(job, outcome.Status); err != nil {
		return err
	}
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now().UTC()
	}
	outcome.Apply(job)
	return nil
}

// dedupeObservations keeps the last observation of each URL, preserving the
// order of first appearance.
func dedupeObservations(observations []models.PageObservation) []models.PageObservation {
	index := make(map[string]int, len(observations))
	out := make([]models.PageObservation, 0, len(observations))
	for _, obs := range observations {
		if i, seen := index[obs.URL]; seen {
			out[i] = obs
			continue
		}
		index[obs.URL] = len(out)
		out = append(out, obs)
	}
	return out
}

func newPendingJob(job *models.CrawlJob) error {
	if job.ID == "" || job.TenantID == "" {
		return fmt.Errorf("%w: job id and tenant id are required", utils.ErrInvalidTenant)
	}
	if job.Status != models.JobStatusUnset && job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: new job %s must be pending, got %s", utils.ErrJobFinalized, job.ID, job.Status)
	}
	job.Status = models.JobStatusPending
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	return nil
}
