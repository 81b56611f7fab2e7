package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/noname-app/site-crawler/pkg/audit"
	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/crawler"
	"github.com/noname-app/site-crawler/pkg/detect"
	"github.com/noname-app/site-crawler/pkg/fetch"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/parse"
	"github.com/noname-app/site-crawler/pkg/process"
	"github.com/noname-app/site-crawler/pkg/storage"
	"github.com/noname-app/site-crawler/pkg/utils"
)

const dispatchTimeout = 30 * time.Second

// Orchestrator runs one crawl job end to end: job log, frontier, change
// detection and the audit handoff.
type Orchestrator struct {
	cfg        *config.AppConfig
	factory    fetch.SessionFactory
	store      storage.Store
	detector   *detect.Detector
	dispatcher audit.Dispatcher
	excludes   []*regexp.Regexp
	log        *logrus.Entry

	newJobID func() string
	now      func() time.Time

	handoffs sync.WaitGroup
}

// New creates an Orchestrator. cfg must be validated.
func New(cfg *config.AppConfig, factory fetch.SessionFactory, store storage.Store, dispatcher audit.Dispatcher, log *logrus.Entry) (*Orchestrator, error) {
	excludes, err := utils.CompileRegexPatterns(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude_patterns: %w", err)
	}
	if dispatcher == nil {
		dispatcher = audit.NoopDispatcher{}
	}
	return &Orchestrator{
		cfg:        cfg,
		factory:    factory,
		store:      store,
		detector:   detect.NewDetector(store, log),
		dispatcher: dispatcher,
		excludes:   excludes,
		log:        log.WithField("component", "orchestrator"),
		newJobID:   uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// ValidateInput checks a crawl request without side effects and returns the
// trimmed tenant id and the site root.
func ValidateInput(tenantID, website string) (string, *url.URL, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", nil, fmt.Errorf("%w: tenant id is required", utils.ErrInvalidTenant)
	}
	root, err := parse.SiteRoot(website)
	if err != nil {
		return "", nil, err
	}
	return tenantID, root, nil
}

// Crawl validates the input, then crawls the website as tenantID. Only
// invalid input (ErrInvalidTenant, ErrInvalidWebsite) or a job log that
// cannot record the job is returned as an error; every later failure is
// recorded on the returned job with status failed.
func (o *Orchestrator) Crawl(ctx context.Context, tenantID, website string) (*models.CrawlJob, error) {
	return o.CrawlWithID(ctx, "", tenantID, website)
}

// CrawlWithID is Crawl with a caller-assigned job id. An empty jobID gets a new one.
func (o *Orchestrator) CrawlWithID(ctx context.Context, jobID, tenantID, website string) (*models.CrawlJob, error) {
	tenantID, root, err := ValidateInput(tenantID, website)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		jobID = o.newJobID()
	}

	job := &models.CrawlJob{
		ID:         jobID,
		TenantID:   tenantID,
		WebsiteURL: root.String(),
		StartedAt:  o.now(),
	}
	jobLog := o.log.WithFields(logrus.Fields{"tenant_id": tenantID, "job_id": job.ID, "website": job.WebsiteURL})

	if err := o.store.CreateJob(ctx, job); err != nil {
		jobLog.Errorf("Cannot record crawl job: %v", err)
		return nil, err
	}

	var (
		outcome models.JobOutcome
		changed []string
	)
	if err := o.store.MarkRunning(ctx, job.ID); err != nil {
		outcome = o.failed(models.JobOutcome{}, fmt.Errorf("marking job running: %w", err))
	} else {
		job.Status = models.JobStatusRunning
		jobLog.Info("Crawl started")
		outcome, changed = o.run(ctx, root, job, jobLog)
	}

	// The job must reach a terminal state even if ctx was cancelled
	finalCtx := context.WithoutCancel(ctx)
	finished, err := o.store.FinishJob(finalCtx, job.ID, outcome)
	if err != nil {
		jobLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Cannot finalize crawl job: %v", err)
		outcome.Apply(job)
		finished = job
	}

	jobLog = jobLog.WithFields(logrus.Fields{
		"status":        finished.Status,
		"pages_visited": finished.PagesVisited,
		"pages_failed":  finished.PagesFailed,
		"changed":       finished.ChangedCount,
		"max_depth":     finished.MaxDepth,
		"duration":      finished.Duration(),
	})
	if finished.Status != models.JobStatusSuccess {
		jobLog.WithField("error_type", finished.ErrorType).Errorf("Crawl failed: %s", finished.Error)
		return finished, nil
	}
	jobLog.Info("Crawl finished")

	if len(changed) == 0 {
		jobLog.Info("No new or updated pages, skipping audit handoff")
		return finished, nil
	}
	o.handoff(finalCtx, models.AuditRequest{
		TenantID:    tenantID,
		JobID:       job.ID,
		ChangedURLs: changed,
		RequestedAt: o.now(),
	}, jobLog)
	return finished, nil
}

// run executes the crawl and change detection. It never panics.
func (o *Orchestrator) run(ctx context.Context, root *url.URL, job *models.CrawlJob, jobLog *logrus.Entry) (outcome models.JobOutcome, changed []string) {
	defer func() {
		if r := recover(); r != nil {
			jobLog.Errorf("PANIC during crawl: %v\n%s", r, debug.Stack())
			outcome = o.failed(outcome, fmt.Errorf("panic: %v", r))
			changed = nil
		}
	}()

	crawlCtx := ctx
	if o.cfg.CrawlTimeout > 0 {
		var cancel context.CancelFunc
		crawlCtx, cancel = context.WithTimeout(ctx, o.cfg.CrawlTimeout)
		defer cancel()
	}

	fetcher := fetch.NewFetcher(fetch.OptionsFromConfig(o.cfg), fetch.NewPacer(o.cfg.MaxRequestsPerSecond, jobLog), jobLog)
	pool := crawler.NewPool(crawlCtx, o.factory, fetcher, o.cfg.MaxConcurrentRequests, jobLog)
	defer func() {
		if err := pool.Close(); err != nil {
			jobLog.Warnf("Closing worker pool: %v", err)
		}
	}()

	extractor := process.NewLinkExtractor(root, process.Resolution(o.cfg.LinkResolution), !o.cfg.StripQuery(), jobLog)
	frontier := crawler.NewFrontier(pool, extractor, crawler.FrontierOptions{
		ExcludePatterns: o.excludes,
		ExcludePages:    o.cfg.ExcludePages,
		MaxPages:        o.cfg.MaxPages,
		CollectLinks:    o.cfg.SaveLinks,
	}, jobLog)

	result, err := frontier.Crawl(crawlCtx, root.String())
	outcome = models.JobOutcome{
		PagesVisited: result.Visited(),
		PagesFailed:  len(result.Failed),
		MaxDepth:     result.Depths,
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("crawl_timeout (%v) exceeded: %w", o.cfg.CrawlTimeout, err)
		}
		// Depths is only set on a clean finish
		outcome.MaxDepth = max(len(result.VisitedPerDepth)-1, 0)
		return o.failed(outcome, err), nil
	}
	if len(result.Pages) == 0 {
		return o.failed(outcome, fmt.Errorf("%w: site root %s could not be fetched", utils.ErrFetchFailed, root)), nil
	}

	changes, err := o.detector.Apply(ctx, job.TenantID, result.Pages, o.now())
	if err != nil {
		return o.failed(outcome, fmt.Errorf("change detection: %w", err)), nil
	}

	if o.cfg.SaveLinks {
		if err := o.store.SaveLinks(ctx, job.TenantID, job.ID, result.Links); err != nil {
			jobLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Link graph not saved: %v", err)
		}
	}

	changed = changes.Changed()
	outcome.Status = models.JobStatusSuccess
	outcome.FinishedAt = o.now()
	outcome.ChangedCount = len(changed)
	return outcome, changed
}

func (o *Orchestrator) failed(outcome models.JobOutcome, err error) models.JobOutcome {
	outcome.Status = models.JobStatusFailed
	outcome.FinishedAt = o.now()
	outcome.Error = err.Error()
	outcome.ErrorType = utils.CategorizeError(err)
	outcome.ChangedCount = 0
	return outcome
}

// handoff dispatches req in the background; Wait blocks until it is done
func (o *Orchestrator) handoff(ctx context.Context, req models.AuditRequest, jobLog *logrus.Entry) {
	o.handoffs.Add(1)
	go func() {
		defer o.handoffs.Done()
		dispatchCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		defer cancel()
		if err := o.dispatcher.Dispatch(dispatchCtx, req); err != nil {
			jobLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Audit handoff failed: %v", err)
			return
		}
		jobLog.Debugf("Audit handoff delivered (%d URL(s))", len(req.ChangedURLs))
	}()
}

// Wait blocks until every audit handoff started so far has finished
func (o *Orchestrator) Wait() {
	o.handoffs.Wait()
}

// TenantResult is the outcome of one tenant in CrawlAll
type TenantResult struct {
	TenantID string
	Job      *models.CrawlJob
	Err      error // Input or job-log error; crawl failures are on Job
	Duration time.Duration
}

// Success reports whether the tenant's crawl completed
func (r TenantResult) Success() bool {
	return r.Err == nil && r.Job != nil && r.Job.Status == models.JobStatusSuccess
}

// CrawlAll crawls every tenant, at most max_parallel_tenants at a time, and
// logs a summary. Results are in input order.
func (o *Orchestrator) CrawlAll(ctx context.Context, tenants []config.TenantConfig) []TenantResult {
	start := time.Now()
	ids := make([]string, len(tenants))
	for i, t := range tenants {
		ids[i] = t.ID
	}
	o.log.Infof("Starting crawl of %d tenant(s): %v", len(tenants), ids)

	results := make([]TenantResult, len(tenants))
	var g errgroup.Group
	g.SetLimit(max(o.cfg.MaxParallelTenants, 1))
	for i, tenant := range tenants {
		g.Go(func() error {
			tenantStart := time.Now()
			job, err := o.Crawl(ctx, tenant.ID, tenant.Website)
			results[i] = TenantResult{TenantID: tenant.ID, Job: job, Err: err, Duration: time.Since(tenantStart)}
			return nil
		})
	}
	_ = g.Wait()

	o.logSummary(results, time.Since(start))
	return results
}

// logSummary logs a summary of all tenant results
func (o *Orchestrator) logSummary(results []TenantResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Crawl of all tenants completed in %v", totalDuration)
	o.log.Info("Tenant Results:")

	var totalPages, totalChanged, successCount, failCount int
	for _, r := range results {
		status := "SUCCESS"
		if r.Success() {
			successCount++
		} else {
			status = "FAILED"
			failCount++
		}
		visited, changed := 0, 0
		if r.Job != nil {
			visited, changed = r.Job.PagesVisited, r.Job.ChangedCount
		}
		totalPages += visited
		totalChanged += changed

		o.log.Infof("  %s: %s - %d pages, %d changed in %v", r.TenantID, status, visited, changed, r.Duration)
		switch {
		case r.Err != nil:
			o.log.Infof("    Error: %v", r.Err)
		case r.Job != nil && r.Job.Error != "":
			o.log.Infof("    Error (%s): %s", r.Job.ErrorType, r.Job.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d tenants (%d success, %d failed), %d pages visited, %d changed",
		len(results), successCount, failCount, totalPages, totalChanged)
	o.log.Info("============================================")
}

// SelectTenants returns the configured tenants named by ids, or all of them
// when ids is empty.
func SelectTenants(cfg *config.AppConfig, ids []string) ([]config.TenantConfig, error) {
	if len(ids) == 0 {
		return append([]config.TenantConfig(nil), cfg.Tenants...), nil
	}
	selected := make([]config.TenantConfig, 0, len(ids))
	for _, id := range ids {
		t, ok := cfg.Tenant(id)
		if !ok {
			available := make([]string, 0, len(cfg.Tenants))
			for _, c := range cfg.Tenants {
				available = append(available, c.ID)
			}
			return nil, fmt.Errorf("%w: tenant '%s' not found. Available tenants: %v", utils.ErrInvalidTenant, id, available)
		}
		selected = append(selected, t)
	}
	return selected, nil
}
