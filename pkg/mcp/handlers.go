package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/orchestrate"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// handleListTenants handles the list_tenants tool
func (s *Server) handleListTenants(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenants := make([]map[string]any, 0, len(s.cfg.AppConfig.Tenants))
	for _, t := range s.cfg.AppConfig.Tenants {
		info := map[string]any{
			"id":      t.ID,
			"website": t.Website,
		}
		if active := s.jobManager.ActiveJob(t.ID); active != nil {
			info["status"] = "running"
			info["active_job_id"] = active.ID
		}
		last, err := s.cfg.Store.ListJobs(ctx, t.ID, 1)
		if err != nil {
			s.log.WithField("tenant_id", t.ID).Warnf("Cannot read last job: %v", err)
		} else if len(last) > 0 {
			info["last_job"] = jobSummary(&last[0])
		}
		tenants = append(tenants, info)
	}

	return mcp.NewToolResultText(formatJSON(map[string]any{
		"tenants":       tenants,
		"config_path":   s.cfg.ConfigPath,
		"total_tenants": len(tenants),
	})), nil
}

// handleCrawlWebsite handles the crawl_website tool
func (s *Server) handleCrawlWebsite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := strings.TrimSpace(request.GetString("tenant_id", ""))
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id parameter is required"), nil
	}

	website := request.GetString("website", "")
	if website == "" {
		tenant, ok := s.cfg.AppConfig.Tenant(tenantID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("tenant '%s' is not configured, pass a website. Configured tenants: %v",
				tenantID, s.tenantIDs())), nil
		}
		website = tenant.Website
	}

	tenantID, root, err := orchestrate.ValidateInput(tenantID, website)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, created := s.jobManager.CreateJob(tenantID, root.String())
	if !created {
		return mcp.NewToolResultText(formatJSON(map[string]any{
			"status":    "already_running",
			"message":   "A crawl is already in progress for this tenant",
			"job_id":    job.ID,
			"tenant_id": tenantID,
		})), nil
	}

	s.running.Add(1)
	go s.runCrawlJob(job)

	return mcp.NewToolResultText(formatJSON(map[string]any{
		"status":    "started",
		"message":   "Crawl started successfully",
		"job_id":    job.ID,
		"tenant_id": tenantID,
		"website":   job.Website,
	})), nil
}

// runCrawlJob runs a crawl job in the background
func (s *Server) runCrawlJob(job *Job) {
	defer s.running.Done()
	jobLog := s.log.WithFields(logrus.Fields{"tenant_id": job.TenantID, "job_id": job.ID})

	s.jobManager.UpdateStatus(job.ID, JobStatusRunning, "")
	jobCtx := s.jobManager.Context(job.ID)

	result, err := s.cfg.Crawler.CrawlWithID(jobCtx, job.ID, job.TenantID, job.Website)
	switch {
	case err != nil:
		jobLog.Errorf("Crawl could not start: %v", err)
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, err.Error())
	case result.Status == models.JobStatusSuccess:
		s.jobManager.UpdateStatus(job.ID, JobStatusCompleted, "")
	case errors.Is(jobCtx.Err(), context.Canceled):
		s.jobManager.UpdateStatus(job.ID, JobStatusCancelled, "")
	default:
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, result.Error)
	}
}

// handleGetCrawlJob handles the get_crawl_job tool
func (s *Server) handleGetCrawlJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job, err := s.cfg.Store.GetJob(ctx, jobID)
	if err == nil {
		return mcp.NewToolResultText(formatJSON(jobDetails(job))), nil
	}
	if !errors.Is(err, utils.ErrJobNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read job: %v", err)), nil
	}

	// Not in the job log (yet): the crawl was accepted here but never recorded
	tracked := s.jobManager.GetJob(jobID)
	if tracked == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	result := map[string]any{
		"job_id":     tracked.ID,
		"tenant_id":  tracked.TenantID,
		"website":    tracked.Website,
		"status":     tracked.Status,
		"started_at": tracked.StartedAt.Format(time.RFC3339),
	}
	if !tracked.CompletedAt.IsZero() {
		result["finished_at"] = tracked.CompletedAt.Format(time.RFC3339)
	}
	if tracked.ErrorMessage != "" {
		result["error"] = tracked.ErrorMessage
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListCrawlJobs handles the list_crawl_jobs tool
func (s *Server) handleListCrawlJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := strings.TrimSpace(request.GetString("tenant_id", ""))
	limit := clampLimit(request.GetInt("limit", 20), 20, 100)

	jobs, err := s.cfg.Store.ListJobs(ctx, tenantID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list jobs: %v", err)), nil
	}
	summaries := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		summaries = append(summaries, jobSummary(&jobs[i]))
	}

	response := map[string]any{
		"jobs":       summaries,
		"total_jobs": len(summaries),
	}
	if tenantID != "" {
		response["tenant_id"] = tenantID
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleListPages handles the list_pages tool
func (s *Server) handleListPages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID := strings.TrimSpace(request.GetString("tenant_id", ""))
	if tenantID == "" {
		return mcp.NewToolResultError("tenant_id parameter is required"), nil
	}
	limit := clampLimit(request.GetInt("limit", 100), 100, 1000)

	pages, err := s.cfg.Store.ListPages(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list pages: %v", err)), nil
	}
	slices.SortFunc(pages, func(a, b models.Page) int { return strings.Compare(a.URL, b.URL) })

	total := len(pages)
	pages = pages[:min(limit, total)]
	items := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		item := map[string]any{
			"url":           p.URL,
			"fingerprint":   p.Fingerprint,
			"depth":         p.Depth,
			"first_seen_at": p.FirstSeenAt.Format(time.RFC3339),
			"last_seen_at":  p.LastSeenAt.Format(time.RFC3339),
		}
		if p.Title != "" {
			item["title"] = p.Title
		}
		items = append(items, item)
	}

	return mcp.NewToolResultText(formatJSON(map[string]any{
		"tenant_id":   tenantID,
		"pages":       items,
		"total_pages": total,
		"truncated":   total > len(items),
	})), nil
}

func (s *Server) tenantIDs() []string {
	ids := make([]string, 0, len(s.cfg.AppConfig.Tenants))
	for _, t := range s.cfg.AppConfig.Tenants {
		ids = append(ids, t.ID)
	}
	return ids
}

func jobSummary(job *models.CrawlJob) map[string]any {
	summary := map[string]any{
		"job_id":        job.ID,
		"tenant_id":     job.TenantID,
		"status":        job.Status,
		"started_at":    job.StartedAt.Format(time.RFC3339),
		"pages_visited": job.PagesVisited,
		"changed_count": job.ChangedCount,
	}
	if job.FinishedAt != nil {
		summary["finished_at"] = job.FinishedAt.Format(time.RFC3339)
	}
	return summary
}

func jobDetails(job *models.CrawlJob) map[string]any {
	details := jobSummary(job)
	details["website"] = job.WebsiteURL
	details["pages_failed"] = job.PagesFailed
	details["max_depth"] = job.MaxDepth
	if job.FinishedAt != nil {
		details["duration_seconds"] = job.Duration().Seconds()
	}
	if job.Error != "" {
		details["error"] = job.Error
		details["error_type"] = job.ErrorType
	}
	return details
}

// clampLimit applies def to non-positive values and caps at maxLimit
func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
