package config

import (
	"fmt"
	"time"

	"github.com/noname-app/site-crawler/pkg/parse"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.UserAgent == "" {
		c.UserAgent = "site-crawler/1.0 (+https://noname.app/bot)"
	}

	if c.TimeoutSeconds <= 0 {
		warnings = append(warnings, "timeout_seconds should be > 0, defaulting to 15")
		c.TimeoutSeconds = 15
	}

	if c.MaxConcurrentRequests <= 0 {
		warnings = append(warnings, "max_concurrent_requests should be > 0, defaulting to 5")
		c.MaxConcurrentRequests = 5
	}

	// MaxRetries counts attempts, so one is the floor
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, defaulting to 3")
		c.MaxRetries = 3
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff < 0 {
		warnings = append(warnings, "retry_backoff cannot be negative, defaulting to 1s")
		c.RetryBackoff = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 1 * time.Second
	}

	if c.JitterMin == 0 && c.JitterMax == 0 {
		c.JitterMin = 250 * time.Millisecond
		c.JitterMax = 1 * time.Second
	}
	if c.JitterMin < 0 || c.JitterMax < 0 {
		warnings = append(warnings, "jitter bounds cannot be negative, disabling jitter")
		c.JitterMin, c.JitterMax = 0, 0
	}
	if c.JitterMin > c.JitterMax {
		warnings = append(warnings, fmt.Sprintf(
			"jitter_min (%v) > jitter_max (%v), swapping", c.JitterMin, c.JitterMax))
		c.JitterMin, c.JitterMax = c.JitterMax, c.JitterMin
	}

	if c.ScriptDenylist == nil {
		c.ScriptDenylist = append([]string(nil), DefaultScriptDenylist...)
	}
	if _, err := utils.CompileRegexPatterns(c.ScriptDenylist); err != nil {
		return warnings, fmt.Errorf("script_denylist: %w", err)
	}
	if _, err := utils.CompileRegexPatterns(c.ExcludePatterns); err != nil {
		return warnings, fmt.Errorf("exclude_patterns: %w", err)
	}

	normalizer := parse.Normalizer{KeepQuery: !c.StripQuery()}
	for i, page := range c.ExcludePages {
		normalized := normalizer.Normalize(page)
		if normalized == "" {
			return warnings, fmt.Errorf("%w: exclude_pages[%d] %q is not a URL", utils.ErrConfigValidation, i, page)
		}
		c.ExcludePages[i] = normalized
	}

	switch c.Renderer {
	case "":
		c.Renderer = RendererBrowser
	case RendererBrowser, RendererHTTP:
	default:
		return warnings, fmt.Errorf("%w: unknown renderer %q (want browser or http)", utils.ErrConfigValidation, c.Renderer)
	}

	switch c.LinkResolution {
	case "":
		c.LinkResolution = "root"
	case "root", "standard":
	default:
		return warnings, fmt.Errorf("%w: unknown link_resolution %q (want root or standard)", utils.ErrConfigValidation, c.LinkResolution)
	}

	if c.MaxRequestsPerSecond < 0 {
		warnings = append(warnings, "max_requests_per_second cannot be negative, disabling rate limit")
		c.MaxRequestsPerSecond = 0
	}

	if c.CrawlTimeout < 0 {
		warnings = append(warnings, "crawl_timeout cannot be negative, disabling timeout")
		c.CrawlTimeout = 0
	}

	if c.MaxPages < 0 {
		warnings = append(warnings, "max_pages cannot be negative, setting to 0 (unlimited)")
		c.MaxPages = 0
	}

	if c.MaxParallelTenants <= 0 {
		c.MaxParallelTenants = 2
	}

	c.validateHTTPClientSettings()

	storageWarnings, err := c.Storage.validate()
	warnings = append(warnings, storageWarnings...)
	if err != nil {
		return warnings, err
	}
	if err := c.JobLog.validate(); err != nil {
		return warnings, err
	}
	if err := c.Audit.validate(); err != nil {
		return warnings, err
	}
	if err := c.Watch.validate(); err != nil {
		return warnings, err
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i := range c.Tenants {
		if err := c.Tenants[i].Validate(); err != nil {
			return warnings, fmt.Errorf("tenants[%d]: %w", i, err)
		}
		if seen[c.Tenants[i].ID] {
			return warnings, fmt.Errorf("%w: duplicate tenant id %q", utils.ErrConfigValidation, c.Tenants[i].ID)
		}
		seen[c.Tenants[i].ID] = true
	}
	if len(c.Tenants) == 0 {
		warnings = append(warnings, "no tenants configured; only on-demand crawls are possible")
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = c.MaxConcurrentRequests
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (s *StorageConfig) validate() (warnings []string, err error) {
	switch s.Backend {
	case "":
		s.Backend = StorageBadger
	case StorageBadger, StoragePostgres, StorageSQLite:
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", utils.ErrConfigValidation, s.Backend)
	}
	switch s.Backend {
	case StorageBadger:
		if s.StateDir == "" {
			warnings = append(warnings, "storage.state_dir is empty, defaulting to './crawler_state'")
			s.StateDir = "./crawler_state"
		}
	case StorageSQLite:
		if s.DSN == "" {
			warnings = append(warnings, "storage.dsn is empty, defaulting to './site_crawler.db'")
			s.DSN = "./site_crawler.db"
		}
	case StoragePostgres:
		if s.DSN == "" {
			return warnings, fmt.Errorf("%w: storage.dsn is required for postgres", utils.ErrConfigValidation)
		}
	}
	return warnings, nil
}

func (j *JobLogConfig) validate() error {
	switch j.Backend {
	case "":
		j.Backend = JobLogStore
	case JobLogStore:
	case JobLogRedis:
		if j.RedisAddr == "" {
			return fmt.Errorf("%w: job_log.redis_addr is required for redis", utils.ErrConfigValidation)
		}
	default:
		return fmt.Errorf("%w: unknown job_log backend %q", utils.ErrConfigValidation, j.Backend)
	}
	if j.KeyPrefix == "" {
		j.KeyPrefix = "site-crawler:job:"
	}
	if j.TTL < 0 {
		j.TTL = 0
	}
	return nil
}

func (a *AuditConfig) validate() error {
	switch a.Backend {
	case "":
		a.Backend = AuditLog
	case AuditLog, AuditNone:
	case AuditKafka:
		if len(a.Brokers) == 0 {
			return fmt.Errorf("%w: audit.brokers is required for kafka", utils.ErrConfigValidation)
		}
		if a.Topic == "" {
			a.Topic = "site-audit-requests"
		}
	default:
		return fmt.Errorf("%w: unknown audit backend %q", utils.ErrConfigValidation, a.Backend)
	}
	return nil
}

func (w *WatchConfig) validate() error {
	if w.Interval == "" {
		w.Interval = "7d"
	}
	if w.StateDir == "" {
		w.StateDir = "./crawler_state"
	}
	return nil
}

// Validate checks the tenant id and reduces the website to its site root.
func (t *TenantConfig) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: tenant needs an id", utils.ErrConfigValidation)
	}
	root, err := parse.SiteRoot(t.Website)
	if err != nil {
		return fmt.Errorf("%w: tenant %q: %w", utils.ErrConfigValidation, t.ID, err)
	}
	t.Website = root.String()
	return nil
}
