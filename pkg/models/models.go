package models

import "time"

// Page is the persisted record of one tenant URL. Only a fingerprint of the
// rendered content is kept, never the body.
type Page struct {
	TenantID    string    `json:"tenant_id"`
	URL         string    `json:"url"`
	Fingerprint string    `json:"fingerprint"` // 64 hex chars
	Title       string    `json:"title,omitempty"`
	Depth       int       `json:"depth"` // Depth at which the page was last seen
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// PageObservation is one successful fetch during a crawl
type PageObservation struct {
	URL         string
	Title       string
	Fingerprint string
	Depth       int
}

// FetchResult is what the fetcher hands back for one URL. An empty HTML means
// every attempt failed.
type FetchResult struct {
	URL         string
	HTML        string
	Title       string
	Fingerprint string
	Attempts    int
	Err         error // Last attempt error, nil on success
}

// OK reports whether the fetch produced content
func (r FetchResult) OK() bool {
	return r.HTML != ""
}

// InternalLink is an edge observed during one crawl pass
type InternalLink struct {
	FromURL    string `json:"from_url"`
	ToURL      string `json:"to_url"`
	AnchorText string `json:"anchor_text,omitempty"`
	FromDepth  int    `json:"from_depth"`
}

// ChangeSet classifies the observations of one crawl against stored pages
type ChangeSet struct {
	New       []string `json:"new"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Changed returns the URLs that need a downstream audit: new plus updated.
func (c ChangeSet) Changed() []string {
	out := make([]string, 0, len(c.New)+len(c.Updated))
	out = append(out, c.New...)
	out = append(out, c.Updated...)
	return out
}

// Total is the number of classified pages
func (c ChangeSet) Total() int {
	return len(c.New) + len(c.Updated) + len(c.Unchanged)
}

// CrawlJob is the job-log record of one crawl. It is mutated once, at the
// terminal transition.
type CrawlJob struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	WebsiteURL   string     `json:"website_url"`
	Status       JobStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	PagesVisited int        `json:"pages_visited"`
	PagesFailed  int        `json:"pages_failed"`
	ChangedCount int        `json:"changed_count"`
	MaxDepth     int        `json:"max_depth"`
	Error        string     `json:"error,omitempty"`
	ErrorType    string     `json:"error_type,omitempty"`
}

// Duration is the wall-clock time of the crawl, or zero while it is running.
func (j *CrawlJob) Duration() time.Duration {
	if j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// JobOutcome carries the terminal values written to a job record
type JobOutcome struct {
	Status       JobStatus
	FinishedAt   time.Time
	PagesVisited int
	PagesFailed  int
	ChangedCount int
	MaxDepth     int
	Error        string
	ErrorType    string
}

// Apply copies the outcome onto the job
func (o JobOutcome) Apply(job *CrawlJob) {
	finished := o.FinishedAt
	job.Status = o.Status
	job.FinishedAt = &finished
	job.PagesVisited = o.PagesVisited
	job.PagesFailed = o.PagesFailed
	job.ChangedCount = o.ChangedCount
	job.MaxDepth = o.MaxDepth
	job.Error = o.Error
	job.ErrorType = o.ErrorType
}

// AuditRequest is the payload handed to the downstream audit stage
type AuditRequest struct {
	TenantID    string    `json:"tenant_id"`
	JobID       string    `json:"job_id"`
	ChangedURLs []string  `json:"changed_urls"`
	RequestedAt time.Time `json:"requested_at"`
}
