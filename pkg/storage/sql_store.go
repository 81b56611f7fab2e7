package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver
	_ "github.com/lib/pq"             // registers the "postgres" driver
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// Dialect names match the database/sql driver names
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS pages (
	tenant_id     TEXT NOT NULL,
	url           TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	depth         INTEGER NOT NULL DEFAULT 0,
	first_seen_at %[1]s NOT NULL,
	last_seen_at  %[1]s NOT NULL,
	PRIMARY KEY (tenant_id, url)
);
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	website_url   TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    %[1]s NOT NULL,
	finished_at   %[1]s NULL,
	pages_visited INTEGER NOT NULL DEFAULT 0,
	pages_failed  INTEGER NOT NULL DEFAULT 0,
	changed_count INTEGER NOT NULL DEFAULT 0,
	max_depth     INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	error_type    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_crawl_jobs_tenant ON crawl_jobs (tenant_id, started_at);
CREATE TABLE IF NOT EXISTS internal_links (
	tenant_id   TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	from_url    TEXT NOT NULL,
	to_url      TEXT NOT NULL,
	anchor_text TEXT NOT NULL DEFAULT '',
	from_depth  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, seq)
);
`

const upsertPageSQL = `
INSERT INTO pages (tenant_id, url, fingerprint, title, depth, first_seen_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, url) DO UPDATE SET
	fingerprint  = excluded.fingerprint,
	title        = excluded.title,
	depth        = excluded.depth,
	last_seen_at = excluded.last_seen_at`

const jobColumns = `id, tenant_id, website_url, status, started_at, finished_at,
	pages_visited, pages_failed, changed_count, max_depth, error, error_type`

// SQLStore implements Store on Postgres or SQLite through database/sql
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     *logrus.Entry
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database and creates the schema if missing
func NewSQLStore(ctx context.Context, dialect, dsn string, logger *logrus.Entry) (*SQLStore, error) {
	var timestampType string
	switch dialect {
	case DialectPostgres:
		timestampType = "TIMESTAMPTZ"
	case DialectSQLite:
		timestampType = "DATETIME"
	default:
		return nil, fmt.Errorf("%w: unsupported sql dialect '%s'", utils.ErrConfigValidation, dialect)
	}
	if dsn == "" {
		return nil, fmt.Errorf("%w: %s store requires a dsn", utils.ErrConfigValidation, dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s connection: %w", utils.ErrDatabase, dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection: SQLite has a single writer and ":memory:" is per connection
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s connection: %w", utils.ErrDatabase, dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect, log: logger.WithField("component", "sql_store")}
	if err := s.ensureSchema(ctx, timestampType); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Infof("SQL store ready (dialect: %s)", dialect)
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context, timestampType string) error {
	for _, stmt := range strings.Split(fmt.Sprintf(schemaTemplate, timestampType), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %w", utils.ErrDatabase, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LoadFingerprints implements PageStore
func (s *SQLStore) LoadFingerprints(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT url, fingerprint FROM pages WHERE tenant_id = ?`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading fingerprints for tenant '%s': %w", utils.ErrDatabase, tenantID, err)
	}
	defer rows.Close()

	fingerprints := make(map[string]string)
	for rows.Next() {
		var pageURL, fingerprint string
		if err := rows.Scan(&pageURL, &fingerprint); err != nil {
			return nil, fmt.Errorf("%w: scanning fingerprint row: %w", utils.ErrDatabase, err)
		}
		fingerprints[pageURL] = fingerprint
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating fingerprints: %w", utils.ErrDatabase, err)
	}
	return fingerprints, nil
}

// UpsertPages implements PageStore. All observations commit in one transaction.
func (s *SQLStore) UpsertPages(ctx context.Context, tenantID string, observations []models.PageObservation, now time.Time) (err error) {
	observations = dedupeObservations(observations)
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin upsert: %w", utils.ErrDatabase, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Errorf("Rollback failed after upsert error: %v", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.rebind(upsertPageSQL))
	if err != nil {
		return fmt.Errorf("%w: prepare upsert: %w", utils.ErrDatabase, err)
	}
	defer stmt.Close()

	for _, obs := range observations {
		if _, err = stmt.ExecContext(ctx, tenantID, obs.URL, obs.Fingerprint, obs.Title, obs.Depth, now, now); err != nil {
			return fmt.Errorf("%w: upserting page '%s': %w", utils.ErrDatabase, obs.URL, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit upsert of %d page(s): %w", utils.ErrDatabase, len(observations), err)
	}
	s.log.WithField("tenant_id", tenantID).Debugf("Upserted %d page record(s)", len(observations))
	return nil
}

func scanPage(row interface{ Scan(...any) error }) (models.Page, error) {
	var p models.Page
	err := row.Scan(&p.TenantID, &p.URL, &p.Fingerprint, &p.Title, &p.Depth, &p.FirstSeenAt, &p.LastSeenAt)
	p.FirstSeenAt = p.FirstSeenAt.UTC()
	p.LastSeenAt = p.LastSeenAt.UTC()
	return p, err
}

// GetPage implements PageStore
func (s *SQLStore) GetPage(ctx context.Context, tenantID, pageURL string) (*models.Page, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT tenant_id, url, fingerprint, title, depth, first_seen_at, last_seen_at
		FROM pages WHERE tenant_id = ? AND url = ?`), tenantID, pageURL)
	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading page '%s': %w", utils.ErrDatabase, pageURL, err)
	}
	return &page, true, nil
}

// ListPages implements PageStore
func (s *SQLStore) ListPages(ctx context.Context, tenantID string) ([]models.Page, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT tenant_id, url, fingerprint, title, depth, first_seen_at, last_seen_at
		FROM pages WHERE tenant_id = ? ORDER BY url`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing pages for tenant '%s': %w", utils.ErrDatabase, tenantID, err)
	}
	defer rows.Close()

	var pages []models.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning page row: %w", utils.ErrDatabase, err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating pages: %w", utils.ErrDatabase, err)
	}
	return pages, nil
}

// CreateJob implements JobLog
func (s *SQLStore) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	if err := newPendingJob(job); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO crawl_jobs (id, tenant_id, website_url, status, started_at) VALUES (?, ?, ?, ?, ?)`),
		job.ID, job.TenantID, job.WebsiteURL, string(job.Status), job.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: creating job %s: %w", utils.ErrDatabase, job.ID, err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (models.CrawlJob, error) {
	var (
		job      models.CrawlJob
		status   string
		finished sql.NullTime
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.WebsiteURL, &status, &job.StartedAt, &finished,
		&job.PagesVisited, &job.PagesFailed, &job.ChangedCount, &job.MaxDepth, &job.Error, &job.ErrorType)
	if err != nil {
		return job, err
	}
	job.Status = models.JobStatus(status)
	job.StartedAt = job.StartedAt.UTC()
	if finished.Valid {
		t := finished.Time.UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

// GetJob implements JobLog
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM crawl_jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", utils.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading job %s: %w", utils.ErrDatabase, jobID, err)
	}
	return &job, nil
}

// MarkRunning implements JobLog
func (s *SQLStore) MarkRunning(ctx context.Context, jobID string) error {
	_, err := s.updateJob(ctx, jobID, func(job *models.CrawlJob) error {
		return advance(job, models.JobStatusRunning)
	})
	return err
}

// FinishJob implements JobLog
func (s *SQLStore) FinishJob(ctx context.Context, jobID string, outcome models.JobOutcome) (*models.CrawlJob, error) {
	return s.updateJob(ctx, jobID, func(job *models.CrawlJob) error {
		return finish(job, outcome)
	})
}

// updateJob validates the transition in Go, then writes it with a guard on
// the previous status so a concurrent writer cannot finalize a job twice.
func (s *SQLStore) updateJob(ctx context.Context, jobID string, mutate func(job *models.CrawlJob) error) (*models.CrawlJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	prev := job.Status
	if err := mutate(job); err != nil {
		return nil, err
	}

	var finished sql.NullTime
	if job.FinishedAt != nil {
		finished = sql.NullTime{Time: job.FinishedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE crawl_jobs SET status = ?, finished_at = ?, pages_visited = ?, pages_failed = ?,
		changed_count = ?, max_depth = ?, error = ?, error_type = ?
		WHERE id = ? AND status = ?`),
		string(job.Status), finished, job.PagesVisited, job.PagesFailed,
		job.ChangedCount, job.MaxDepth, job.Error, job.ErrorType,
		jobID, string(prev))
	if err != nil {
		return nil, fmt.Errorf("%w: updating job %s: %w", utils.ErrDatabase, jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: job %s changed concurrently", utils.ErrJobFinalized, jobID)
	}
	return job, nil
}

// ListJobs implements JobLog
func (s *SQLStore) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY started_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing jobs: %w", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var jobs []models.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning job row: %w", utils.ErrDatabase, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating jobs: %w", utils.ErrDatabase, err)
	}
	return jobs, nil
}

// SaveLinks implements LinkStore. Links of an earlier save for the same job are replaced.
func (s *SQLStore) SaveLinks(ctx context.Context, tenantID, jobID string, links []models.InternalLink) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin save links: %w", utils.ErrDatabase, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM internal_links WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("%w: clearing links for job %s: %w", utils.ErrDatabase, jobID, err)
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO internal_links (tenant_id, job_id, seq, from_url, to_url, anchor_text, from_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("%w: prepare link insert: %w", utils.ErrDatabase, err)
	}
	defer stmt.Close()

	for i, l := range links {
		if _, err = stmt.ExecContext(ctx, tenantID, jobID, i, l.FromURL, l.ToURL, l.AnchorText, l.FromDepth); err != nil {
			return fmt.Errorf("%w: inserting link %d for job %s: %w", utils.ErrDatabase, i, jobID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit links for job %s: %w", utils.ErrDatabase, jobID, err)
	}
	return nil
}

// ListLinks implements LinkStore
func (s *SQLStore) ListLinks(ctx context.Context, tenantID, jobID string) ([]models.InternalLink, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT from_url, to_url, anchor_text, from_depth FROM internal_links
		WHERE tenant_id = ? AND job_id = ? ORDER BY seq`), tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing links for job %s: %w", utils.ErrDatabase, jobID, err)
	}
	defer rows.Close()

	var links []models.InternalLink
	for rows.Next() {
		var l models.InternalLink
		if err := rows.Scan(&l.FromURL, &l.ToURL, &l.AnchorText, &l.FromDepth); err != nil {
			return nil, fmt.Errorf("%w: scanning link row: %w", utils.ErrDatabase, err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// Close implements JobLog
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
