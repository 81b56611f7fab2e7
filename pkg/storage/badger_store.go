package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/log"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/utils"
)

const (
	pageKeyPrefix = "page:"         // page:<tenant>\x00<url> -> models.Page
	jobKeyPrefix  = "job:"          // job:<id> -> models.CrawlJob
	linkKeyPrefix = "link:"         // link:<tenant>\x00<job>\x00<n> -> models.InternalLink
	stateDBDir    = "site_state_db" // Subdirectory name within stateDir for Badger DB files
	keySep        = "\x00"
)

func pagePrefix(tenantID string) []byte {
	return []byte(pageKeyPrefix + tenantID + keySep)
}

func pageKey(tenantID, pageURL string) []byte {
	return []byte(pageKeyPrefix + tenantID + keySep + pageURL)
}

func jobKey(jobID string) []byte {
	return []byte(jobKeyPrefix + jobID)
}

func linkPrefix(tenantID, jobID string) []byte {
	return []byte(linkKeyPrefix + tenantID + keySep + jobID + keySep)
}

// BadgerStore implements Store on an embedded BadgerDB
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) the database under stateDir. State is
// kept across runs: change detection depends on it.
func NewBadgerStore(ctx context.Context, stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, stateDBDir)
	logger.Infof("Initializing page state database at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	logger.Info("Page state database initialized successfully.")
	return &BadgerStore{db: db, log: logger}, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Conflicts on overlapping keys resolve in microseconds, so no backoff is used.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// getJSON decodes the value at key into out. found is false for missing keys.
func getJSON(txn *badger.Txn, key []byte, out any) (found bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	return err == nil, err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding value for key '%s': %w", utils.ErrParsing, string(key), err)
	}
	return txn.SetEntry(badger.NewEntry(key, data))
}

// scanPrefix calls fn for every value under prefix, in key order.
func (s *BadgerStore) scanPrefix(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadFingerprints implements PageStore
func (s *BadgerStore) LoadFingerprints(ctx context.Context, tenantID string) (map[string]string, error) {
	prefix := pagePrefix(tenantID)
	fingerprints := make(map[string]string)
	err := s.scanPrefix(ctx, prefix, func(key, val []byte) error {
		var page models.Page
		if errJSON := json.Unmarshal(val, &page); errJSON != nil {
			// A corrupt record is treated as never seen, so the page is reported new
			s.log.Warnf("Failed to unmarshal page record for key '%s': %v. Treating as unseen.", string(key), errJSON)
			return nil
		}
		fingerprints[string(key[len(prefix):])] = page.Fingerprint
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading fingerprints for tenant '%s': %w", utils.ErrDatabase, tenantID, err)
	}
	return fingerprints, nil
}

// UpsertPages implements PageStore. All observations commit in one transaction.
func (s *BadgerStore) UpsertPages(ctx context.Context, tenantID string, observations []models.PageObservation, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	observations = dedupeObservations(observations)
	now = now.UTC()

	err := s.dbUpdate(func(txn *badger.Txn) error {
		for _, obs := range observations {
			key := pageKey(tenantID, obs.URL)
			var page models.Page
			found, err := getJSON(txn, key, &page)
			if err != nil {
				s.log.Warnf("Unreadable page record for key '%s', rewriting: %v", string(key), err)
				found = false
			}
			if !found {
				page = models.Page{TenantID: tenantID, URL: obs.URL, FirstSeenAt: now}
			}
			page.Fingerprint = obs.Fingerprint
			page.Title = obs.Title
			page.Depth = obs.Depth
			page.LastSeenAt = now
			if err := setJSON(txn, key, page); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.WithField("tenant_id", tenantID).Errorf("DB Update error in UpsertPages: %v", err)
		return fmt.Errorf("%w: upserting %d page(s) for tenant '%s': %w", utils.ErrDatabase, len(observations), tenantID, err)
	}
	s.log.WithField("tenant_id", tenantID).Debugf("Upserted %d page record(s)", len(observations))
	return nil
}

// GetPage implements PageStore
func (s *BadgerStore) GetPage(ctx context.Context, tenantID, pageURL string) (*models.Page, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var page models.Page
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		found, errGet = getJSON(txn, pageKey(tenantID, pageURL), &page)
		return errGet
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading page '%s': %w", utils.ErrDatabase, pageURL, err)
	}
	if !found {
		return nil, false, nil
	}
	return &page, true, nil
}

// ListPages implements PageStore
func (s *BadgerStore) ListPages(ctx context.Context, tenantID string) ([]models.Page, error) {
	var pages []models.Page
	err := s.scanPrefix(ctx, pagePrefix(tenantID), func(key, val []byte) error {
		var page models.Page
		if errJSON := json.Unmarshal(val, &page); errJSON != nil {
			s.log.Warnf("Skipping unreadable page record '%s': %v", string(key), errJSON)
			return nil
		}
		pages = append(pages, page)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing pages for tenant '%s': %w", utils.ErrDatabase, tenantID, err)
	}
	return pages, nil
}

// CreateJob implements JobLog
func (s *BadgerStore) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := newPendingJob(job); err != nil {
		return err
	}
	err := s.dbUpdate(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("job %s already exists", job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, jobKey(job.ID), job)
	})
	if err != nil {
		return fmt.Errorf("%w: creating job %s: %w", utils.ErrDatabase, job.ID, err)
	}
	return nil
}

// updateJob loads a job, applies mutate, and writes it back in one transaction.
func (s *BadgerStore) updateJob(ctx context.Context, jobID string, mutate func(job *models.CrawlJob) error) (*models.CrawlJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job models.CrawlJob
	err := s.dbUpdate(func(txn *badger.Txn) error {
		job = models.CrawlJob{}
		found, err := getJSON(txn, jobKey(jobID), &job)
		if err != nil {
			return fmt.Errorf("%w: reading job %s: %w", utils.ErrDatabase, jobID, err)
		}
		if !found {
			return fmt.Errorf("%w: %s", utils.ErrJobNotFound, jobID)
		}
		if err := mutate(&job); err != nil {
			return err
		}
		return setJSON(txn, jobKey(jobID), &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkRunning implements JobLog
func (s *BadgerStore) MarkRunning(ctx context.Context, jobID string) error {
	_, err := s.updateJob(ctx, jobID, func(job *models.CrawlJob) error {
		return advance(job, models.JobStatusRunning)
	})
	return err
}

// FinishJob implements JobLog
func (s *BadgerStore) FinishJob(ctx context.Context, jobID string, outcome models.JobOutcome) (*models.CrawlJob, error) {
	return s.updateJob(ctx, jobID, func(job *models.CrawlJob) error {
		return finish(job, outcome)
	})
}

// GetJob implements JobLog
func (s *BadgerStore) GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var job models.CrawlJob
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		found, errGet = getJSON(txn, jobKey(jobID), &job)
		return errGet
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading job %s: %w", utils.ErrDatabase, jobID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", utils.ErrJobNotFound, jobID)
	}
	return &job, nil
}

// ListJobs implements JobLog
func (s *BadgerStore) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.CrawlJob, error) {
	var jobs []models.CrawlJob
	err := s.scanPrefix(ctx, []byte(jobKeyPrefix), func(key, val []byte) error {
		var job models.CrawlJob
		if errJSON := json.Unmarshal(val, &job); errJSON != nil {
			s.log.Warnf("Skipping unreadable job record '%s': %v", string(key), errJSON)
			return nil
		}
		if tenantID == "" || job.TenantID == tenantID {
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing jobs: %w", utils.ErrDatabase, err)
	}
	return newestFirst(jobs, limit), nil
}

func newestFirst(jobs []models.CrawlJob, limit int) []models.CrawlJob {
	slices.SortStableFunc(jobs, func(a, b models.CrawlJob) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// SaveLinks implements LinkStore. Links of an earlier save for the same job are replaced.
func (s *BadgerStore) SaveLinks(ctx context.Context, tenantID, jobID string, links []models.InternalLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := linkPrefix(tenantID, jobID)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for i, link := range links {
			key := append(slices.Clone(prefix), fmt.Sprintf("%08d", i)...)
			if err := setJSON(txn, key, link); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: saving %d link(s) for job %s: %w", utils.ErrDatabase, len(links), jobID, err)
	}
	return nil
}

// ListLinks implements LinkStore
func (s *BadgerStore) ListLinks(ctx context.Context, tenantID, jobID string) ([]models.InternalLink, error) {
	var links []models.InternalLink
	err := s.scanPrefix(ctx, linkPrefix(tenantID, jobID), func(_, val []byte) error {
		var link models.InternalLink
		if err := json.Unmarshal(val, &link); err != nil {
			return err
		}
		links = append(links, link)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing links for job %s: %w", utils.ErrDatabase, jobID, err)
	}
	return links, nil
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx ends
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements JobLog
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	s.log.Info("Closing page state DB...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing page state DB: %v", err)
		return err
	}
	return nil
}
