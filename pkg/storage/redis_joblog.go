package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// RedisJobLog stores crawl job records in Redis. Records are JSON values
// under prefix+id; per-tenant sorted sets scored by start time index them.
type RedisJobLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logrus.Entry
}

var _ JobLog = (*RedisJobLog)(nil)

// NewRedisJobLog initializes a Redis-backed JobLog
func NewRedisJobLog(cfg config.JobLogConfig, logger *logrus.Entry) *RedisJobLog {
	return &RedisJobLog{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		log:    logger.WithField("component", "redis_job_log"),
	}
}

// Ping checks connectivity
func (r *RedisJobLog) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", utils.ErrDatabase, err)
	}
	return nil
}

func (r *RedisJobLog) jobKey(id string) string { return r.prefix + id }

func (r *RedisJobLog) indexKey(tenantID string) string {
	if tenantID == "" {
		return r.prefix + "index:all"
	}
	return r.prefix + "index:tenant:" + tenantID
}

// CreateJob implements JobLog
func (r *RedisJobLog) CreateJob(ctx context.Context, job *models.CrawlJob) error {
	if err := newPendingJob(job); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encoding job %s: %w", utils.ErrParsing, job.ID, err)
	}

	created, err := r.client.SetNX(ctx, r.jobKey(job.ID), payload, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: creating job %s: %w", utils.ErrDatabase, job.ID, err)
	}
	if !created {
		return fmt.Errorf("%w: job %s already exists", utils.ErrDatabase, job.ID)
	}

	score := float64(job.StartedAt.UnixNano())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.indexKey(job.TenantID), redis.Z{Score: score, Member: job.ID})
		pipe.ZAdd(ctx, r.indexKey(""), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: indexing job %s: %w", utils.ErrDatabase, job.ID, err)
	}
	return nil
}

// update applies mutate under WATCH so concurrent writers retry instead of
// overwriting each other.
func (r *RedisJobLog) update(ctx context.Context, jobID string, mutate func(job *models.CrawlJob) error) (*models.CrawlJob, error) {
	key := r.jobKey(jobID)
	var job models.CrawlJob

	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", utils.ErrJobNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("%w: reading job %s: %w", utils.ErrDatabase, jobID, err)
		}
		job = models.CrawlJob{}
		if err := json.Unmarshal(val, &job); err != nil {
			return fmt.Errorf("%w: decoding job %s: %w", utils.ErrParsing, jobID, err)
		}
		if err := mutate(&job); err != nil {
			return err
		}
		payload, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("%w: encoding job %s: %w", utils.ErrParsing, jobID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl)
			return nil
		})
		return err
	}

	for i := range maxConflictRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			r.log.Debugf("Job %s changed during update (attempt %d/%d), retrying", jobID, i+1, maxConflictRetries)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &job, nil
	}
	return nil, fmt.Errorf("%w: job %s update not applied after %d retries", utils.ErrDatabase, jobID, maxConflictRetries)
}

// MarkRunning implements JobLog
func (r *RedisJobLog) MarkRunning(ctx context.Context, jobID string) error {
	_, err := r.update(ctx, jobID, func(job *models.CrawlJob) error {
		return advance(job, models.JobStatusRunning)
	})
	return err
}

// FinishJob implements JobLog
func (r *RedisJobLog) FinishJob(ctx context.Context, jobID string, outcome models.JobOutcome) (*models.CrawlJob, error) {
	return r.update(ctx, jobID, func(job *models.CrawlJob) error {
		return finish(job, outcome)
	})
}

// GetJob implements JobLog
func (r *RedisJobLog) GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	val, err := r.client.Get(ctx, r.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", utils.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading job %s: %w", utils.ErrDatabase, jobID, err)
	}
	var job models.CrawlJob
	if err := json.Unmarshal(val, &job); err != nil {
		return nil, fmt.Errorf("%w: decoding job %s: %w", utils.ErrParsing, jobID, err)
	}
	return &job, nil
}

// ListJobs implements JobLog. Ids whose records expired are dropped from the index.
func (r *RedisJobLog) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.CrawlJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	index := r.indexKey(tenantID)
	ids, err := r.client.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: listing jobs: %w", utils.ErrDatabase, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: loading jobs: %w", utils.ErrDatabase, err)
	}

	jobs := make([]models.CrawlJob, 0, len(values))
	var expired []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var job models.CrawlJob
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			r.log.Warnf("Skipping unreadable job record '%s': %v", keys[i], err)
			continue
		}
		jobs = append(jobs, job)
	}
	if len(expired) > 0 {
		if err := r.client.ZRem(ctx, index, expired...).Err(); err != nil {
			r.log.Warnf("Failed to prune %d expired job id(s): %v", len(expired), err)
		}
	}
	return jobs, nil
}

// Close closes the Redis client
func (r *RedisJobLog) Close() error {
	return r.client.Close()
}
