package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// splitStore serves pages and links from one backend and jobs from another
type splitStore struct {
	PageStore
	LinkStore
	JobLog
	base Store
}

// Close closes both backends
func (s *splitStore) Close() error {
	return errors.Join(s.JobLog.Close(), s.base.Close())
}

// Open builds the Store selected by cfg.Storage and cfg.JobLog. cfg must be validated.
func Open(ctx context.Context, cfg *config.AppConfig, logger *logrus.Entry) (Store, error) {
	var (
		base Store
		err  error
	)
	switch cfg.Storage.Backend {
	case config.StorageBadger:
		base, err = NewBadgerStore(ctx, cfg.Storage.StateDir, logger.WithField("component", "badger_store"))
	case config.StoragePostgres:
		base, err = NewSQLStore(ctx, DialectPostgres, cfg.Storage.DSN, logger)
	case config.StorageSQLite:
		base, err = NewSQLStore(ctx, DialectSQLite, cfg.Storage.DSN, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", utils.ErrConfigValidation, cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.JobLog.Backend != config.JobLogRedis {
		return base, nil
	}
	jobs := NewRedisJobLog(cfg.JobLog, logger)
	if err := jobs.Ping(ctx); err != nil {
		_ = jobs.Close()
		_ = base.Close()
		return nil, err
	}
	logger.Infof("Job log stored in redis at %s", cfg.JobLog.RedisAddr)
	return &splitStore{PageStore: base, LinkStore: base, JobLog: jobs, base: base}, nil
}
