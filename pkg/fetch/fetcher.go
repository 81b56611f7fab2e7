package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// Options holds the retry and pacing settings of a Fetcher
type Options struct {
	MaxAttempts int           // Total attempts per URL, at least 1
	Backoff     time.Duration // Fixed wait between attempts
	JitterMin   time.Duration // Random pre-navigation delay bounds
	JitterMax   time.Duration
	Timeout     time.Duration // Per-attempt navigation deadline
}

// OptionsFromConfig maps application config onto fetcher options
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		MaxAttempts: cfg.MaxRetries,
		Backoff:     cfg.RetryBackoff,
		JitterMin:   cfg.JitterMin,
		JitterMax:   cfg.JitterMax,
		Timeout:     cfg.NavigationTimeout(),
	}
}

// Fetcher drives a Session through bounded render attempts
type Fetcher struct {
	opts  Options
	pacer *Pacer
	log   *logrus.Entry
}

// NewFetcher creates a new Fetcher instance. pacer may be nil.
func NewFetcher(opts Options, pacer *Pacer, log *logrus.Entry) *Fetcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.JitterMax < opts.JitterMin {
		opts.JitterMin, opts.JitterMax = opts.JitterMax, opts.JitterMin
	}
	return &Fetcher{
		opts:  opts,
		pacer: pacer,
		log:   log.WithField("component", "fetcher"),
	}
}

// Fetch renders pageURL on session, retrying with a fixed backoff until the
// attempt budget is spent. It never returns an error: a failed fetch is a
// result with empty HTML and Err set.
func (f *Fetcher) Fetch(ctx context.Context, session Session, pageURL string) models.FetchResult {
	result := models.FetchResult{URL: pageURL}
	reqLog := f.log.WithField("url", pageURL)

	var lastErr error
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			reqLog.Warnf("Context done before attempt %d: %v", attempt, err)
			lastErr = errors.Join(lastErr, err)
			break
		}

		if attempt > 1 {
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": f.opts.MaxAttempts, "delay": f.opts.Backoff}).Warn("Retrying render...")
			if err := sleepCtx(ctx, f.opts.Backoff); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		if err := sleepCtx(ctx, f.jitter()); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
		if err := f.pacer.Wait(ctx); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}

		result.Attempts = attempt
		page, err := f.attempt(ctx, session, pageURL)
		if err == nil {
			result.HTML = page.HTML
			result.Title = page.Title
			result.Fingerprint = utils.Fingerprint(orderScripts(page.Scripts), page.HTML)
			reqLog.WithFields(logrus.Fields{
				"attempt": attempt,
				"scripts": len(page.Scripts),
				"bytes":   len(page.HTML),
			}).Debug("Rendered page")
			return result
		}
		lastErr = err
		reqLog.WithFields(logrus.Fields{
			"attempt":    attempt,
			"error_type": utils.CategorizeError(err),
		}).Warnf("Render attempt failed: %v", err)
		if errors.Is(err, utils.ErrBlockedResource) {
			break
		}
	}

	result.Err = fmt.Errorf("%w: %w", utils.ErrFetchFailed, lastErr)
	reqLog.WithField("error_type", utils.CategorizeError(result.Err)).
		Errorf("All %d render attempts failed. Last error: %v", result.Attempts, lastErr)
	return result
}

// attempt runs one bounded render and converts panics and timeouts into errors.
func (f *Fetcher) attempt(ctx context.Context, session Session, pageURL string) (page *RenderedPage, err error) {
	attemptCtx := ctx
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			page, err = nil, fmt.Errorf("panic during render: %v", r)
		}
	}()

	page, err = session.Render(attemptCtx, pageURL)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v: %w", utils.ErrRenderTimeout, f.opts.Timeout, err)
		}
		return nil, err
	}
	if page == nil || page.HTML == "" {
		return nil, fmt.Errorf("%w: empty document", utils.ErrParsing)
	}
	return page, nil
}

func (f *Fetcher) jitter() time.Duration {
	spread := f.opts.JitterMax - f.opts.JitterMin
	if spread <= 0 {
		return f.opts.JitterMin
	}
	return f.opts.JitterMin + time.Duration(rand.Int64N(int64(spread)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
