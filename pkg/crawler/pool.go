package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/fetch"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// ErrPoolClosed is returned for batches submitted after Close
var ErrPoolClosed = errors.New("worker pool closed")

type task struct {
	ctx     context.Context
	index   int
	url     string
	results []models.FetchResult
	done    *sync.WaitGroup
}

// Pool runs fetches on a fixed number of slots. Each slot owns one session,
// created on its first task and kept until Close.
type Pool struct {
	factory fetch.SessionFactory
	fetcher *fetch.Fetcher
	size    int
	log     *logrus.Entry

	sessionCtx context.Context // Bounds session lifetimes
	cancel     context.CancelFunc
	tasks      chan task
	slots      sync.WaitGroup

	mu     sync.RWMutex // Guards closed against concurrent sends
	closed bool
}

// NewPool starts size slot goroutines. ctx bounds the lifetime of the
// sessions, not of individual fetches.
func NewPool(ctx context.Context, factory fetch.SessionFactory, fetcher *fetch.Fetcher, size int, log *logrus.Entry) *Pool {
	if size < 1 {
		size = 1
	}
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Pool{
		factory:    factory,
		fetcher:    fetcher,
		size:       size,
		log:        log.WithField("component", "worker_pool"),
		sessionCtx: sessionCtx,
		cancel:     cancel,
		tasks:      make(chan task),
	}
	p.slots.Add(size)
	for i := 0; i < size; i++ {
		go p.slot(i)
	}
	p.log.Debugf("Worker pool started with %d slot(s)", size)
	return p
}

// Size is the fixed number of slots
func (p *Pool) Size() int { return p.size }

// RunBatch fetches every URL and blocks until all are done. Results are in
// input order. A failing URL never affects its siblings.
func (p *Pool) RunBatch(ctx context.Context, urls []string) []models.FetchResult {
	results := make([]models.FetchResult, len(urls))

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		for i, u := range urls {
			results[i] = models.FetchResult{URL: u, Err: ErrPoolClosed}
		}
		return results
	}

	var done sync.WaitGroup
	done.Add(len(urls))
	for i, u := range urls {
		p.tasks <- task{ctx: ctx, index: i, url: u, results: results, done: &done}
	}
	done.Wait()
	return results
}

// Close stops the slots and releases every session. Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.slots.Wait()
	p.cancel()
	p.log.Debug("Worker pool closed")
	return nil
}

func (p *Pool) slot(id int) {
	defer p.slots.Done()
	slotLog := p.log.WithField("worker_slot", id)

	var session fetch.Session
	defer func() {
		if session == nil {
			return
		}
		if err := session.Close(); err != nil {
			slotLog.Warnf("Closing session failed: %v", err)
		}
	}()

	for t := range p.tasks {
		t.results[t.index] = p.runTask(id, &session, t, slotLog)
		t.done.Done()
	}
}

// runTask never panics: a crash inside the session becomes a failed result.
func (p *Pool) runTask(id int, session *fetch.Session, t task, slotLog *logrus.Entry) (result models.FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			slotLog.WithField("url", t.url).Errorf("PANIC in worker slot: %v\n%s", r, debug.Stack())
			result = models.FetchResult{URL: t.url, Err: fmt.Errorf("%w: panic: %v", utils.ErrFetchFailed, r)}
		}
	}()

	if *session == nil {
		s, err := p.factory.NewSession(p.sessionCtx, id)
		if err != nil {
			slotLog.WithField("url", t.url).Errorf("Cannot start session: %v", err)
			return models.FetchResult{URL: t.url, Err: fmt.Errorf("%w: %w", utils.ErrFetchFailed, err)}
		}
		*session = s
	}
	return p.fetcher.Fetch(t.ctx, *session, t.url)
}
