package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noname-app/site-crawler/pkg/fetch"
	"github.com/noname-app/site-crawler/pkg/utils"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testFetcher(attempts int) *fetch.Fetcher {
	return fetch.NewFetcher(fetch.Options{MaxAttempts: attempts, Timeout: time.Second}, nil, testLogger())
}

// fakeSite serves canned HTML keyed by URL
type fakeSite struct {
	pages map[string]string
	fail  map[string]bool
	delay time.Duration

	mu   sync.Mutex
	hits map[string]int
}

func newFakeSite(pages map[string]string) *fakeSite {
	return &fakeSite{pages: pages, fail: map[string]bool{}, hits: map[string]int{}}
}

func (s *fakeSite) hitCount(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[u]
}

type fakeSession struct {
	site    *fakeSite
	slot    int
	closed  atomic.Bool
	renders atomic.Int32
	panicOn string
}

func (s *fakeSession) Render(ctx context.Context, pageURL string) (*fetch.RenderedPage, error) {
	s.renders.Add(1)
	if s.panicOn != "" && pageURL == s.panicOn {
		panic("tab crashed")
	}
	s.site.mu.Lock()
	s.site.hits[pageURL]++
	s.site.mu.Unlock()

	if s.site.delay > 0 {
		select {
		case <-time.After(s.site.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.site.fail[pageURL] {
		return nil, errors.New("net::ERR_CONNECTION_RESET")
	}
	html, ok := s.site.pages[pageURL]
	if !ok {
		return nil, errors.New("net::ERR_HTTP_RESPONSE_CODE_FAILURE")
	}
	return &fetch.RenderedPage{URL: pageURL, HTML: html, Title: "T " + pageURL}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeFactory records every session it hands out
type fakeFactory struct {
	site    *fakeSite
	failFor int32 // Number of NewSession calls that fail first
	panicOn string

	mu       sync.Mutex
	sessions []*fakeSession
	calls    atomic.Int32
}

func (f *fakeFactory) NewSession(_ context.Context, slot int) (fetch.Session, error) {
	if f.calls.Add(1) <= f.failFor {
		return nil, fmt.Errorf("%w: chrome not found", utils.ErrSessionInit)
	}
	s := &fakeSession{site: f.site, slot: slot, panicOn: f.panicOn}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) created() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

func TestPool_RunBatchReturnsInputOrder(t *testing.T) {
	site := newFakeSite(map[string]string{
		"https://s.test/1": "<p>1</p>",
		"https://s.test/2": "<p>2</p>",
		"https://s.test/3": "<p>3</p>",
	})
	pool := NewPool(context.Background(), &fakeFactory{site: site}, testFetcher(1), 2, testLogger())
	defer pool.Close()

	results := pool.RunBatch(context.Background(), []string{"https://s.test/3", "https://s.test/1", "https://s.test/2"})

	require.Len(t, results, 3)
	assert.Equal(t, "https://s.test/3", results[0].URL)
	assert.Equal(t, "<p>3</p>", results[0].HTML)
	assert.Equal(t, "https://s.test/1", results[1].URL)
	assert.Equal(t, "https://s.test/2", results[2].URL)
}

func TestPool_SessionsLazyAndReused(t *testing.T) {
	pages := map[string]string{}
	var urls []string
	for i := 0; i < 12; i++ {
		u := fmt.Sprintf("https://s.test/p%d", i)
		pages[u] = "<p/>"
		urls = append(urls, u)
	}
	factory := &fakeFactory{site: newFakeSite(pages)}
	pool := NewPool(context.Background(), factory, testFetcher(1), 3, testLogger())

	assert.Empty(t, factory.created(), "no session before the first task")

	pool.RunBatch(context.Background(), urls[:6])
	pool.RunBatch(context.Background(), urls[6:])

	sessions := factory.created()
	assert.LessOrEqual(t, len(sessions), 3, "at most one session per slot")
	assert.NotEmpty(t, sessions)

	var total int32
	for _, s := range sessions {
		total += s.renders.Load()
		assert.False(t, s.closed.Load(), "sessions stay open across batches")
	}
	assert.Equal(t, int32(12), total)

	require.NoError(t, pool.Close())
	for _, s := range sessions {
		assert.True(t, s.closed.Load(), "Close releases every session")
	}
}

func TestPool_ConcurrencyBoundedBySize(t *testing.T) {
	pages := map[string]string{}
	var urls []string
	for i := 0; i < 10; i++ {
		u := fmt.Sprintf("https://s.test/c%d", i)
		pages[u] = "<p/>"
		urls = append(urls, u)
	}
	site := newFakeSite(pages)
	site.delay = 20 * time.Millisecond

	var inFlight, peak atomic.Int32
	factory := fetch.SessionFactoryFunc(func(ctx context.Context, slot int) (fetch.Session, error) {
		return &trackingSession{inner: &fakeSession{site: site}, inFlight: &inFlight, peak: &peak}, nil
	})
	pool := NewPool(context.Background(), factory, testFetcher(1), 3, testLogger())
	defer pool.Close()

	results := pool.RunBatch(context.Background(), urls)
	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1), "slots should run in parallel")
}

type trackingSession struct {
	inner          fetch.Session
	inFlight, peak *atomic.Int32
}

func (s *trackingSession) Render(ctx context.Context, u string) (*fetch.RenderedPage, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return s.inner.Render(ctx, u)
}

func (s *trackingSession) Close() error { return s.inner.Close() }

func TestPool_FailureDoesNotAffectSiblings(t *testing.T) {
	site := newFakeSite(map[string]string{"https://s.test/ok": "<p>ok</p>"})
	site.fail["https://s.test/bad"] = true
	pool := NewPool(context.Background(), &fakeFactory{site: site}, testFetcher(2), 2, testLogger())
	defer pool.Close()

	results := pool.RunBatch(context.Background(), []string{"https://s.test/bad", "https://s.test/ok"})

	assert.False(t, results[0].OK())
	assert.ErrorIs(t, results[0].Err, utils.ErrFetchFailed)
	assert.Equal(t, 2, site.hitCount("https://s.test/bad"), "retried up to the attempt budget")
	assert.True(t, results[1].OK())
}

func TestPool_PanicContained(t *testing.T) {
	site := newFakeSite(map[string]string{"https://s.test/ok": "<p/>", "https://s.test/boom": "<p/>"})
	pool := NewPool(context.Background(), &fakeFactory{site: site, panicOn: "https://s.test/boom"}, testFetcher(1), 1, testLogger())
	defer pool.Close()

	results := pool.RunBatch(context.Background(), []string{"https://s.test/boom", "https://s.test/ok"})

	assert.False(t, results[0].OK())
	assert.True(t, results[1].OK(), "slot keeps serving after a panic")
}

func TestPool_SessionInitFailureRetriedOnNextTask(t *testing.T) {
	site := newFakeSite(map[string]string{"https://s.test/a": "<p/>", "https://s.test/b": "<p/>"})
	factory := &fakeFactory{site: site, failFor: 1}
	pool := NewPool(context.Background(), factory, testFetcher(1), 1, testLogger())
	defer pool.Close()

	first := pool.RunBatch(context.Background(), []string{"https://s.test/a"})
	second := pool.RunBatch(context.Background(), []string{"https://s.test/b"})

	assert.False(t, first[0].OK())
	assert.ErrorIs(t, first[0].Err, utils.ErrSessionInit)
	assert.True(t, second[0].OK())
	assert.Len(t, factory.created(), 1)
}

func TestPool_CloseIdempotentAndRejectsBatches(t *testing.T) {
	pool := NewPool(context.Background(), &fakeFactory{site: newFakeSite(nil)}, testFetcher(1), 2, testLogger())
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	results := pool.RunBatch(context.Background(), []string{"https://s.test/x"})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrPoolClosed)
}
