package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// testOptions returns fetcher options with fast delays for testing
func testOptions(maxAttempts int) Options {
	return Options{
		MaxAttempts: maxAttempts,
		Backoff:     5 * time.Millisecond,
		Timeout:     time.Second,
	}
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// scriptedSession fails the first failures renders, then succeeds
type scriptedSession struct {
	failures int
	calls    atomic.Int32
	page     RenderedPage
	err      error
	block    bool // Wait for ctx instead of returning
	panicky  bool
}

func (s *scriptedSession) Render(ctx context.Context, pageURL string) (*RenderedPage, error) {
	n := int(s.calls.Add(1))
	if s.panicky {
		panic("renderer crashed")
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= s.failures {
		if s.err != nil {
			return nil, s.err
		}
		return nil, fmt.Errorf("attempt %d failed", n)
	}
	page := s.page
	page.URL = pageURL
	return &page, nil
}

func (s *scriptedSession) Close() error { return nil }

func TestFetch_SuccessFirstAttempt(t *testing.T) {
	session := &scriptedSession{page: RenderedPage{HTML: "<html>ok</html>", Title: "OK"}}
	fetcher := NewFetcher(testOptions(3), nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, "https://example.com/a")

	assert.True(t, result.OK())
	assert.NoError(t, result.Err)
	assert.Equal(t, "https://example.com/a", result.URL)
	assert.Equal(t, "OK", result.Title)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, utils.Fingerprint(nil, "<html>ok</html>"), result.Fingerprint)
	assert.Equal(t, int32(1), session.calls.Load())
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	session := &scriptedSession{failures: 2, page: RenderedPage{HTML: "<p>x</p>"}}
	fetcher := NewFetcher(testOptions(3), nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, "https://example.com")

	assert.True(t, result.OK())
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), session.calls.Load())
}

func TestFetch_ExhaustedReturnsEmptyContent(t *testing.T) {
	session := &scriptedSession{failures: 100, err: errors.New("net::ERR_CONNECTION_REFUSED connection refused")}
	fetcher := NewFetcher(testOptions(3), nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, "https://example.com/down")

	assert.False(t, result.OK())
	assert.Equal(t, "https://example.com/down", result.URL)
	assert.Empty(t, result.HTML)
	assert.Empty(t, result.Fingerprint)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), session.calls.Load())
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, utils.ErrFetchFailed)
	assert.Equal(t, "FetchFailed_ConnectionRefused", utils.CategorizeError(result.Err))
}

func TestFetch_BackoffBetweenAttempts(t *testing.T) {
	session := &scriptedSession{failures: 100}
	opts := testOptions(3)
	opts.Backoff = 40 * time.Millisecond
	fetcher := NewFetcher(opts, nil, testLogger())

	start := time.Now()
	fetcher.Fetch(context.Background(), session, "https://example.com")
	elapsed := time.Since(start)

	// Two waits between three attempts
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestFetch_TimeoutCountsAsOneAttempt(t *testing.T) {
	session := &scriptedSession{block: true}
	opts := testOptions(2)
	opts.Timeout = 20 * time.Millisecond
	fetcher := NewFetcher(opts, nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, "https://example.com/slow")

	assert.False(t, result.OK())
	assert.Equal(t, 2, result.Attempts)
	assert.ErrorIs(t, result.Err, utils.ErrRenderTimeout)
	assert.Equal(t, "FetchFailed_Timeout", utils.CategorizeError(result.Err))
}

func TestFetch_PanicIsContained(t *testing.T) {
	session := &scriptedSession{panicky: true}
	fetcher := NewFetcher(testOptions(2), nil, testLogger())

	var result = fetcher.Fetch(context.Background(), session, "https://example.com")

	assert.False(t, result.OK())
	assert.Contains(t, result.Err.Error(), "panic during render")
	assert.Equal(t, int32(2), session.calls.Load())
}

func TestFetch_EmptyDocumentIsFailure(t *testing.T) {
	session := &scriptedSession{page: RenderedPage{HTML: ""}}
	fetcher := NewFetcher(testOptions(1), nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, "https://example.com")

	assert.False(t, result.OK())
	assert.ErrorIs(t, result.Err, utils.ErrParsing)
}

func TestFetch_CancelledContext(t *testing.T) {
	session := &scriptedSession{}
	fetcher := NewFetcher(testOptions(3), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := fetcher.Fetch(ctx, session, "https://example.com")

	assert.False(t, result.OK())
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, int32(0), session.calls.Load())
}

func TestFetch_JitterWithinBounds(t *testing.T) {
	opts := testOptions(1)
	opts.JitterMin = 10 * time.Millisecond
	opts.JitterMax = 20 * time.Millisecond
	fetcher := NewFetcher(opts, nil, testLogger())

	for i := 0; i < 100; i++ {
		j := fetcher.jitter()
		assert.GreaterOrEqual(t, j, opts.JitterMin)
		assert.LessOrEqual(t, j, opts.JitterMax)
	}
}

func TestFetch_FingerprintIgnoresScriptArrivalOrder(t *testing.T) {
	a := CapturedScript{URL: "https://example.com/a.js", Body: []byte("A")}
	b := CapturedScript{URL: "https://example.com/b.js", Body: []byte("B")}
	fetcher := NewFetcher(testOptions(1), nil, testLogger())

	first := fetcher.Fetch(context.Background(), &scriptedSession{page: RenderedPage{HTML: "<p/>", Scripts: []CapturedScript{a, b}}}, "u")
	second := fetcher.Fetch(context.Background(), &scriptedSession{page: RenderedPage{HTML: "<p/>", Scripts: []CapturedScript{b, a}}}, "u")

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, utils.Fingerprint([][]byte{[]byte("A"), []byte("B")}, "<p/>"), first.Fingerprint)
}

func TestFetch_ScriptChangeChangesFingerprint(t *testing.T) {
	fetcher := NewFetcher(testOptions(1), nil, testLogger())
	html := "<html><script src=/app.js></script></html>"

	v1 := fetcher.Fetch(context.Background(), &scriptedSession{page: RenderedPage{HTML: html, Scripts: []CapturedScript{{URL: "/app.js", Body: []byte("v1")}}}}, "u")
	v2 := fetcher.Fetch(context.Background(), &scriptedSession{page: RenderedPage{HTML: html, Scripts: []CapturedScript{{URL: "/app.js", Body: []byte("v2")}}}}, "u")

	assert.NotEqual(t, v1.Fingerprint, v2.Fingerprint)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.AppConfig{}
	_, err := cfg.Validate()
	require.NoError(t, err)

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, time.Second, opts.Backoff)
	assert.Equal(t, 15*time.Second, opts.Timeout)
}

// --- Policy ---

func TestPolicy_Decide(t *testing.T) {
	policy, err := NewPolicy(config.DefaultScriptDenylist)
	require.NoError(t, err)

	tests := []struct {
		class ResourceClass
		url   string
		want  Verdict
	}{
		{ResourceDocument, "https://example.com/", Allow},
		{ResourceImage, "https://example.com/logo.png", Block},
		{ResourceMedia, "https://example.com/intro.mp4", Block},
		{ResourceFont, "https://fonts.example.com/a.woff2", Block},
		{ResourceStylesheet, "https://example.com/site.css", Block},
		{ResourceScript, "https://example.com/app.js", Capture},
		{ResourceScript, "https://www.googletagmanager.com/gtm.js?id=GTM-1", Block},
		{ResourceScript, "https://www.google-analytics.com/analytics.js", Block},
		{ResourceOther, "https://example.com/api/data", Allow},
	}
	for _, tt := range tests {
		t.Run(tt.class.String()+" "+tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Decide(tt.class, tt.url))
		})
	}
}

func TestPolicy_InvalidDenylist(t *testing.T) {
	_, err := NewPolicy([]string{"("})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

// --- HTTP session ---

func TestHTTPSession_RendersAndCapturesScripts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title> Home </title>
<script src="/static/app.js"></script>
<script src="https://www.googletagmanager.com/gtm.js"></script>
</head><body>hello</body></html>`)
	})
	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "console.log('app')")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	policy, err := NewPolicy(config.DefaultScriptDenylist)
	require.NoError(t, err)
	factory := NewHTTPFactory(server.Client(), "test-agent", policy, testLogger())
	session, err := factory.NewSession(context.Background(), 0)
	require.NoError(t, err)
	defer session.Close()

	page, err := session.Render(context.Background(), server.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "Home", page.Title)
	assert.Contains(t, page.HTML, "hello")
	require.Len(t, page.Scripts, 1)
	assert.Equal(t, server.URL+"/static/app.js", page.Scripts[0].URL)
	assert.Equal(t, "console.log('app')", string(page.Scripts[0].Body))
}

func TestHTTPSession_StatusErrorRetried(t *testing.T) {
	attempts := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "<html><title>Back</title></html>")
	}))
	t.Cleanup(server.Close)

	policy, _ := NewPolicy(nil)
	session, _ := NewHTTPFactory(server.Client(), "ua", policy, testLogger()).NewSession(context.Background(), 1)
	fetcher := NewFetcher(testOptions(3), nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, server.URL)

	assert.True(t, result.OK())
	assert.Equal(t, "Back", result.Title)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHTTPSession_NotFoundExhausts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	policy, _ := NewPolicy(nil)
	session, _ := NewHTTPFactory(server.Client(), "ua", policy, testLogger()).NewSession(context.Background(), 0)
	fetcher := NewFetcher(testOptions(2), nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, server.URL+"/missing")

	assert.False(t, result.OK())
	assert.ErrorIs(t, result.Err, utils.ErrHTTPStatus)
	assert.Equal(t, "FetchFailed_HTTPStatus", utils.CategorizeError(result.Err))
}

func TestHTTPSession_BlockedContentTypeNotRetried(t *testing.T) {
	attempts := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	t.Cleanup(server.Close)

	policy, _ := NewPolicy(nil)
	session, _ := NewHTTPFactory(server.Client(), "ua", policy, testLogger()).NewSession(context.Background(), 0)
	fetcher := NewFetcher(testOptions(3), nil, testLogger())

	result := fetcher.Fetch(context.Background(), session, server.URL+"/logo.png")

	assert.False(t, result.OK())
	assert.ErrorIs(t, result.Err, utils.ErrBlockedResource)
	assert.Equal(t, "FetchFailed_Blocked", utils.CategorizeError(result.Err))
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHTTPSession_OversizedBodyRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>"+strings.Repeat("x", 100)+"</body></html>")
	}))
	t.Cleanup(server.Close)

	policy, _ := NewPolicy(nil)
	factory := NewHTTPFactory(server.Client(), "ua", policy, testLogger())
	factory.maxBody = 64
	session, _ := factory.NewSession(context.Background(), 0)

	_, err := session.Render(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrParsing)
	assert.Contains(t, err.Error(), "exceeds 64 bytes")

	factory.maxBody = 1024
	page, err := session.Render(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Contains(t, page.HTML, "</html>")
}

func TestPolicy_CheckDocument(t *testing.T) {
	policy, err := NewPolicy(nil)
	require.NoError(t, err)

	tests := []struct {
		contentType string
		blocked     bool
	}{
		{"text/html; charset=utf-8", false},
		{"application/xhtml+xml", false},
		{"", false},
		{"not a media type;;", false},
		{"image/png", true},
		{"video/mp4", true},
		{"font/woff2", true},
		{"text/css", true},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			err := policy.CheckDocument("https://example.com/x", tt.contentType)
			if tt.blocked {
				assert.ErrorIs(t, err, utils.ErrBlockedResource)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSessionFactory(t *testing.T) {
	cfg := &config.AppConfig{Renderer: config.RendererHTTP}
	_, err := cfg.Validate()
	require.NoError(t, err)

	factory, err := NewSessionFactory(cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &HTTPFactory{}, factory)

	cfg.Renderer = config.RendererBrowser
	factory, err = NewSessionFactory(cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &BrowserFactory{}, factory)
}

func TestBrowserFactory_AllocatorOptions(t *testing.T) {
	f := NewBrowserFactory(BrowserOptions{UserAgent: "ua", Headless: true, ExecPath: "/usr/bin/chromium"}, nil, testLogger())
	// Defaults plus headless, gpu, shm, sandbox, user agent and exec path
	assert.Greater(t, len(f.allocatorOptions()), 6)
}

func TestClassifyResourceType(t *testing.T) {
	assert.Equal(t, ResourceImage, classifyResourceType("Image"))
	assert.Equal(t, ResourceScript, classifyResourceType("Script"))
	assert.Equal(t, ResourceDocument, classifyResourceType("Document"))
	assert.Equal(t, ResourceOther, classifyResourceType("XHR"))
}

func TestScriptCapture_WaitReturnsWhenIdle(t *testing.T) {
	c := &scriptCapture{}
	c.wait(context.Background()) // Nothing pending

	c.begin()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.add("s", []byte("x"))
		c.done()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.wait(ctx)
	assert.NoError(t, ctx.Err())
	assert.Len(t, c.snapshot(), 1)
}
