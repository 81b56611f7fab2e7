package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/utils"
)

const maxBodyBytes = 10 << 20

// NewClient creates a new HTTP client based on the provided configuration.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}

	return &http.Client{
		Transport: transport, // Deadlines come from the per-attempt context
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
}

// HTTPFactory renders pages without a browser: the HTML is the server
// response, and external scripts the policy captures are downloaded directly.
type HTTPFactory struct {
	client    *http.Client
	userAgent string
	policy    *Policy
	maxBody   int
	log       *logrus.Entry
}

// NewHTTPFactory creates a factory sharing one client across slots
func NewHTTPFactory(client *http.Client, userAgent string, policy *Policy, log *logrus.Entry) *HTTPFactory {
	return &HTTPFactory{client: client, userAgent: userAgent, policy: policy, maxBody: maxBodyBytes, log: log}
}

// NewSession implements SessionFactory
func (f *HTTPFactory) NewSession(_ context.Context, slot int) (Session, error) {
	return &httpSession{factory: f, log: f.log.WithField("worker_slot", slot)}, nil
}

type httpSession struct {
	factory *HTTPFactory
	log     *logrus.Entry
}

func (s *httpSession) Close() error { return nil }

func (s *httpSession) Render(ctx context.Context, pageURL string) (*RenderedPage, error) {
	body, finalURL, err := s.get(ctx, pageURL, true)
	if err != nil {
		return nil, err
	}
	html := string(body)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML %s: %w", utils.ErrParsing, pageURL, err)
	}
	page := &RenderedPage{
		URL:      pageURL,
		FinalURL: finalURL.String(),
		HTML:     html,
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
	}

	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		scriptURL, err := finalURL.Parse(strings.TrimSpace(src))
		if err != nil {
			return
		}
		if s.factory.policy.Decide(ResourceScript, scriptURL.String()) != Capture {
			s.log.WithField("script", scriptURL.String()).Debug("Script blocked by policy")
			return
		}
		scriptBody, _, err := s.get(ctx, scriptURL.String(), false)
		if err != nil {
			s.log.WithField("script", scriptURL.String()).Debugf("Script not captured: %v", err)
			return
		}
		page.Scripts = append(page.Scripts, CapturedScript{URL: scriptURL.String(), Body: scriptBody})
	})
	return page, nil
}

// get downloads rawURL. For the page itself the response type is checked
// against the policy before the body is read.
func (s *httpSession) get(ctx context.Context, rawURL string, page bool) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: URL %s: %w", utils.ErrParsing, rawURL, err)
	}
	req.Header.Set("User-Agent", s.factory.userAgent)

	resp, err := s.factory.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, fmt.Errorf("%w: status %d %s", utils.ErrHTTPStatus, resp.StatusCode, resp.Status)
	}
	if page {
		if err := s.factory.policy.CheckDocument(rawURL, resp.Header.Get("Content-Type")); err != nil {
			return nil, nil, err
		}
	}
	// One byte past the limit tells a full body from a cut one
	limit := s.factory.maxBody
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > limit {
		s.log.WithField("url", rawURL).Warnf("Response exceeds %d bytes, not fingerprinting a partial body", limit)
		return nil, nil, fmt.Errorf("%w: HTML %s exceeds %d bytes", utils.ErrParsing, rawURL, limit)
	}
	return body, resp.Request.URL, nil
}
