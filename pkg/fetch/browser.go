package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	applog "github.com/noname-app/site-crawler/pkg/log"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// BrowserOptions configures the headless Chrome each slot launches
type BrowserOptions struct {
	UserAgent string
	Headless  bool
	ExecPath  string // Empty uses chromedp's lookup
}

// BrowserFactory launches one Chrome process per worker slot
type BrowserFactory struct {
	opts   BrowserOptions
	policy *Policy
	log    *logrus.Entry
}

// NewBrowserFactory creates a factory applying policy to every tab
func NewBrowserFactory(opts BrowserOptions, policy *Policy, log *logrus.Entry) *BrowserFactory {
	return &BrowserFactory{opts: opts, policy: policy, log: log}
}

func (f *BrowserFactory) allocatorOptions() []chromedp.ExecAllocatorOption {
	execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	execOpts = append(execOpts,
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}
	if f.opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(f.opts.ExecPath))
	}
	return execOpts
}

// NewSession starts the browser for slot and keeps it alive until Close.
func (f *BrowserFactory) NewSession(ctx context.Context, slot int) (Session, error) {
	slotLog := f.log.WithField("worker_slot", slot)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, applog.ChromedpOptions(slotLog)...)

	// First Run on the browser context launches Chrome
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: slot %d: %w", utils.ErrSessionInit, slot, err)
	}
	slotLog.Debug("Browser session started")

	return &browserSession{
		browserCtx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		policy: f.policy,
		log:    slotLog,
	}, nil
}

type browserSession struct {
	browserCtx context.Context
	cancel     func()
	policy     *Policy
	log        *logrus.Entry
}

// Close shuts down the tab set and the Chrome process
func (s *browserSession) Close() error {
	s.cancel()
	s.log.Debug("Browser session closed")
	return nil
}

// Render opens a fresh tab, installs interception, navigates and captures
// the final DOM. The tab is closed on every exit path.
func (s *browserSession) Render(ctx context.Context, pageURL string) (*RenderedPage, error) {
	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	capture := &scriptCapture{}
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		paused, ok := ev.(*cdpfetch.EventRequestPaused)
		if !ok {
			return
		}
		// Handlers must not block the event loop
		capture.begin()
		go func() {
			defer capture.done()
			s.handlePaused(tabCtx, paused, capture)
		}()
	})

	var html, title, location, contentType string
	err := chromedp.Run(tabCtx,
		cdpfetch.Enable().WithPatterns([]*cdpfetch.RequestPattern{
			{URLPattern: "*", RequestStage: cdpfetch.RequestStageRequest},
			{URLPattern: "*", ResourceType: network.ResourceTypeScript, RequestStage: cdpfetch.RequestStageResponse},
		}),
		chromedp.Navigate(pageURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.Evaluate(`document.contentType`, &contentType),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("navigate %s: %w", pageURL, ctxErr)
		}
		return nil, fmt.Errorf("navigate %s: %w", pageURL, err)
	}

	if err := s.policy.CheckDocument(pageURL, contentType); err != nil {
		return nil, err
	}

	capture.wait(ctx)
	return &RenderedPage{
		URL:      pageURL,
		FinalURL: location,
		HTML:     html,
		Title:    strings.TrimSpace(title),
		Scripts:  capture.snapshot(),
	}, nil
}

func (s *browserSession) handlePaused(tabCtx context.Context, ev *cdpfetch.EventRequestPaused, capture *scriptCapture) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)
	reqURL := ev.Request.URL
	reqLog := s.log.WithFields(logrus.Fields{"resource": reqURL, "type": ev.ResourceType})

	// Response stage is only requested for scripts
	if ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != "" {
		if ev.ResponseStatusCode >= 200 && ev.ResponseStatusCode < 300 {
			body, err := cdpfetch.GetResponseBody(ev.RequestID).Do(execCtx)
			if err != nil {
				reqLog.Debugf("Cannot read script body: %v", err)
			} else {
				capture.add(reqURL, body)
			}
		}
		if err := cdpfetch.ContinueRequest(ev.RequestID).Do(execCtx); err != nil {
			reqLog.Debugf("Continue after capture failed: %v", err)
		}
		return
	}

	switch s.policy.Decide(classifyResourceType(ev.ResourceType), reqURL) {
	case Block:
		if err := cdpfetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); err != nil {
			reqLog.Debugf("Block failed: %v", err)
		}
	default:
		if err := cdpfetch.ContinueRequest(ev.RequestID).Do(execCtx); err != nil {
			reqLog.Debugf("Continue failed: %v", err)
		}
	}
}

func classifyResourceType(t network.ResourceType) ResourceClass {
	switch t {
	case network.ResourceTypeDocument:
		return ResourceDocument
	case network.ResourceTypeScript:
		return ResourceScript
	case network.ResourceTypeStylesheet:
		return ResourceStylesheet
	case network.ResourceTypeImage:
		return ResourceImage
	case network.ResourceTypeMedia:
		return ResourceMedia
	case network.ResourceTypeFont:
		return ResourceFont
	}
	return ResourceOther
}
