// Package watch re-crawls configured tenants on a fixed interval.
package watch

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/orchestrate"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// TenantCrawler runs one crawl per tenant; *orchestrate.Orchestrator implements it
type TenantCrawler interface {
	CrawlAll(ctx context.Context, tenants []config.TenantConfig) []orchestrate.TenantResult
}

// Scheduler crawls every tenant whose last run is older than the interval
type Scheduler struct {
	tenants  []config.TenantConfig
	crawler  TenantCrawler
	interval time.Duration
	state    *StateManager
	log      *logrus.Entry

	running sync.Mutex // Held while a round of crawls is in flight
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler persisting its state in stateDir
func NewScheduler(tenants []config.TenantConfig, crawler TenantCrawler, interval time.Duration, stateDir string, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		tenants:  tenants,
		crawler:  crawler,
		interval: interval,
		state:    NewStateManager(stateDir),
		log:      log.WithField("component", "watch"),
	}
}

// Run loads the saved state, crawls due tenants immediately and then on
// every tick. It blocks until ctx is done and the in-flight round finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.state.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode for %d tenant(s) with interval %s", len(s.tenants), FormatInterval(s.interval))
	s.logSchedule()

	s.startRound(ctx)

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.startRound(ctx)
		}
	}
}

// startRound runs due tenants in the background unless a round is in flight
func (s *Scheduler) startRound(ctx context.Context) {
	if !s.running.TryLock() {
		s.log.Debug("Previous round still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Unlock()
		s.RunDue(ctx)
	}()
}

// RunDue crawls the tenants that are due, records their outcome and saves
// the state. It returns the results of this round.
func (s *Scheduler) RunDue(ctx context.Context) []orchestrate.TenantResult {
	due := s.dueTenants()
	if len(due) == 0 {
		s.logNextRun()
		return nil
	}
	ids := make([]string, len(due))
	for i, t := range due {
		ids[i] = t.ID
	}
	s.log.Infof("Running crawl for %d due tenant(s): %v", len(due), ids)

	results := s.crawler.CrawlAll(ctx, due)
	for _, r := range results {
		state := TenantState{LastRunSuccess: r.Success()}
		if r.Job != nil {
			state.LastJobID = r.Job.ID
			state.PagesVisited = r.Job.PagesVisited
			state.ChangedCount = r.Job.ChangedCount
			state.ErrorMessage = r.Job.Error
		}
		if r.Err != nil {
			state.ErrorMessage = r.Err.Error()
		}
		s.state.Record(r.TenantID, state)
	}

	if err := s.state.Save(); err != nil {
		s.log.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to save watch state: %v", err)
	}
	s.logNextRun()
	return results
}

func (s *Scheduler) dueTenants() []config.TenantConfig {
	var due []config.TenantConfig
	for _, t := range s.tenants {
		if s.state.ShouldRun(t.ID, s.interval) {
			due = append(due, t)
		}
	}
	return due
}

// tickInterval is a tenth of the interval, clamped to [1m, 10m]
func (s *Scheduler) tickInterval() time.Duration {
	return min(max(s.interval/10, time.Minute), 10*time.Minute)
}

func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	for _, st := range s.Status() {
		if st.NeverRun {
			s.log.Infof("  %s: never run, will run immediately", st.TenantID)
			continue
		}
		result := "success"
		if !st.LastRunSuccess {
			result = "failed"
		}
		s.log.Infof("  %s: last run %s (%s, %d pages, %d changed), next run %s",
			st.TenantID,
			st.LastRunTime.Format(time.RFC3339),
			result,
			st.PagesVisited,
			st.ChangedCount,
			st.NextRunTime.Format(time.RFC3339))
	}
}

func (s *Scheduler) logNextRun() {
	statuses := s.Status()
	if len(statuses) == 0 {
		return
	}
	next := slices.MinFunc(statuses, func(a, b TenantStatus) int {
		return a.NextRunTime.Compare(b.NextRunTime)
	})
	until := max(time.Until(next.NextRunTime), 0)
	s.log.Infof("Next crawl: %s in %v (at %s)", next.TenantID, until.Round(time.Second), next.NextRunTime.Format("15:04:05"))
}

// TenantStatus is the schedule view of one tenant
type TenantStatus struct {
	TenantID string
	TenantState
	NextRunTime time.Time
	NeverRun    bool
}

// Status returns the schedule of every tenant, in configuration order
func (s *Scheduler) Status() []TenantStatus {
	out := make([]TenantStatus, 0, len(s.tenants))
	for _, t := range s.tenants {
		state, ok := s.state.Get(t.ID)
		out = append(out, TenantStatus{
			TenantID:    t.ID,
			TenantState: state,
			NextRunTime: s.state.NextRunTime(t.ID, s.interval),
			NeverRun:    !ok,
		})
	}
	return out
}

// FormatInterval formats a duration using the largest of d, h, m or s units
func FormatInterval(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		hours, mins := int(d.Hours()), int(d.Minutes())%60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days, hours := int(d.Hours())/24, int(d.Hours())%24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a Go duration with an optional leading day count,
// e.g. "30m", "24h", "7d" or "1d12h". The result must be positive.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	d, err := time.ParseDuration(s)
	if err != nil {
		days, rest, found := strings.Cut(s, "d")
		n, convErr := strconv.Atoi(days)
		if !found || convErr != nil {
			return 0, fmt.Errorf("%w: invalid interval %q (examples: 30m, 1h, 24h, 7d)", utils.ErrConfigValidation, s)
		}
		d = time.Duration(n) * 24 * time.Hour
		if rest != "" {
			extra, err := time.ParseDuration(rest)
			if err != nil {
				return 0, fmt.Errorf("%w: invalid interval %q", utils.ErrConfigValidation, s)
			}
			d += extra
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval %q must be positive", utils.ErrConfigValidation, s)
	}
	return d, nil
}
