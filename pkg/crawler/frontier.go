package crawler

import (
	"context"
	"regexp"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/process"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// BatchRunner executes one batch of fetches and waits for all of them
type BatchRunner interface {
	Size() int
	RunBatch(ctx context.Context, urls []string) []models.FetchResult
}

// FrontierOptions restricts which discovered URLs are crawled
type FrontierOptions struct {
	ExcludePatterns []*regexp.Regexp // Matched against the normalized URL
	ExcludePages    []string         // Exact normalized URLs
	MaxPages        int              // 0 = unlimited
	CollectLinks    bool             // Keep the link edges in the result
}

// CrawlResult is the final state of one crawl pass
type CrawlResult struct {
	Root            string
	Pages           []models.PageObservation // Successful fetches, in dispatch order
	Failed          []string                 // URLs whose fetches were exhausted
	Links           []models.InternalLink    // Only with CollectLinks
	Dispatched      []string                 // Every URL handed to the runner, in order
	Depths          int                      // Depth transitions performed
	VisitedPerDepth []int                    // Size of the visited set after each depth
	Duration        time.Duration
}

// Visited is the number of URLs attempted
func (r *CrawlResult) Visited() int { return len(r.Dispatched) }

// Frontier schedules a site crawl breadth-first, one depth at a time. Only
// the goroutine calling Crawl reads or writes the visited set.
type Frontier struct {
	runner    BatchRunner
	extractor *process.LinkExtractor
	opts      FrontierOptions
	excluded  map[string]bool
	log       *logrus.Entry
}

// NewFrontier creates a Frontier dispatching through runner
func NewFrontier(runner BatchRunner, extractor *process.LinkExtractor, opts FrontierOptions, log *logrus.Entry) *Frontier {
	excluded := make(map[string]bool, len(opts.ExcludePages))
	for _, page := range opts.ExcludePages {
		excluded[page] = true
	}
	return &Frontier{
		runner:    runner,
		extractor: extractor,
		opts:      opts,
		excluded:  excluded,
		log:       log.WithField("component", "frontier"),
	}
}

// Crawl runs depth waves from root until no unvisited URL remains. When ctx
// ends early the partial result is returned with ctx's error.
func (f *Frontier) Crawl(ctx context.Context, root string) (*CrawlResult, error) {
	start := time.Now()
	result := &CrawlResult{Root: root}
	visited := make(map[string]bool)
	frontier := []string{root}
	depth := 0
	batchSize := max(f.runner.Size(), 1)

	defer func() { result.Duration = time.Since(start) }()

	for {
		depthLog := f.log.WithFields(logrus.Fields{"depth": depth, "frontier": len(frontier)})
		depthLog.Info("Processing depth")
		candidates := make(map[string]struct{})

		for offset := 0; offset < len(frontier); offset += batchSize {
			if err := ctx.Err(); err != nil {
				depthLog.Warnf("Crawl stopped mid-depth: %v", err)
				return result, err
			}
			batch := frontier[offset:min(offset+batchSize, len(frontier))]
			for _, u := range batch {
				visited[u] = true
			}
			result.Dispatched = append(result.Dispatched, batch...)

			for _, res := range f.runner.RunBatch(ctx, batch) {
				if !res.OK() {
					result.Failed = append(result.Failed, res.URL)
					depthLog.WithFields(logrus.Fields{
						"url":        res.URL,
						"error_type": utils.CategorizeError(res.Err),
					}).Warn("Page failed, no links followed")
					continue
				}
				result.Pages = append(result.Pages, models.PageObservation{
					URL:         res.URL,
					Title:       res.Title,
					Fingerprint: res.Fingerprint,
					Depth:       depth,
				})
				f.collect(res, depth, candidates, result)
			}
		}
		result.VisitedPerDepth = append(result.VisitedPerDepth, len(visited))

		if err := ctx.Err(); err != nil {
			depthLog.Warnf("Crawl stopped after depth: %v", err)
			return result, err
		}

		next := f.nextFrontier(candidates, visited)
		if len(next) == 0 {
			break
		}
		depth++
		frontier = next
	}

	result.Depths = depth
	f.log.WithFields(logrus.Fields{
		"visited": len(visited),
		"pages":   len(result.Pages),
		"failed":  len(result.Failed),
		"depths":  depth,
	}).Info("Frontier exhausted")
	return result, nil
}

func (f *Frontier) collect(res models.FetchResult, depth int, candidates map[string]struct{}, result *CrawlResult) {
	if f.opts.CollectLinks {
		links := f.extractor.ExtractLinks(res.HTML, res.URL, depth)
		for _, link := range links {
			candidates[link.ToURL] = struct{}{}
		}
		result.Links = append(result.Links, links...)
		return
	}
	for link := range f.extractor.Links(res.HTML, res.URL) {
		candidates[link] = struct{}{}
	}
}

// nextFrontier is candidates minus visited and excluded URLs, sorted so
// batches are reproducible.
func (f *Frontier) nextFrontier(candidates map[string]struct{}, visited map[string]bool) []string {
	next := make([]string, 0, len(candidates))
	for u := range candidates {
		if visited[u] || f.isExcluded(u) {
			continue
		}
		next = append(next, u)
	}
	slices.Sort(next)

	if f.opts.MaxPages > 0 {
		remaining := f.opts.MaxPages - len(visited)
		if remaining <= 0 {
			if len(next) > 0 {
				f.log.Warnf("max_pages (%d) reached, dropping %d queued URL(s)", f.opts.MaxPages, len(next))
			}
			return nil
		}
		if len(next) > remaining {
			f.log.Warnf("max_pages (%d) reached, dropping %d queued URL(s)", f.opts.MaxPages, len(next)-remaining)
			next = next[:remaining]
		}
	}
	return next
}

func (f *Frontier) isExcluded(u string) bool {
	return f.excluded[u] || utils.MatchAny(f.opts.ExcludePatterns, u)
}
