package process

import (
	"iter"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/parse"
)

// Resolution selects how relative hrefs are turned into absolute URLs
type Resolution string

const (
	// ResolveRoot joins every relative href onto the site root, so "foo" on
	// /docs/page becomes /foo. Matches the URLs already stored for tenants.
	ResolveRoot Resolution = "root"
	// ResolveStandard resolves against the page URL per RFC 3986.
	ResolveStandard Resolution = "standard"
)

var skippedSchemes = []string{"mailto:", "tel:", "javascript:"}

// LinkExtractor finds same-site links in rendered HTML
type LinkExtractor struct {
	root       *url.URL
	resolution Resolution
	normalizer parse.Normalizer
	log        *logrus.Entry
}

// NewLinkExtractor creates a LinkExtractor bound to one site root
func NewLinkExtractor(root *url.URL, resolution Resolution, keepQuery bool, log *logrus.Entry) *LinkExtractor {
	if resolution == "" {
		resolution = ResolveRoot
	}
	return &LinkExtractor{
		root:       root,
		resolution: resolution,
		normalizer: parse.Normalizer{KeepQuery: keepQuery},
		log:        log.WithField("component", "link_extractor"),
	}
}

type rawLink struct {
	url    string
	anchor string
}

// Links returns the normalized same-domain URLs linked from html. The
// sequence is lazy and finite, and ranging over it again starts over from the
// document. Duplicates are not removed.
func (le *LinkExtractor) Links(html, pageURL string) iter.Seq[string] {
	return func(yield func(string) bool) {
		le.walk(html, pageURL, func(l rawLink) bool {
			return yield(l.url)
		})
	}
}

// ExtractLinks collects the edges from pageURL with their anchor text.
func (le *LinkExtractor) ExtractLinks(html, pageURL string, depth int) []models.InternalLink {
	var links []models.InternalLink
	le.walk(html, pageURL, func(l rawLink) bool {
		links = append(links, models.InternalLink{
			FromURL:    pageURL,
			ToURL:      l.url,
			AnchorText: l.anchor,
			FromDepth:  depth,
		})
		return true
	})
	return links
}

func (le *LinkExtractor) walk(html, pageURL string, emit func(rawLink) bool) {
	if html == "" {
		return
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		le.log.WithField("url", pageURL).Warnf("Cannot parse HTML for links: %v", err)
		return
	}

	var base *url.URL
	if le.resolution == ResolveStandard {
		base, err = url.Parse(pageURL)
		if err != nil {
			le.log.WithField("url", pageURL).Warnf("Invalid page URL, falling back to root resolution: %v", err)
			base = nil
		}
	}

	doc.Find("a[href]").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		href, _ := el.Attr("href")
		normalized, ok := le.accept(href, base)
		if !ok {
			return true
		}
		return emit(rawLink{url: normalized, anchor: strings.Join(strings.Fields(el.Text()), " ")})
	})
}

// accept applies the filter chain to one href and returns its normalized form.
func (le *LinkExtractor) accept(href string, base *url.URL) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	var (
		resolved *url.URL
		err      error
	)
	if base != nil {
		resolved, err = parse.ResolveStandard(base, href)
	} else {
		resolved, err = parse.ResolveRootRelative(le.root, href)
	}
	if err != nil {
		le.log.Debugf("Skipping unparseable href '%s': %v", href, err)
		return "", false
	}

	scheme := strings.ToLower(resolved.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if !parse.SameHost(resolved, le.root) {
		return "", false
	}
	if strings.HasSuffix(strings.ToLower(resolved.Path), ".pdf") {
		return "", false
	}

	return le.normalizer.URL(resolved), true
}
