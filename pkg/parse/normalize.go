package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/noname-app/site-crawler/pkg/utils"
)

// NormalizeURL standardizes a URL for comparison and storage.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), strips every trailing slash from the path (so the site root has an empty path), and removes fragments, query strings and user info.
// Applying it to its own output returns the same string.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	return normalize(u, false)
}

func normalize(u *url.URL, keepQuery bool) string {
	if u == nil {
		return ""
	}
	// Work on a copy
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	normalized.User = nil

	// Remove default ports
	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	normalized.Path = strings.TrimRight(normalized.Path, "/")
	if normalized.RawPath != "" {
		normalized.RawPath = strings.TrimRight(normalized.RawPath, "/")
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	if !keepQuery {
		normalized.RawQuery = ""
	}
	normalized.ForceQuery = false

	return normalized.String()
}

// Normalizer applies the configured query policy to string URLs
type Normalizer struct {
	KeepQuery bool
}

// Normalize parses and normalizes raw. Unparseable input yields "".
func (n Normalizer) Normalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return normalize(u, n.KeepQuery)
}

// URL normalizes an already parsed URL
func (n Normalizer) URL(u *url.URL) string {
	return normalize(u, n.KeepQuery)
}

// SiteRoot validates a website identifier and reduces it to scheme://host.
// The input must be an absolute http or https URL with a host.
func SiteRoot(website string) (*url.URL, error) {
	website = strings.TrimSpace(website)
	if website == "" {
		return nil, fmt.Errorf("%w: empty website", utils.ErrInvalidWebsite)
	}
	parsed, err := url.ParseRequestURI(website)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", utils.ErrInvalidWebsite, website, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: %q: unsupported scheme %q", utils.ErrInvalidWebsite, website, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q: missing host", utils.ErrInvalidWebsite, website)
	}
	root := &url.URL{Scheme: scheme, Host: parsed.Host}
	normalized, _ := url.Parse(NormalizeURL(root))
	return normalized, nil
}

// SameHost compares hosts ignoring case and scheme.
func SameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

// ResolveRootRelative resolves href against the site root, never against the
// page it was found on: both "/foo" and "foo" become root + "/foo".
// Absolute and scheme-relative hrefs are returned as they are.
func ResolveRootRelative(root *url.URL, href string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("%w: URL %q: %v", utils.ErrParsing, href, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return root.ResolveReference(ref), nil
	}
	if !strings.HasPrefix(ref.Path, "/") {
		ref.Path = "/" + ref.Path
		ref.RawPath = ""
	}
	return root.ResolveReference(ref), nil
}

// ResolveStandard resolves href against the page URL per RFC 3986.
func ResolveStandard(base *url.URL, href string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("%w: URL %q: %v", utils.ErrParsing, href, err)
	}
	return base.ResolveReference(ref), nil
}
