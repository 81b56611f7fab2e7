package parse

import (
	"errors"
	"net/url"
	"testing"

	"github.com/noname-app/site-crawler/pkg/utils"
)

func TestNormalizeURL_NilInput(t *testing.T) {
	result := NormalizeURL(nil)
	if result != "" {
		t.Errorf("NormalizeURL(nil) = %q, want empty string", result)
	}
}

func TestNormalizeURL_Cases(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"UppercaseScheme", "HTTP://example.com/path", "http://example.com/path"},
		{"UppercaseHost", "http://EXAMPLE.COM/path", "http://example.com/path"},
		{"PathCasePreserved", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"HTTPPort80Removed", "http://example.com:80/path", "http://example.com/path"},
		{"HTTPSPort443Removed", "https://example.com:443/path", "https://example.com/path"},
		{"NonDefaultPortKept", "http://example.com:8080/path", "http://example.com:8080/path"},
		{"RootSlashStripped", "https://example.com/", "https://example.com"},
		{"EmptyPath", "https://example.com", "https://example.com"},
		{"TrailingSlashStripped", "https://example.com/a/b/", "https://example.com/a/b"},
		{"RepeatedTrailingSlashes", "https://example.com/a//", "https://example.com/a"},
		{"FragmentStripped", "https://example.com/page#section", "https://example.com/page"},
		{"QueryStripped", "https://example.com/search?q=go&utm_source=x", "https://example.com/search"},
		{"UserInfoDropped", "https://user:pw@example.com/x", "https://example.com/x"},
		{"EncodedPathKept", "https://example.com/a%20b/", "https://example.com/a%20b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := url.Parse(tt.input)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.input, err)
			}
			result := NormalizeURL(parsed)
			if result != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_Idempotent(t *testing.T) {
	inputs := []string{
		"https://Example.com/",
		"https://example.com/a/b/?x=1#frag",
		"http://example.com:80",
		"https://example.com/a%20b//",
		"https://example.com/caf%C3%A9/",
		"https://example.com/path;params/",
	}
	for _, in := range inputs {
		u, err := url.Parse(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		once := NormalizeURL(u)
		again, err := url.Parse(once)
		if err != nil {
			t.Fatalf("re-parse %q: %v", once, err)
		}
		if twice := NormalizeURL(again); twice != once {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	u, _ := url.Parse("HTTPS://Example.com:443/a/#frag")
	before := u.String()
	_ = NormalizeURL(u)
	if u.String() != before {
		t.Errorf("input modified: %q -> %q", before, u.String())
	}
}

func TestNormalizer_KeepQuery(t *testing.T) {
	keep := Normalizer{KeepQuery: true}
	if got := keep.Normalize("https://example.com/p/?page=2#x"); got != "https://example.com/p?page=2" {
		t.Errorf("KeepQuery Normalize = %q", got)
	}
	strip := Normalizer{}
	if got := strip.Normalize("https://example.com/p/?page=2"); got != "https://example.com/p" {
		t.Errorf("Normalize = %q", got)
	}
	if got := strip.Normalize("http://[::1"); got != "" {
		t.Errorf("unparseable input should give empty string, got %q", got)
	}
}

func TestSiteRoot(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"https://www.example.com/", "https://www.example.com", false},
		{"https://WWW.Example.com/some/page?x=1", "https://www.example.com", false},
		{"http://example.com:80", "http://example.com", false},
		{"  https://example.com  ", "https://example.com", false},
		{"not a url", "", true},
		{"", "", true},
		{"ftp://example.com", "", true},
		{"example.com", "", true},
		{"relative/path", "", true},
		{"https://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			root, err := SiteRoot(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SiteRoot(%q) expected error, got %v", tt.input, root)
				}
				if !errors.Is(err, utils.ErrInvalidWebsite) {
					t.Errorf("expected ErrInvalidWebsite, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SiteRoot(%q) unexpected error: %v", tt.input, err)
			}
			if root.String() != tt.want {
				t.Errorf("SiteRoot(%q) = %q, want %q", tt.input, root.String(), tt.want)
			}
		})
	}
}

func TestResolveRootRelative(t *testing.T) {
	root, _ := url.Parse("https://example.com")
	tests := []struct {
		href string
		want string
	}{
		{"/foo", "https://example.com/foo"},
		{"foo", "https://example.com/foo"},
		{"foo/bar", "https://example.com/foo/bar"},
		{"./foo", "https://example.com/foo"},
		{"../foo", "https://example.com/foo"},
		{"/foo#top", "https://example.com/foo#top"},
		{"https://example.com/abs", "https://example.com/abs"},
		{"//cdn.example.com/x", "https://cdn.example.com/x"},
		{"https://other.test/y", "https://other.test/y"},
	}
	for _, tt := range tests {
		got, err := ResolveRootRelative(root, tt.href)
		if err != nil {
			t.Fatalf("ResolveRootRelative(%q): %v", tt.href, err)
		}
		if got.String() != tt.want {
			t.Errorf("ResolveRootRelative(%q) = %q, want %q", tt.href, got.String(), tt.want)
		}
	}
}

func TestResolveStandard(t *testing.T) {
	base, _ := url.Parse("https://example.com/docs/guide")
	got, err := ResolveStandard(base, "intro")
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "https://example.com/docs/intro" {
		t.Errorf("ResolveStandard = %q", got.String())
	}
	if _, err := ResolveStandard(base, "http://[::1"); !errors.Is(err, utils.ErrParsing) {
		t.Errorf("expected ErrParsing, got %v", err)
	}
}

func TestSameHost(t *testing.T) {
	a, _ := url.Parse("https://Example.com/x")
	b, _ := url.Parse("http://example.COM/y")
	c, _ := url.Parse("https://sub.example.com/")
	if !SameHost(a, b) {
		t.Error("hosts should match ignoring case and scheme")
	}
	if SameHost(a, c) {
		t.Error("subdomain must not match")
	}
	if SameHost(nil, a) {
		t.Error("nil must not match")
	}
}
