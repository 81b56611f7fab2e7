package fetch

import (
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/noname-app/site-crawler/pkg/utils"
)

// ResourceClass is the closed set of sub-resource kinds the interception
// policy knows about.
type ResourceClass int

const (
	ResourceOther ResourceClass = iota
	ResourceDocument
	ResourceScript
	ResourceStylesheet
	ResourceImage
	ResourceMedia
	ResourceFont
)

var resourceClassNames = [...]string{
	ResourceOther:      "other",
	ResourceDocument:   "document",
	ResourceScript:     "script",
	ResourceStylesheet: "stylesheet",
	ResourceImage:      "image",
	ResourceMedia:      "media",
	ResourceFont:       "font",
}

func (c ResourceClass) String() string {
	if int(c) < len(resourceClassNames) {
		return resourceClassNames[c]
	}
	return "unknown"
}

// Verdict is what the policy does with one intercepted request
type Verdict int

const (
	Allow   Verdict = iota // Let through untouched
	Block                  // Abort the request
	Capture                // Let through and keep the response body for the fingerprint
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Capture:
		return "capture"
	}
	return "unknown"
}

// classVerdicts is the static part of the policy. Scripts are decided per URL.
var classVerdicts = map[ResourceClass]Verdict{
	ResourceDocument:   Allow,
	ResourceOther:      Allow,
	ResourceStylesheet: Block,
	ResourceImage:      Block,
	ResourceMedia:      Block,
	ResourceFont:       Block,
	ResourceScript:     Capture,
}

// Policy decides which sub-resources a render may load.
type Policy struct {
	scriptDenylist []*regexp.Regexp
}

// NewPolicy compiles the script denylist
func NewPolicy(scriptDenylist []string) (*Policy, error) {
	compiled, err := utils.CompileRegexPatterns(scriptDenylist)
	if err != nil {
		return nil, err
	}
	return &Policy{scriptDenylist: compiled}, nil
}

// Decide returns the verdict for a request of the given class and URL.
func (p *Policy) Decide(class ResourceClass, requestURL string) Verdict {
	verdict, ok := classVerdicts[class]
	if !ok {
		return Allow
	}
	if class == ResourceScript && p != nil && utils.MatchAny(p.scriptDenylist, requestURL) {
		return Block
	}
	return verdict
}

// ClassifyContentType maps a response media type onto a resource class.
// Empty, unparseable and unknown types count as documents.
func ClassifyContentType(contentType string) ResourceClass {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ResourceDocument
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return ResourceImage
	case strings.HasPrefix(mediaType, "audio/"), strings.HasPrefix(mediaType, "video/"):
		return ResourceMedia
	case strings.HasPrefix(mediaType, "font/"):
		return ResourceFont
	case mediaType == "text/css":
		return ResourceStylesheet
	}
	return ResourceDocument
}

// CheckDocument rejects a page URL whose response is a resource the policy
// blocks, such as an anchor pointing at an image. The error wraps
// ErrBlockedResource and is not worth retrying.
func (p *Policy) CheckDocument(pageURL, contentType string) error {
	class := ClassifyContentType(contentType)
	if class == ResourceDocument || p.Decide(class, pageURL) != Block {
		return nil
	}
	return fmt.Errorf("%w: %s is %s (%s)", utils.ErrBlockedResource, pageURL, class, contentType)
}
