package fetch

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// CapturedScript is one script response body observed during a render
type CapturedScript struct {
	URL  string
	Body []byte
}

// RenderedPage is the outcome of one successful render attempt
type RenderedPage struct {
	URL      string
	FinalURL string
	HTML     string
	Title    string
	Scripts  []CapturedScript
}

// Session renders pages for exactly one worker slot. Implementations need not
// be safe for concurrent use.
type Session interface {
	// Render performs a single attempt. Resources opened for the attempt are
	// released before it returns.
	Render(ctx context.Context, pageURL string) (*RenderedPage, error)
	Close() error
}

// SessionFactory creates the per-slot session. ctx bounds the session lifetime.
type SessionFactory interface {
	NewSession(ctx context.Context, slot int) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory
type SessionFactoryFunc func(ctx context.Context, slot int) (Session, error)

// NewSession implements SessionFactory
func (f SessionFactoryFunc) NewSession(ctx context.Context, slot int) (Session, error) {
	return f(ctx, slot)
}

// scriptCapture accumulates script bodies from concurrent interception
// handlers. Handlers may start after wait has begun, so a counter is used
// instead of a WaitGroup.
type scriptCapture struct {
	mu      sync.Mutex
	pending int
	idle    chan struct{}
	scripts []CapturedScript
}

func (c *scriptCapture) begin() {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
}

func (c *scriptCapture) done() {
	c.mu.Lock()
	c.pending--
	if c.pending == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
	c.mu.Unlock()
}

func (c *scriptCapture) add(url string, body []byte) {
	c.mu.Lock()
	c.scripts = append(c.scripts, CapturedScript{URL: url, Body: body})
	c.mu.Unlock()
}

// wait blocks until in-flight handlers finish or ctx is done
func (c *scriptCapture) wait(ctx context.Context) {
	c.mu.Lock()
	if c.pending == 0 {
		c.mu.Unlock()
		return
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
	}
}

func (c *scriptCapture) snapshot() []CapturedScript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.scripts)
}

// orderScripts sorts by URL then body so the digest does not depend on the
// order responses arrived in.
func orderScripts(scripts []CapturedScript) [][]byte {
	sorted := slices.Clone(scripts)
	slices.SortStableFunc(sorted, func(a, b CapturedScript) int {
		if c := cmp.Compare(a.URL, b.URL); c != 0 {
			return c
		}
		return slices.Compare(a.Body, b.Body)
	})
	bodies := make([][]byte, len(sorted))
	for i, s := range sorted {
		bodies[i] = s.Body
	}
	return bodies
}
