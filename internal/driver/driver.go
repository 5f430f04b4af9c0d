// Package driver defines the abstract automation capability the session
// layer drives, and provides the chromedp-backed implementation. This is the
// only package that knows which rendering backend is in use; everything
// above it works against Process and Page handles.
package driver

import (
	"context"
	"time"
)

// Options configures a browser launch. The identity fields are injected into
// every new page before any navigation so automation checks see a consistent
// persona.
type Options struct {
	Headless        bool
	IgnoreTLSErrors bool
	UserAgent       string
	Platform        string
	Languages       []string
	ViewportWidth   int
	ViewportHeight  int
}

// Driver launches automation processes.
type Driver interface {
	Launch(ctx context.Context, opts Options) (Process, error)
}

// Process is a running automation process capable of opening pages.
type Process interface {
	// NewPage opens a fresh page with the launch persona already applied.
	NewPage(ctx context.Context) (Page, error)
	// Connected reports whether the underlying process is still reachable.
	Connected() bool
	// Close tears the process down. Safe to call more than once.
	Close(ctx context.Context) error
}

// Page is one active page/context within a process.
type Page interface {
	// Navigate performs a page load and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// URL returns the page's current location.
	URL(ctx context.Context) (string, error)
	// WaitVisible blocks until the selector is present and interactable.
	WaitVisible(ctx context.Context, selector string) error
	// Evaluate runs an expression in the page, decoding the result into out
	// when out is non-nil.
	Evaluate(ctx context.Context, expression string, out interface{}) error
	// Click dispatches a click on the first visible match.
	Click(ctx context.Context, selector string) error
	// Type sends text to the element as key events.
	Type(ctx context.Context, selector, text string) error
	// KeyPress sends a single named key (e.g. "Enter") to the focused element.
	KeyPress(ctx context.Context, key string) error
	// Reload re-navigates to the current location.
	Reload(ctx context.Context) error
	// OuterHTML snapshots the full rendered document.
	OuterHTML(ctx context.Context) (string, error)
	// Screenshot captures the viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Alive reports whether the page context is still attached.
	Alive() bool
	// Close detaches and discards the page. Safe to call more than once.
	Close(ctx context.Context) error
}

// launchSettleDelay gives a freshly launched process a beat before the first
// page is opened; opening a target during startup races target attachment.
const launchSettleDelay = 200 * time.Millisecond
