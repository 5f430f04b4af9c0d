package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/driver/stealth"
	"github.com/wysh3/searchrelay/internal/faults"
)

// ChromeDriver launches real Chrome/Chromium processes via chromedp.
type ChromeDriver struct {
	logger *zap.Logger
}

// NewChromeDriver creates the chromedp-backed driver.
func NewChromeDriver(logger *zap.Logger) *ChromeDriver {
	return &ChromeDriver{logger: logger.Named("chrome_driver")}
}

var _ Driver = (*ChromeDriver)(nil)

// allocatorOptions configures the flags for the browser executable.
func allocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if opts.Headless {
		out = append(out, chromedp.Headless)
	}

	out = append(out,
		// Essential flags for automation detection evasion.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		// Performance and stability flags.
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-extensions", true),

		// GPU often causes issues in headless/containerized environments.
		chromedp.Flag("disable-gpu", opts.Headless),

		chromedp.Flag("ignore-certificate-errors", opts.IgnoreTLSErrors),
	)

	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		out = append(out, chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight))
	}

	return out
}

// Launch starts a browser process and verifies the devtools connection.
func (d *ChromeDriver) Launch(ctx context.Context, opts Options) (Process, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(d.logger.Sugar().Debugf),
		chromedp.WithErrorf(d.logger.Sugar().Errorf),
	)

	proc := &chromeProcess{
		driver:        d,
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	// The first Run starts the executable. Bound it by the caller's context.
	launch := make(chan error, 1)
	go func() {
		launch <- chromedp.Run(browserCtx, chromedp.ActionFunc(func(context.Context) error { return nil }))
	}()
	select {
	case err := <-launch:
		if err != nil {
			proc.closeLocked()
			return nil, faults.Wrap(faults.KindInitialization, "browser launch failed", err)
		}
	case <-ctx.Done():
		proc.closeLocked()
		return nil, faults.Wrap(faults.KindInitialization, "browser launch cancelled", ctx.Err())
	}

	select {
	case <-time.After(launchSettleDelay):
	case <-ctx.Done():
		proc.closeLocked()
		return nil, faults.Wrap(faults.KindInitialization, "browser launch cancelled", ctx.Err())
	}

	d.logger.Info("Browser process launched",
		zap.Bool("headless", opts.Headless),
		zap.Int("viewport_width", opts.ViewportWidth),
		zap.Int("viewport_height", opts.ViewportHeight),
	)
	return proc, nil
}

// chromeProcess wraps the allocator and top-level browser context.
type chromeProcess struct {
	driver *ChromeDriver
	opts   Options

	mu            sync.Mutex
	closed        bool
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ Process = (*chromeProcess)(nil)

func (p *chromeProcess) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.browserCtx.Err() == nil
}

func (p *chromeProcess) NewPage(ctx context.Context) (Page, error) {
	p.mu.Lock()
	if p.closed || p.browserCtx.Err() != nil {
		p.mu.Unlock()
		return nil, faults.New(faults.KindConnection, "browser process is not connected")
	}
	tabCtx, tabCancel := chromedp.NewContext(p.browserCtx)
	p.mu.Unlock()

	pg := &chromePage{proc: p, ctx: tabCtx, cancel: tabCancel}

	// Evasion scripts must be registered before any navigation so spoofed
	// navigator properties are in place when page scripts first run.
	script := stealth.Evasions(stealth.Persona{
		UserAgent: p.opts.UserAgent,
		Platform:  p.opts.Platform,
		Languages: p.opts.Languages,
	})
	prime := chromedp.Tasks{
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			if p.opts.ViewportWidth == 0 || p.opts.ViewportHeight == 0 {
				return nil
			}
			return emulation.SetDeviceMetricsOverride(
				int64(p.opts.ViewportWidth), int64(p.opts.ViewportHeight), 1, false).Do(c)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			if p.opts.UserAgent == "" {
				return nil
			}
			ua := emulation.SetUserAgentOverride(p.opts.UserAgent)
			if p.opts.Platform != "" {
				ua = ua.WithPlatform(p.opts.Platform)
			}
			return ua.Do(c)
		}),
	}
	if err := chromedp.Run(tabCtx, prime); err != nil {
		pg.Close(context.Background())
		return nil, tagDriverErr(faults.KindInitialization, "failed to prime new page", err)
	}
	return pg, nil
}

func (p *chromeProcess) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *chromeProcess) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
}

// chromePage is one devtools target (tab).
type chromePage struct {
	proc   *chromeProcess
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ Page = (*chromePage)(nil)

// run executes actions against the tab, bounded by the operation context,
// and tags any failure at the point it occurred.
func (pg *chromePage) run(ctx context.Context, fallback faults.Kind, msg string, actions ...chromedp.Action) error {
	if !pg.Alive() {
		return faults.New(faults.KindDetachedSession, "page context is closed")
	}
	runCtx, cancel := context.WithCancel(pg.ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	// Prefer the caller's context error so deadline expiry classifies as a
	// timeout rather than a generic cancellation.
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return tagDriverErr(fallback, msg, err)
}

func (pg *chromePage) Navigate(ctx context.Context, url string) error {
	return pg.run(ctx, faults.KindNavigation, "navigate failed",
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (pg *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	err := pg.run(ctx, faults.KindDetachedSession, "location query failed", chromedp.Location(&loc))
	return loc, err
}

func (pg *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return pg.run(ctx, faults.KindTimeout, fmt.Sprintf("selector %q not visible", selector),
		chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (pg *chromePage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	return pg.run(ctx, faults.KindDetachedSession, "evaluate failed",
		chromedp.Evaluate(expression, out))
}

func (pg *chromePage) Click(ctx context.Context, selector string) error {
	return pg.run(ctx, faults.KindTimeout, fmt.Sprintf("click %q failed", selector),
		chromedp.Click(selector, chromedp.NodeVisible, chromedp.ByQuery))
}

func (pg *chromePage) Type(ctx context.Context, selector, text string) error {
	return pg.run(ctx, faults.KindTimeout, fmt.Sprintf("type into %q failed", selector),
		chromedp.SendKeys(selector, text, chromedp.NodeVisible, chromedp.ByQuery))
}

func (pg *chromePage) KeyPress(ctx context.Context, key string) error {
	return pg.run(ctx, faults.KindDetachedSession, "key press failed",
		chromedp.KeyEvent(keyChord(key)))
}

func (pg *chromePage) Reload(ctx context.Context) error {
	return pg.run(ctx, faults.KindNavigation, "reload failed", chromedp.Reload())
}

func (pg *chromePage) OuterHTML(ctx context.Context) (string, error) {
	var html string
	err := pg.run(ctx, faults.KindDetachedSession, "outer html failed",
		chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (pg *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := pg.run(ctx, faults.KindDetachedSession, "screenshot failed",
		chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (pg *chromePage) Alive() bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return !pg.closed && pg.ctx.Err() == nil
}

func (pg *chromePage) Close(_ context.Context) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.closed {
		return nil
	}
	pg.closed = true
	pg.cancel()
	return nil
}

// keyChord maps friendly key names to the raw characters chromedp's KeyEvent
// expects. Unknown names pass through unchanged.
func keyChord(key string) string {
	switch key {
	case "Enter":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Escape":
		return kb.Escape
	default:
		return key
	}
}

// tagDriverErr attaches a failure class to a backend error. The backend's own
// message wins when it matches a known class (detached frames, protocol
// errors, timeouts); otherwise the operation's fallback class applies.
func tagDriverErr(fallback faults.Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.KindTimeout, msg, err)
	}
	if kind := faults.KindOf(err); kind != faults.KindUnknown {
		return faults.Wrap(kind, msg, err)
	}
	return faults.Wrap(fallback, msg, err)
}
