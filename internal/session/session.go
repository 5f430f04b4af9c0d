// Package session implements the browser-session resilience layer: the
// lifecycle manager owning one automation session, the tiered recovery
// coordinator, the retry orchestrator, and the session pool.
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/driver"
	"github.com/wysh3/searchrelay/internal/faults"
	"github.com/wysh3/searchrelay/internal/humanoid"
)

// RecoveryContext is a point-in-time readiness snapshot used by the recovery
// coordinator to choose a repair level. It is recomputed on every call and
// never stored.
type RecoveryContext struct {
	HasValidPage     bool
	HasBrowser       bool
	BrowserConnected bool
	OperationCount   int64
}

// Manager owns exactly one automation session: a process handle plus the
// active page. All handle mutation goes through its setters so readiness
// checks always reflect the last committed state.
type Manager struct {
	id     string
	drv    driver.Driver
	cfg    *config.Config
	logger *zap.Logger
	typist *humanoid.Typist

	opCount atomic.Int64

	mu            sync.Mutex
	proc          driver.Process
	page          driver.Page
	initializing  bool
	inputSelector string
	idleTimer     *time.Timer
}

// NewManager creates an empty (not yet initialized) session manager.
func NewManager(drv driver.Driver, cfg *config.Config, logger *zap.Logger) *Manager {
	id := uuid.New().String()
	m := &Manager{
		id:     id,
		drv:    drv,
		cfg:    cfg,
		logger: logger.Named("session").With(zap.String("session_id", id)),
	}
	if cfg.Browser.Humanoid {
		m.typist = humanoid.NewTypist(humanoid.DefaultConfig())
	}
	return m
}

// ID returns the session's stable identifier.
func (m *Manager) ID() string { return m.id }

// OperationCount returns the monotonically increasing operation counter.
func (m *Manager) OperationCount() int64 { return m.opCount.Load() }

// IsReady reports whether the session can accept work right now.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyLocked()
}

func (m *Manager) readyLocked() bool {
	return !m.initializing &&
		m.proc != nil && m.proc.Connected() &&
		m.page != nil && m.page.Alive()
}

// Snapshot derives the recovery context from current state.
func (m *Manager) Snapshot() RecoveryContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := RecoveryContext{
		OperationCount: m.opCount.Load(),
	}
	if m.proc != nil {
		rc.HasBrowser = true
		rc.BrowserConnected = m.proc.Connected()
	}
	rc.HasValidPage = m.page != nil && m.page.Alive()
	return rc
}

// Initialize launches a fresh automation process and opens the working page.
// If an initialization is already in flight the call is a logged no-op.
// Any previous session is closed first.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		m.logger.Info("Initialization already in progress, skipping")
		return nil
	}
	m.initializing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.initializing = false
		m.mu.Unlock()
	}()

	// Tear down whatever was there before launching anew.
	m.closeHandles()

	launchTimeout := m.cfg.Browser.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = 60 * time.Second
	}
	launchCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	opts := driver.Options{
		Headless:        m.cfg.Browser.Headless,
		IgnoreTLSErrors: m.cfg.Browser.IgnoreTLSErrors,
		UserAgent:       m.cfg.Browser.UserAgent,
		Platform:        m.cfg.Browser.Platform,
		Languages:       m.cfg.Browser.Languages,
		ViewportWidth:   m.cfg.Browser.ViewportWidth,
		ViewportHeight:  m.cfg.Browser.ViewportHeight,
	}

	m.logger.Info("Launching browser session", zap.Bool("headless", opts.Headless))
	proc, err := m.drv.Launch(launchCtx, opts)
	if err != nil {
		return faults.Wrap(faults.KindInitialization, "session launch failed", err)
	}

	page, err := proc.NewPage(launchCtx)
	if err != nil {
		_ = proc.Close(context.Background())
		return faults.Wrap(faults.KindInitialization, "failed to open initial page", err)
	}

	m.mu.Lock()
	m.proc = proc
	m.page = page
	m.inputSelector = ""
	m.mu.Unlock()

	m.Touch()
	m.logger.Info("Session initialized")
	return nil
}

// Navigate performs a best-effort load of the search surface and blocks until
// a known input locator is interactive. A plain navigation timeout is treated
// as non-fatal since slow pages often become usable anyway; a detached page
// or an off-origin landing is not.
func (m *Manager) Navigate(ctx context.Context) error {
	page, err := m.currentPage()
	if err != nil {
		return err
	}

	navTimeout := m.cfg.Search.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 45 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	err = page.Navigate(navCtx, m.cfg.Search.URL)
	cancel()
	if err != nil {
		if faults.Is(err, faults.KindTimeout) {
			m.logger.Warn("Navigation timed out, continuing with partial load", zap.Error(err))
		} else {
			return faults.Wrap(faults.KindNavigation, "navigation failed", err)
		}
	}

	// Re-validate after the blocking call; the page may have died mid-load.
	if !page.Alive() {
		return faults.New(faults.KindDetachedSession, "page detached during navigation")
	}

	if err := m.checkOrigin(ctx, page); err != nil {
		return err
	}

	selector, err := m.waitForInput(ctx, page)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.inputSelector = selector
	m.mu.Unlock()

	m.Touch()
	return nil
}

// checkOrigin raises a navigation fault when the final URL landed on an
// unexpected origin (challenge interstitials redirect off-site).
func (m *Manager) checkOrigin(ctx context.Context, page driver.Page) error {
	want, err := url.Parse(m.cfg.Search.URL)
	if err != nil {
		return fmt.Errorf("invalid search url %q: %w", m.cfg.Search.URL, err)
	}
	current, err := page.URL(ctx)
	if err != nil {
		return err
	}
	if current == "" || current == "about:blank" {
		return nil
	}
	got, err := url.Parse(current)
	if err != nil || got.Host == "" {
		return nil
	}
	if !strings.EqualFold(got.Host, want.Host) {
		return faults.Newf(faults.KindNavigation,
			"landed on unexpected origin %q (wanted %q)", got.Host, want.Host)
	}
	return nil
}

// waitForInput polls the prioritized locator list until one is visible or the
// selector timeout expires.
func (m *Manager) waitForInput(ctx context.Context, page driver.Page) (string, error) {
	budget := m.cfg.Search.SelectorTimeout
	if budget <= 0 {
		budget = 15 * time.Second
	}
	deadline := time.Now().Add(budget)

	perTry := 2 * time.Second
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return "", faults.Wrap(faults.KindTimeout, "input wait cancelled", ctx.Err())
		}
		for _, selector := range m.cfg.Search.InputSelectors {
			tryCtx, cancel := context.WithTimeout(ctx, perTry)
			err := page.WaitVisible(tryCtx, selector)
			cancel()
			if err == nil {
				m.logger.Debug("Input locator found", zap.String("selector", selector))
				return selector, nil
			}
			if !page.Alive() {
				return "", faults.New(faults.KindDetachedSession, "page detached while locating input")
			}
		}
	}
	return "", faults.Newf(faults.KindTimeout,
		"no input locator became interactive within %s", budget)
}

// SubmitQuery types the query into the cached input locator and submits it.
func (m *Manager) SubmitQuery(ctx context.Context, query string) error {
	page, err := m.currentPage()
	if err != nil {
		return err
	}

	m.mu.Lock()
	selector := m.inputSelector
	m.mu.Unlock()
	if selector == "" {
		selector, err = m.waitForInput(ctx, page)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.inputSelector = selector
		m.mu.Unlock()
	}

	if err := page.Click(ctx, selector); err != nil {
		return err
	}

	if m.typist != nil {
		for _, ks := range m.typist.Schedule(query) {
			if err := sleepCtx(ctx, ks.Delay); err != nil {
				return faults.Wrap(faults.KindTimeout, "typing interrupted", err)
			}
			if err := page.Type(ctx, selector, string(ks.Rune)); err != nil {
				return err
			}
		}
		if err := sleepCtx(ctx, m.typist.ThinkPause(600*time.Millisecond)); err != nil {
			return faults.Wrap(faults.KindTimeout, "typing interrupted", err)
		}
	} else {
		if err := page.Type(ctx, selector, query); err != nil {
			return err
		}
	}

	if err := page.KeyPress(ctx, "Enter"); err != nil {
		return err
	}
	m.Touch()
	return nil
}

// AwaitAnswer blocks until an answer container appears and its text stops
// growing, then returns the rendered document.
func (m *Manager) AwaitAnswer(ctx context.Context) (string, error) {
	page, err := m.currentPage()
	if err != nil {
		return "", err
	}

	budget := m.cfg.Search.AnswerTimeout
	if budget <= 0 {
		budget = 90 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	selector, err := m.waitForAnswerContainer(waitCtx, page)
	if err != nil {
		return "", err
	}

	if err := m.waitForStableText(waitCtx, page, selector); err != nil {
		return "", err
	}

	html, err := page.OuterHTML(ctx)
	if err != nil {
		return "", err
	}
	m.Touch()
	return html, nil
}

func (m *Manager) waitForAnswerContainer(ctx context.Context, page driver.Page) (string, error) {
	perTry := 2 * time.Second
	for {
		if ctx.Err() != nil {
			return "", faults.Wrap(faults.KindTimeout, "answer did not appear", ctx.Err())
		}
		for _, selector := range m.cfg.Search.AnswerSelectors {
			tryCtx, cancel := context.WithTimeout(ctx, perTry)
			err := page.WaitVisible(tryCtx, selector)
			cancel()
			if err == nil {
				return selector, nil
			}
			if !page.Alive() {
				return "", faults.New(faults.KindDetachedSession, "page detached while awaiting answer")
			}
		}
	}
}

// waitForStableText polls the container's text length until two consecutive
// samples match, i.e. the answer stream has finished rendering.
func (m *Manager) waitForStableText(ctx context.Context, page driver.Page, selector string) error {
	expr := fmt.Sprintf(
		`(document.querySelector(%q) || {textContent:""}).textContent.length`, selector)

	var prev, stable int
	for {
		if err := sleepCtx(ctx, 1200*time.Millisecond); err != nil {
			// The container exists; return what rendered so far.
			return nil
		}
		var length int
		if err := page.Evaluate(ctx, expr, &length); err != nil {
			return err
		}
		if length > 0 && length == prev {
			stable++
			if stable >= 2 {
				return nil
			}
		} else {
			stable = 0
		}
		prev = length
	}
}

// DetectCaptcha reports whether a challenge overlay is present on the page.
func (m *Manager) DetectCaptcha(ctx context.Context) bool {
	page, err := m.currentPage()
	if err != nil {
		return false
	}
	for _, selector := range m.cfg.Search.CaptchaSelectors {
		expr := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
		var present bool
		if err := page.Evaluate(ctx, expr, &present); err != nil {
			continue
		}
		if present {
			m.logger.Warn("Challenge indicator detected", zap.String("selector", selector))
			return true
		}
	}
	return false
}

// Touch marks a unit of work: it resets the idle timer so a busy session is
// never idled out underneath its caller.
func (m *Manager) Touch() {
	idle := m.cfg.Browser.IdleTimeout
	if idle <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(idle, func() {
		m.logger.Info("Idle timeout reached, cleaning up session")
		m.Cleanup(context.Background())
	})
}

// Cleanup closes page then process, swallowing and logging individual close
// failures, and always nulls both handles. It never returns an error.
func (m *Manager) Cleanup(_ context.Context) {
	m.mu.Lock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.mu.Unlock()

	m.closeHandles()
	m.logger.Debug("Session cleaned up")
}

func (m *Manager) closeHandles() {
	m.mu.Lock()
	page := m.page
	proc := m.proc
	m.page = nil
	m.proc = nil
	m.inputSelector = ""
	m.mu.Unlock()

	if page != nil {
		if err := page.Close(context.Background()); err != nil {
			m.logger.Warn("Failed to close page", zap.Error(err))
		}
	}
	if proc != nil {
		if err := proc.Close(context.Background()); err != nil {
			m.logger.Warn("Failed to close browser process", zap.Error(err))
		}
	}
}

// currentPage returns the live page handle or a detached-session fault.
func (m *Manager) currentPage() (driver.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page == nil || !m.page.Alive() {
		return nil, faults.New(faults.KindDetachedSession, "no active page")
	}
	return m.page, nil
}

// reload reissues the current navigation. Used by level-1 recovery.
func (m *Manager) reload(ctx context.Context) error {
	page, err := m.currentPage()
	if err != nil {
		return err
	}
	navTimeout := m.cfg.Search.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 45 * time.Second
	}
	reloadCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()
	return page.Reload(reloadCtx)
}

// replacePage discards the current page and opens a fresh one on the same
// process. Used by level-2 recovery; callers must escalate when the process
// itself is gone.
func (m *Manager) replacePage(ctx context.Context) error {
	m.mu.Lock()
	proc := m.proc
	oldPage := m.page
	m.page = nil
	m.inputSelector = ""
	m.mu.Unlock()

	if oldPage != nil {
		if err := oldPage.Close(context.Background()); err != nil {
			m.logger.Warn("Failed to close stale page", zap.Error(err))
		}
	}
	if proc == nil || !proc.Connected() {
		return faults.New(faults.KindConnection, "browser process unavailable for new page")
	}
	page, err := proc.NewPage(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.page = page
	m.mu.Unlock()
	return nil
}

// sleepCtx sleeps for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
