package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/faults"
)

func newTestManager(t *testing.T, drv *fakeDriver) *Manager {
	t.Helper()
	return NewManager(drv, testConfig(), zap.NewNop())
}

func TestInitializeMakesSessionReady(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)

	require.False(t, mgr.IsReady())
	require.NoError(t, mgr.Initialize(context.Background()))
	assert.True(t, mgr.IsReady())

	rc := mgr.Snapshot()
	assert.True(t, rc.HasBrowser)
	assert.True(t, rc.BrowserConnected)
	assert.True(t, rc.HasValidPage)

	mgr.Cleanup(context.Background())
	assert.False(t, mgr.IsReady())

	rc = mgr.Snapshot()
	assert.False(t, rc.HasBrowser)
	assert.False(t, rc.HasValidPage)
}

func TestInitializeReplacesPreviousSession(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)

	require.NoError(t, mgr.Initialize(context.Background()))
	first := drv.procs[0]
	require.NoError(t, mgr.Initialize(context.Background()))

	assert.Equal(t, 2, drv.launchCount())
	assert.False(t, first.Connected(), "previous process should be closed")
	assert.True(t, mgr.IsReady())
}

func TestInitializeSkipsWhenAlreadyInFlight(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)

	mgr.mu.Lock()
	mgr.initializing = true
	mgr.mu.Unlock()

	require.NoError(t, mgr.Initialize(context.Background()))
	assert.Zero(t, drv.launchCount(), "in-flight guard must prevent a second launch")
}

func TestNavigateCachesInputSelector(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))

	require.NoError(t, mgr.Navigate(context.Background()))

	mgr.mu.Lock()
	selector := mgr.inputSelector
	mgr.mu.Unlock()
	assert.Equal(t, mgr.cfg.Search.InputSelectors[0], selector)

	page := drv.procs[0].pages[0]
	url, _ := page.URL(context.Background())
	assert.Equal(t, mgr.cfg.Search.URL, url)
}

func TestNavigateTreatsTimeoutAsNonFatal(t *testing.T) {
	drv := &fakeDriver{pageHooks: func(p *fakePage) {
		p.navErr = faults.New(faults.KindTimeout, "page load timed out")
		p.url = "https://search.example.com/"
	}}
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))

	assert.NoError(t, mgr.Navigate(context.Background()),
		"a slow load should not fail navigation outright")
}

func TestNavigateDetectsDetachedPage(t *testing.T) {
	drv := &fakeDriver{pageHooks: func(p *fakePage) {
		p.dieOnNav = true
	}}
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))

	err := mgr.Navigate(context.Background())
	require.Error(t, err)
	assert.Equal(t, faults.KindDetachedSession, faults.KindOf(err))
}

func TestCheckOriginRejectsOffSiteLanding(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)

	page := &fakePage{alive: true, url: "https://challenge.example.net/verify"}
	err := mgr.checkOrigin(context.Background(), page)
	require.Error(t, err)
	assert.Equal(t, faults.KindNavigation, faults.KindOf(err))

	page.url = "https://search.example.com/some/path"
	assert.NoError(t, mgr.checkOrigin(context.Background(), page))

	// Blank pages are indeterminate, not failures.
	page.url = "about:blank"
	assert.NoError(t, mgr.checkOrigin(context.Background(), page))
}

func TestSubmitQueryTypesAndSubmits(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))
	require.NoError(t, mgr.Navigate(context.Background()))

	require.NoError(t, mgr.SubmitQuery(context.Background(), "what is the capital of France"))

	page := drv.procs[0].pages[0]
	assert.Equal(t, "what is the capital of France", page.typedText())
	assert.Contains(t, page.pressedKeys(), "Enter")
	assert.NotEmpty(t, page.clicks, "input must be focused before typing")
}

func TestSubmitQueryFailsWithoutPage(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))

	drv.procs[0].pages[0].detach()

	err := mgr.SubmitQuery(context.Background(), "query")
	require.Error(t, err)
	assert.Equal(t, faults.KindDetachedSession, faults.KindOf(err))
}

func TestAwaitAnswerReturnsRenderedDocument(t *testing.T) {
	drv := &fakeDriver{pageHooks: func(p *fakePage) {
		p.html = `<html><body><div class="prose">Paris.</div></body></html>`
		p.evalFn = func(expr string, out interface{}) error {
			if n, ok := out.(*int); ok && strings.Contains(expr, "textContent.length") {
				*n = 6
			}
			return nil
		}
	}}
	mgr := newTestManager(t, drv)
	mgr.cfg.Search.AnswerTimeout = 10 * time.Second
	require.NoError(t, mgr.Initialize(context.Background()))

	html, err := mgr.AwaitAnswer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, html, "Paris.")
}

func TestDetectCaptcha(t *testing.T) {
	present := false
	drv := &fakeDriver{pageHooks: func(p *fakePage) {
		p.evalFn = func(expr string, out interface{}) error {
			if b, ok := out.(*bool); ok && strings.Contains(expr, "captcha") {
				*b = present
			}
			return nil
		}
	}}
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))

	assert.False(t, mgr.DetectCaptcha(context.Background()))
	present = true
	assert.True(t, mgr.DetectCaptcha(context.Background()))
}

func TestIdleTimeoutCleansUpSession(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)
	mgr.cfg.Browser.IdleTimeout = 30 * time.Millisecond
	require.NoError(t, mgr.Initialize(context.Background()))
	require.True(t, mgr.IsReady())

	deadline := time.Now().Add(2 * time.Second)
	for mgr.IsReady() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, mgr.IsReady(), "an idle session should tear itself down")
	assert.False(t, drv.procs[0].Connected())
}

func TestCleanupIsIdempotentAndNeverFails(t *testing.T) {
	drv := &fakeDriver{}
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))

	mgr.Cleanup(context.Background())
	mgr.Cleanup(context.Background())
	assert.False(t, mgr.IsReady())
}
