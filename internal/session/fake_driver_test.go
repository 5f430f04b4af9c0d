package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/driver"
)

// fakeDriver is an in-memory automation backend. Behaviors are scripted via
// the hook fields; nil hooks mean success.
type fakeDriver struct {
	mu        sync.Mutex
	launches  int
	launchErr func(launch int) error
	pageHooks func(p *fakePage)
	procs     []*fakeProcess
}

func (d *fakeDriver) Launch(_ context.Context, _ driver.Options) (driver.Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.launchErr != nil {
		if err := d.launchErr(d.launches); err != nil {
			return nil, err
		}
	}
	proc := &fakeProcess{connected: true, pageHooks: d.pageHooks}
	d.procs = append(d.procs, proc)
	return proc, nil
}

func (d *fakeDriver) launchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

type fakeProcess struct {
	mu         sync.Mutex
	connected  bool
	newPageErr error
	pageHooks  func(p *fakePage)
	pages      []*fakePage
}

func (p *fakeProcess) NewPage(_ context.Context) (driver.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newPageErr != nil {
		return nil, p.newPageErr
	}
	page := &fakePage{alive: true}
	if p.pageHooks != nil {
		p.pageHooks(page)
	}
	p.pages = append(p.pages, page)
	return page, nil
}

func (p *fakeProcess) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakeProcess) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *fakeProcess) disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

type fakePage struct {
	mu        sync.Mutex
	alive     bool
	url       string
	navErr    error
	dieOnNav  bool
	waitErr   func(selector string) error
	evalFn    func(expr string, out interface{}) error
	reloadErr error
	html      string
	shot      []byte

	typed   strings.Builder
	keys    []string
	clicks  []string
	reloads int
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dieOnNav {
		p.alive = false
	}
	if p.navErr != nil {
		return p.navErr
	}
	p.url = url
	return nil
}

func (p *fakePage) URL(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) WaitVisible(_ context.Context, selector string) error {
	p.mu.Lock()
	fn := p.waitErr
	p.mu.Unlock()
	if fn != nil {
		return fn(selector)
	}
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, expr string, out interface{}) error {
	p.mu.Lock()
	fn := p.evalFn
	p.mu.Unlock()
	if fn != nil {
		return fn(expr, out)
	}
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *fakePage) Type(_ context.Context, _ string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed.WriteString(text)
	return nil
}

func (p *fakePage) KeyPress(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakePage) Reload(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return p.reloadErr
}

func (p *fakePage) OuterHTML(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.html == "" {
		return "<html><body></body></html>", nil
	}
	return p.html, nil
}

func (p *fakePage) Screenshot(_ context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shot, nil
}

func (p *fakePage) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakePage) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	return nil
}

func (p *fakePage) detach() {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
}

func (p *fakePage) typedText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed.String()
}

func (p *fakePage) pressedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func (p *fakePage) reloadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// testConfig returns defaults tuned for fast tests: no humanoid cadence, no
// idle timer, no artifact directory, short waits.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Browser.Humanoid = false
	cfg.Browser.IdleTimeout = 0
	cfg.Browser.ArtifactDir = ""
	cfg.Browser.LaunchTimeout = 2 * time.Second
	cfg.Search.URL = "https://search.example.com/"
	cfg.Search.NavigationTimeout = time.Second
	cfg.Search.SelectorTimeout = time.Second
	cfg.Search.AnswerTimeout = 2 * time.Second
	cfg.Retry.RecoveryWait = time.Millisecond
	cfg.Pool.InitTimeout = 2 * time.Second
	cfg.Pool.AcquireTimeout = time.Second
	return cfg
}
