package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/redact"
	"github.com/driftbreak/driftbreak/internal/types"
)

// RodConfig configures the rod/CDP driver.
type RodConfig struct {
	Headless         bool
	BrowserPath      string
	IgnoreCertErrors bool
}

// RodDriver launches one browser process per context. A dedicated
// process is the only way to give each context its own --proxy-server,
// which is fixed at launch time.
type RodDriver struct {
	cfg    RodConfig
	closed atomic.Bool

	mu       sync.Mutex
	contexts map[*rodContext]struct{}
}

// NewRodDriver creates the rod driver.
func NewRodDriver(cfg RodConfig) *RodDriver {
	return &RodDriver{cfg: cfg, contexts: make(map[*rodContext]struct{})}
}

// NewContext launches a browser, applies the identity exactly once and
// returns the ready context. On any failure the browser is torn down.
func (d *RodDriver) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	if d.closed.Load() {
		return nil, types.ErrSessionPoolClosed
	}

	l := d.createLauncher(opts)
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch: %v", types.ErrNavigationFailed, err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("%w: connect: %v", types.ErrNavigationFailed, err)
	}
	if d.cfg.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	rc := &rodContext{driver: d, browser: b, launcher: l}
	if err := rc.applyIdentity(ctx, opts); err != nil {
		_ = rc.Close()
		return nil, err
	}

	d.mu.Lock()
	d.contexts[rc] = struct{}{}
	d.mu.Unlock()

	log.Debug().
		Str("platform", opts.Identity.Platform).
		Bool("proxied", opts.Proxy != nil).
		Msg("Browser context created")
	return rc, nil
}

// createLauncher builds a launcher with the anti-detection flag set.
// The flags disable automation tells, keep WebGL rendering real enough
// to fingerprint as a desktop GPU, and prevent WebRTC address leaks.
func (d *RodDriver) createLauncher(opts ContextOptions) *launcher.Launcher {
	l := launcher.New()

	if d.cfg.BrowserPath != "" {
		l = l.Bin(d.cfg.BrowserPath)
	}
	if d.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default; an Xvfb display needs it off.
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.Proxy != nil {
		l = l.Set("proxy-server", opts.Proxy.Server)
		log.Debug().Str("proxy", redact.ProxyURL(opts.Proxy.Server)).Msg("Browser proxy configured")
	}

	// WebRTC must not reveal the egress IP even without a proxy.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// navigator.webdriver stays false only with AutomationControlled off.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")

	// SwiftShader gives a real WebGL pipeline on machines without a GPU;
	// empty WebGL values are themselves a detection signal.
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if d.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote")

	if len(opts.Identity.Languages) > 0 {
		l = l.Set("accept-lang", acceptLang(opts.Identity.Languages))
	}
	l = l.Set("window-size", fmt.Sprintf("%d,%d", opts.Identity.Viewport.Width, opts.Identity.Viewport.Height))

	return l
}

// Close tears down every context and then the driver.
func (d *RodDriver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}

	d.mu.Lock()
	contexts := make([]*rodContext, 0, len(d.contexts))
	for rc := range d.contexts {
		contexts = append(contexts, rc)
	}
	d.contexts = map[*rodContext]struct{}{}
	d.mu.Unlock()

	for _, rc := range contexts {
		if err := rc.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser context during driver shutdown")
		}
	}
	log.Info().Int("contexts", len(contexts)).Msg("Browser driver closed")
	return nil
}

func (d *RodDriver) forget(rc *rodContext) {
	d.mu.Lock()
	delete(d.contexts, rc)
	d.mu.Unlock()
}

// rodContext is one live browser process plus its single page.
type rodContext struct {
	driver   *RodDriver
	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rod.Page

	mu         sync.Mutex
	lastStatus int
	closed     atomic.Bool

	// listenerCancel stops the auth and status event listeners.
	listenerCancel context.CancelFunc
}

// applyIdentity opens the stealth page and installs viewport, locale,
// timezone, headers and the identity init script.
func (c *rodContext) applyIdentity(ctx context.Context, opts ContextOptions) error {
	page, err := stealth.Page(c.browser)
	if err != nil {
		return fmt.Errorf("%w: stealth page: %v", types.ErrNavigationFailed, err)
	}
	c.page = page

	id := opts.Identity

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      id.UserAgent,
		AcceptLanguage: acceptLang(id.Languages),
		Platform:       navigatorPlatform(id.Platform),
	}); err != nil {
		return fmt.Errorf("%w: user agent: %v", types.ErrNavigationFailed, err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             id.Viewport.Width,
		Height:            id.Viewport.Height,
		DeviceScaleFactor: id.DevicePixelRatio,
		Mobile:            false,
	}).Call(page); err != nil {
		return fmt.Errorf("%w: viewport: %v", types.ErrNavigationFailed, err)
	}
	if id.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: id.Timezone}).Call(page); err != nil {
			log.Warn().Err(err).Str("tz", id.Timezone).Msg("Timezone override failed")
		}
	}
	if id.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: id.Locale}).Call(page); err != nil {
			log.Warn().Err(err).Str("locale", id.Locale).Msg("Locale override failed")
		}
	}

	script := IdentityScript(id)
	if opts.ExtraInitScript != "" {
		script += "\n" + opts.ExtraInitScript
	}
	if err := c.SetInitScript(script); err != nil {
		return err
	}

	if len(opts.Headers) > 0 {
		pairs := make([]string, 0, len(opts.Headers)*2)
		for k, v := range opts.Headers {
			pairs = append(pairs, k, v)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return fmt.Errorf("%w: headers: %v", types.ErrNavigationFailed, err)
		}
	}

	listenerCtx, cancel := context.WithCancel(context.Background())
	c.listenerCancel = cancel

	if opts.Proxy != nil && opts.Proxy.Username != "" {
		if err := c.setupProxyAuth(listenerCtx, opts.Proxy); err != nil {
			return err
		}
	}

	c.trackStatus(listenerCtx)
	return nil
}

// setupProxyAuth answers CDP auth challenges for authenticated proxies.
// The listeners live until the context closes.
func (c *rodContext) setupProxyAuth(listenerCtx context.Context, form *proxy.DriverForm) error {
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(c.page); err != nil {
		return fmt.Errorf("%w: fetch enable: %v", types.ErrNavigationFailed, err)
	}

	pageWithCtx := c.page.Context(listenerCtx)
	go pageWithCtx.EachEvent(func(e *proto.FetchAuthRequired) {
		_ = proto.FetchContinueWithAuth{
			RequestID: e.RequestID,
			AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
				Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
				Username: form.Username,
				Password: form.Password,
			},
		}.Call(c.page)
	}, func(e *proto.FetchRequestPaused) {
		if e.ResponseStatusCode == nil {
			_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(c.page)
		}
	})()

	return nil
}

// trackStatus records the status code of document responses so Snapshot
// can report it.
func (c *rodContext) trackStatus(listenerCtx context.Context) {
	pageWithCtx := c.page.Context(listenerCtx)
	go pageWithCtx.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type == proto.NetworkResourceTypeDocument {
			c.mu.Lock()
			c.lastStatus = e.Response.Status
			c.mu.Unlock()
		}
	})()
}

// Navigate loads url and waits for the page load event.
func (c *rodContext) Navigate(ctx context.Context, url string) error {
	if c.closed.Load() {
		return types.ErrSessionClosed
	}
	page := c.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("%w: %v", types.ErrNavigationFailed, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("%w: wait load: %v", types.ErrNavigationFailed, err)
	}
	return nil
}

// Evaluate runs script in the page and returns its JSON value.
func (c *rodContext) Evaluate(ctx context.Context, script string) (gson.JSON, error) {
	if c.closed.Load() {
		return gson.New(nil), types.ErrSessionClosed
	}
	obj, err := c.page.Context(ctx).Evaluate(rod.Eval(script).ByPromise())
	if err != nil {
		return gson.New(nil), fmt.Errorf("evaluate: %w", err)
	}
	return obj.Value, nil
}

// SetInitScript installs a script run on every new document.
func (c *rodContext) SetInitScript(script string) error {
	if _, err := c.page.EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("%w: init script: %v", types.ErrNavigationFailed, err)
	}
	return nil
}

// snapshotScript collects script sources for classifier probes.
const snapshotScript = `() => Array.from(document.scripts).map(s => s.src).filter(Boolean)`

// Snapshot captures page state for the detection classifiers.
func (c *rodContext) Snapshot(ctx context.Context) (types.PageInfo, error) {
	if c.closed.Load() {
		return types.PageInfo{}, types.ErrSessionClosed
	}
	page := c.page.Context(ctx)

	info := types.PageInfo{}
	var err error
	if info.HTML, err = page.HTML(); err != nil {
		return info, fmt.Errorf("snapshot html: %w", err)
	}
	if pinfo, err := page.Info(); err == nil {
		info.URL = pinfo.URL
	}

	c.mu.Lock()
	info.StatusCode = c.lastStatus
	c.mu.Unlock()

	cookies, err := page.Cookies(nil)
	if err != nil {
		log.Debug().Err(err).Msg("Snapshot could not read cookies")
	} else {
		info.Cookies = make(map[string]string, len(cookies))
		for _, ck := range cookies {
			info.Cookies[ck.Name] = ck.Value
		}
	}

	if srcs, err := c.Evaluate(ctx, snapshotScript); err == nil {
		for _, v := range srcs.Arr() {
			info.ScriptSrcs = append(info.ScriptSrcs, v.Str())
		}
	}
	return info, nil
}

// Screenshot captures a PNG of the current viewport.
func (c *rodContext) Screenshot(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, types.ErrSessionClosed
	}
	return c.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// ExportCookies serializes the cookie jar as JSON.
func (c *rodContext) ExportCookies(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, types.ErrSessionClosed
	}
	cookies, err := c.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("export cookies: %w", err)
	}
	return json.Marshal(cookies)
}

// ImportCookies restores a jar produced by ExportCookies.
func (c *rodContext) ImportCookies(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return types.ErrSessionClosed
	}
	var cookies []*proto.NetworkCookieParam
	if err := json.Unmarshal(data, &cookies); err != nil {
		return fmt.Errorf("%w: cookie blob: %v", types.ErrInvalidInput, err)
	}
	return c.page.Context(ctx).SetCookies(cookies)
}

// Close tears down the page, browser process and event listeners.
// Safe to call more than once.
func (c *rodContext) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.listenerCancel != nil {
		c.listenerCancel()
	}
	c.driver.forget(c)

	var err error
	if c.page != nil {
		if perr := c.page.Close(); perr != nil {
			log.Debug().Err(perr).Msg("Error closing page")
		}
	}
	if c.browser != nil {
		err = c.browser.Close()
	}
	if c.launcher != nil {
		c.launcher.Cleanup()
	}
	return err
}

// acceptLang renders an Accept-Language header value from a language list.
func acceptLang(langs []string) string {
	switch len(langs) {
	case 0:
		return "en-US,en;q=0.9"
	case 1:
		return langs[0]
	default:
		out := langs[0]
		q := 0.9
		for _, l := range langs[1:] {
			out += fmt.Sprintf(",%s;q=%.1f", l, q)
			if q > 0.2 {
				q -= 0.1
			}
		}
		return out
	}
}
