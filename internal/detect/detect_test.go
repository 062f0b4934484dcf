package detect

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/ratelimit"
	"github.com/driftbreak/driftbreak/internal/session"
	"github.com/driftbreak/driftbreak/internal/telemetry"
	"github.com/driftbreak/driftbreak/internal/types"
)

func sessionWithProxy(t *testing.T, pxPool *proxy.Pool) *session.Session {
	t.Helper()
	px, err := pxPool.Get("10.0.0.1:8080")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return &session.Session{ID: "s-test", Proxy: &px}
}

func kindsOf(ds []types.Detection) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Kind)
	}
	sort.Strings(out)
	return out
}

func TestClassifyDecisionTable(t *testing.T) {
	tests := []struct {
		name string
		page types.PageInfo
		want types.DetectionKind
	}{
		{
			name: "cloudflare challenge",
			page: types.PageInfo{HTML: `<div class="cf-wrapper"><span id="cf-chl-widget"></span></div>`},
			want: types.DetectionChallenge,
		},
		{
			name: "perimeterx cookie",
			page: types.PageInfo{Cookies: map[string]string{"_px3": "token"}},
			want: types.DetectionChallenge,
		},
		{
			name: "perimeterx captcha element",
			page: types.PageInfo{HTML: `<div id="px-captcha"></div>`},
			want: types.DetectionChallenge,
		},
		{
			name: "datadome cookie",
			page: types.PageInfo{Cookies: map[string]string{"datadome": "x"}},
			want: types.DetectionChallenge,
		},
		{
			name: "datadome script",
			page: types.PageInfo{ScriptSrcs: []string{"https://js.captcha-delivery.com/dd.js"}},
			want: types.DetectionChallenge,
		},
		{
			name: "recaptcha element",
			page: types.PageInfo{HTML: `<div class="g-recaptcha" data-sitekey="key"></div>`},
			want: types.DetectionCaptcha,
		},
		{
			name: "hcaptcha script",
			page: types.PageInfo{HTML: `<script src="https://hcaptcha.com/1/api.js"></script>`},
			want: types.DetectionCaptcha,
		},
		{
			name: "access denied text",
			page: types.PageInfo{HTML: `<h1>Access Denied</h1>`},
			want: types.DetectionBlock,
		},
		{
			name: "rate limit text",
			page: types.PageInfo{HTML: `<p>Too many requests, slow down.</p>`},
			want: types.DetectionRateLimit,
		},
		{
			name: "verify human text",
			page: types.PageInfo{HTML: `<p>Please verify you are human to continue.</p>`},
			want: types.DetectionCaptcha,
		},
		{
			name: "http 429",
			page: types.PageInfo{StatusCode: 429, HTML: "<html></html>"},
			want: types.DetectionRateLimit,
		},
		{
			name: "http 403",
			page: types.PageInfo{StatusCode: 403, HTML: "<html></html>"},
			want: types.DetectionBlock,
		},
	}

	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := r.Classify(tt.page, "https://example.com")
			if len(ds) == 0 {
				t.Fatalf("no detections, want kind %s", tt.want)
			}
			found := false
			for _, d := range ds {
				if d.Kind == tt.want {
					found = true
				}
				if d.URL != "https://example.com" {
					t.Errorf("URL not attached: %+v", d)
				}
				if d.Timestamp.IsZero() {
					t.Errorf("timestamp not attached: %+v", d)
				}
			}
			if !found {
				t.Errorf("kinds = %v, want to include %s", kindsOf(ds), tt.want)
			}
		})
	}
}

func TestClassifyCleanPage(t *testing.T) {
	r := NewRegistry()
	page := types.PageInfo{HTML: `<html><body><h1>Product catalog</h1></body></html>`, StatusCode: 200}

	if ds := r.Classify(page, "u"); len(ds) != 0 {
		t.Errorf("clean page produced detections: %v", kindsOf(ds))
	}
}

// Invariant: classification is pure — the same page yields the same
// multiset of kinds on repeat calls.
func TestClassifyPurity(t *testing.T) {
	r := NewRegistry()
	page := types.PageInfo{
		StatusCode: 403,
		HTML:       `<div class="cf-wrapper">Access denied. Verify you are human.</div>`,
		Cookies:    map[string]string{"_px2": "v"},
	}

	first := kindsOf(r.Classify(page, "u"))
	for i := 0; i < 5; i++ {
		again := kindsOf(r.Classify(page, "u"))
		if len(again) != len(first) {
			t.Fatalf("call %d: kinds %v != %v", i, again, first)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("call %d: kinds %v != %v", i, again, first)
			}
		}
	}
}

func TestEachClassifierYieldsAtMostOne(t *testing.T) {
	// A page drenched in cloudflare markers still yields one cloudflare
	// detection.
	r := NewRegistry()
	page := types.PageInfo{HTML: `cf-chl cf-wrapper cf_chl_opt challenge-platform`}

	ds := r.Classify(page, "u")
	cf := 0
	for _, d := range ds {
		if d.Kind == types.DetectionChallenge {
			cf++
		}
	}
	if cf != 1 {
		t.Errorf("challenge detections = %d, want 1", cf)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - name: custom-waf
    kind: block
    pattern: "(?i)custom waf says no"
  - name: broken-kind
    kind: nonsense
    pattern: "x"
  - name: broken-pattern
    kind: block
    pattern: "(unclosed"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadRules(path); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	ds := r.Classify(types.PageInfo{HTML: "Custom WAF says NO"}, "u")
	found := false
	for _, d := range ds {
		if d.Kind == types.DetectionBlock && d.Details == "custom-waf" {
			found = true
		}
	}
	if !found {
		t.Errorf("custom rule did not fire: %v", kindsOf(ds))
	}
}

func TestAggregatorFeedsProxyPool(t *testing.T) {
	pxPool := proxy.NewPool(proxy.PoolConfig{})
	pxPool.Add(proxy.Proxy{Type: proxy.TypeHTTP, Host: "10.0.0.1", Port: 8080, Score: 0.8})

	metrics := telemetry.NewCollector(0)
	agg := NewAggregator(NewRegistry(), nil, pxPool, metrics)

	sess := sessionWithProxy(t, pxPool)

	// A blocked page counts as a proxy failure.
	page := types.PageInfo{HTML: "<h1>Access Denied</h1>"}
	ds := agg.Collect(sess, page, "https://example.com")
	if !types.HasKind(ds, types.DetectionBlock) {
		t.Fatalf("expected block detection, got %v", kindsOf(ds))
	}

	p, err := pxPool.Get("10.0.0.1:8080")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Score >= 0.8 {
		t.Errorf("block should lower proxy score: %v", p.Score)
	}

	// Detections landed on the session before Collect returned.
	if len(sess.Detections()) != len(ds) {
		t.Errorf("session detections = %d, want %d", len(sess.Detections()), len(ds))
	}

	// And were logged to metrics.
	if rep := metrics.Metrics(0); rep.Detections.Total != len(ds) {
		t.Errorf("metrics detections = %d, want %d", rep.Detections.Total, len(ds))
	}
}

func TestAggregatorCleanPageRewardsProxy(t *testing.T) {
	pxPool := proxy.NewPool(proxy.PoolConfig{})
	pxPool.Add(proxy.Proxy{Type: proxy.TypeHTTP, Host: "10.0.0.1", Port: 8080, Score: 0.5})

	agg := NewAggregator(NewRegistry(), nil, pxPool, nil)
	sess := sessionWithProxy(t, pxPool)

	agg.Collect(sess, types.PageInfo{HTML: "<h1>Catalog</h1>", StatusCode: 200}, "u")

	p, _ := pxPool.Get("10.0.0.1:8080")
	if p.Score <= 0.5 {
		t.Errorf("clean page should raise proxy score: %v", p.Score)
	}
}

func TestAggregatorTriggersBackoffOnRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	agg := NewAggregator(NewRegistry(), limiter, nil, nil)

	agg.Collect(nil, types.PageInfo{StatusCode: 429, HTML: "<html></html>"}, "u")

	if stats := limiter.Stats(); stats.TotalBackoffs != 1 {
		t.Errorf("TotalBackoffs = %d, want 1", stats.TotalBackoffs)
	}

	// A clean page must not touch backoff.
	agg.Collect(nil, types.PageInfo{StatusCode: 200, HTML: "<html></html>"}, "u")
	if stats := limiter.Stats(); stats.TotalBackoffs != 1 {
		t.Errorf("TotalBackoffs = %d, want still 1", stats.TotalBackoffs)
	}
}
