// Package detect classifies anti-bot signals on loaded pages. Each
// classifier is a pure function over a page snapshot; Classify runs the
// enabled classifiers independently and returns every detection found.
package detect

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/driftbreak/driftbreak/internal/types"
)

// maxBodyLen limits the HTML size fed to regex probes to prevent
// pathological backtracking on huge pages.
const maxBodyLen = 256 * 1024

// Classifier inspects a page snapshot and yields at most one detection.
type Classifier struct {
	Name  string
	Probe func(page types.PageInfo) (types.Detection, bool)
}

// Registry holds the classifier set used by Classify. The default
// registry covers the major anti-bot vendors plus generic text probes;
// an optional YAML rules file appends more text probes.
type Registry struct {
	classifiers []Classifier
}

// NewRegistry builds the default classifier set.
func NewRegistry() *Registry {
	return &Registry{classifiers: defaultClassifiers()}
}

// Classify runs every classifier over the page and returns all
// detections with URL attached. The caller's timestamp discipline is
// preserved: detections are stamped with the same now.
func (r *Registry) Classify(page types.PageInfo, url string) []types.Detection {
	if len(page.HTML) > maxBodyLen {
		page.HTML = page.HTML[:maxBodyLen]
	}
	now := time.Now()

	var out []types.Detection
	for _, c := range r.classifiers {
		if d, ok := c.Probe(page); ok {
			d.URL = url
			d.Timestamp = now
			out = append(out, d)
		}
	}
	return out
}

// defaultClassifiers returns the built-in probes, vendor-specific first.
func defaultClassifiers() []Classifier {
	return []Classifier{
		{Name: "cloudflare", Probe: probeCloudflare},
		{Name: "perimeterx", Probe: probePerimeterX},
		{Name: "datadome", Probe: probeDataDome},
		{Name: "recaptcha", Probe: probeReCaptcha},
		{Name: "hcaptcha", Probe: probeHCaptcha},
		{Name: "generic-block", Probe: probeGenericBlock},
		{Name: "generic-ratelimit", Probe: probeGenericRateLimit},
		{Name: "generic-captcha", Probe: probeGenericCaptcha},
		{Name: "status-code", Probe: probeStatusCode},
	}
}

var (
	cloudflareMarkers = []string{"cf-chl", "cf-wrapper", "cf_chl_opt", "challenge-platform", "turnstile"}
	recaptchaMarkers  = []string{"g-recaptcha", "recaptcha/api.js", "grecaptcha"}
	hcaptchaMarkers   = []string{"h-captcha", "hcaptcha.com/1/api.js"}

	blockPattern     = regexp.MustCompile(`(?i)(access\s{1,5}denied|forbidden|you\s{1,5}(have\s{1,5}been\s{1,5})?blocked)`)
	rateLimitPattern = regexp.MustCompile(`(?i)(rate\s{0,3}limit|too\s{1,5}many\s{1,5}requests)`)
	humanPattern     = regexp.MustCompile(`(?i)verify\s{1,5}(that\s{1,5})?you('|\s{1,3}a)?re?\s{1,5}(a\s{1,5})?human`)
)

func probeCloudflare(page types.PageInfo) (types.Detection, bool) {
	html := strings.ToLower(page.HTML)
	for _, marker := range cloudflareMarkers {
		if strings.Contains(html, marker) {
			return types.Detection{
				Kind:     types.DetectionChallenge,
				Details:  "cloudflare challenge page",
				Evidence: marker,
			}, true
		}
	}
	if _, ok := page.Cookies["__cf_bm"]; ok && strings.Contains(html, "checking your browser") {
		return types.Detection{
			Kind:    types.DetectionChallenge,
			Details: "cloudflare browser check",
		}, true
	}
	return types.Detection{}, false
}

func probePerimeterX(page types.PageInfo) (types.Detection, bool) {
	for name := range page.Cookies {
		if strings.HasPrefix(name, "_px") {
			return types.Detection{
				Kind:     types.DetectionChallenge,
				Details:  "perimeterx cookie present",
				Evidence: name,
			}, true
		}
	}
	if strings.Contains(strings.ToLower(page.HTML), "px-captcha") {
		return types.Detection{
			Kind:     types.DetectionChallenge,
			Details:  "perimeterx captcha element",
			Evidence: "px-captcha",
		}, true
	}
	return types.Detection{}, false
}

func probeDataDome(page types.PageInfo) (types.Detection, bool) {
	if _, ok := page.Cookies["datadome"]; ok {
		return types.Detection{
			Kind:    types.DetectionChallenge,
			Details: "datadome cookie present",
		}, true
	}
	for _, src := range page.ScriptSrcs {
		if strings.Contains(src, "dd.js") || strings.Contains(src, "datadome") {
			return types.Detection{
				Kind:     types.DetectionChallenge,
				Details:  "datadome script loaded",
				Evidence: src,
			}, true
		}
	}
	return types.Detection{}, false
}

func probeReCaptcha(page types.PageInfo) (types.Detection, bool) {
	html := strings.ToLower(page.HTML)
	for _, marker := range recaptchaMarkers {
		if strings.Contains(html, marker) {
			return types.Detection{
				Kind:     types.DetectionCaptcha,
				Details:  "recaptcha widget",
				Evidence: marker,
			}, true
		}
	}
	return types.Detection{}, false
}

func probeHCaptcha(page types.PageInfo) (types.Detection, bool) {
	html := strings.ToLower(page.HTML)
	for _, marker := range hcaptchaMarkers {
		if strings.Contains(html, marker) {
			return types.Detection{
				Kind:     types.DetectionCaptcha,
				Details:  "hcaptcha widget",
				Evidence: marker,
			}, true
		}
	}
	return types.Detection{}, false
}

func probeGenericBlock(page types.PageInfo) (types.Detection, bool) {
	if m := blockPattern.FindString(page.HTML); m != "" {
		return types.Detection{
			Kind:     types.DetectionBlock,
			Details:  "block text on page",
			Evidence: m,
		}, true
	}
	return types.Detection{}, false
}

func probeGenericRateLimit(page types.PageInfo) (types.Detection, bool) {
	if m := rateLimitPattern.FindString(page.HTML); m != "" {
		return types.Detection{
			Kind:     types.DetectionRateLimit,
			Details:  "rate limit text on page",
			Evidence: m,
		}, true
	}
	return types.Detection{}, false
}

func probeGenericCaptcha(page types.PageInfo) (types.Detection, bool) {
	if m := humanPattern.FindString(page.HTML); m != "" {
		return types.Detection{
			Kind:     types.DetectionCaptcha,
			Details:  "human verification prompt",
			Evidence: m,
		}, true
	}
	return types.Detection{}, false
}

func probeStatusCode(page types.PageInfo) (types.Detection, bool) {
	switch page.StatusCode {
	case 429:
		return types.Detection{Kind: types.DetectionRateLimit, Details: "HTTP 429"}, true
	case 403:
		return types.Detection{Kind: types.DetectionBlock, Details: "HTTP 403"}, true
	}
	return types.Detection{}, false
}

// rulesFile is the YAML shape for external text probes.
type rulesFile struct {
	Rules []struct {
		Name    string `yaml:"name"`
		Kind    string `yaml:"kind"`
		Pattern string `yaml:"pattern"`
		Details string `yaml:"details"`
	} `yaml:"rules"`
}

// LoadRules appends text-pattern classifiers from a YAML file. Unknown
// kinds and bad patterns are skipped with a warning; loading never
// removes the built-in classifiers.
func (r *Registry) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return err
	}

	loaded := 0
	for _, rule := range rf.Rules {
		kind := types.DetectionKind(rule.Kind)
		switch kind {
		case types.DetectionCaptcha, types.DetectionChallenge, types.DetectionBlock,
			types.DetectionRateLimit, types.DetectionFingerprint, types.DetectionUnknown:
		default:
			log.Warn().Str("rule", rule.Name).Str("kind", rule.Kind).Msg("Skipping rule with unknown kind")
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			log.Warn().Str("rule", rule.Name).Err(err).Msg("Skipping rule with invalid pattern")
			continue
		}

		details := rule.Details
		if details == "" {
			details = rule.Name
		}
		r.classifiers = append(r.classifiers, Classifier{
			Name: rule.Name,
			Probe: func(page types.PageInfo) (types.Detection, bool) {
				if m := re.FindString(page.HTML); m != "" {
					return types.Detection{Kind: kind, Details: details, Evidence: m}, true
				}
				return types.Detection{}, false
			},
		})
		loaded++
	}

	log.Info().Str("file", path).Int("rules", loaded).Msg("Detection rules loaded")
	return nil
}
