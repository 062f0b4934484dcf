// Package identity synthesizes per-session browser personas. Every
// attribute of a persona is drawn from one platform record so the
// emitted session looks internally consistent: the user agent, fonts,
// plugins, WebGL strings, hardware figures, screen geometry and TLS
// profile all agree on the operating system they claim.
package identity

import (
	"fmt"

	utls "github.com/refraction-networking/utls"

	"github.com/driftbreak/driftbreak/internal/types"
)

// Platform names.
const (
	PlatformWindows = "windows"
	PlatformMacOS   = "macos"
	PlatformLinux   = "linux"
)

// platformRecord holds every correlated attribute pool for one platform.
// The first entry of each pool doubles as the deterministic default used
// when randomization of that attribute is disabled.
type platformRecord struct {
	name    string
	uaToken string // substring every UA of this platform contains
	vendor  string

	userAgents    []string
	webgl         []types.WebGL
	fonts         []string
	basePlugins   []string
	screens       []types.Screen
	hwConcurrency []int
	deviceMemory  []int
	tlsProfiles   []string
}

var platforms = map[string]*platformRecord{
	PlatformWindows: {
		name:    PlatformWindows,
		uaToken: "Windows NT",
		vendor:  "Google Inc.",
		userAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
		},
		webgl: []types.WebGL{
			{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 SUPER Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Intel(R) Iris(R) Xe Graphics Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{Vendor: "Google Inc. (AMD)", Renderer: "ANGLE (AMD, AMD Radeon RX 580 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		},
		fonts: []string{
			"Arial", "Arial Black", "Calibri", "Cambria", "Candara", "Comic Sans MS",
			"Consolas", "Constantia", "Corbel", "Courier New", "Georgia", "Impact",
			"Lucida Console", "Lucida Sans Unicode", "Microsoft Sans Serif", "Palatino Linotype",
			"Segoe UI", "Segoe UI Emoji", "Tahoma", "Times New Roman", "Trebuchet MS", "Verdana",
		},
		basePlugins: []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer", "Microsoft Edge PDF Viewer", "WebKit built-in PDF"},
		screens: []types.Screen{
			{Width: 1920, Height: 1080, AvailWidth: 1920, AvailHeight: 1040, ColorDepth: 24},
			{Width: 2560, Height: 1440, AvailWidth: 2560, AvailHeight: 1400, ColorDepth: 24},
			{Width: 1366, Height: 768, AvailWidth: 1366, AvailHeight: 728, ColorDepth: 24},
			{Width: 1536, Height: 864, AvailWidth: 1536, AvailHeight: 824, ColorDepth: 24},
			{Width: 3840, Height: 2160, AvailWidth: 3840, AvailHeight: 2120, ColorDepth: 30},
		},
		hwConcurrency: []int{8, 4, 6, 12, 16},
		deviceMemory:  []int{8, 4, 16, 32},
		tlsProfiles:   []string{"chrome-120", "firefox-120", "chrome-auto"},
	},

	PlatformMacOS: {
		name:    PlatformMacOS,
		uaToken: "Mac OS X",
		vendor:  "Apple Computer, Inc.",
		userAgents: []string{
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
		},
		webgl: []types.WebGL{
			{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, Apple M1, OpenGL 4.1)"},
			{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, Apple M2, OpenGL 4.1)"},
			{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, Apple M1 Pro, OpenGL 4.1)"},
			{Vendor: "Apple Inc.", Renderer: "Apple GPU"},
		},
		fonts: []string{
			"American Typewriter", "Arial", "Arial Black", "Avenir", "Avenir Next",
			"Courier", "Courier New", "Futura", "Geneva", "Georgia", "Gill Sans",
			"Helvetica", "Helvetica Neue", "Lucida Grande", "Menlo", "Monaco",
			"Optima", "Palatino", "San Francisco", "Times", "Times New Roman", "Verdana",
		},
		basePlugins: []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer", "WebKit built-in PDF"},
		screens: []types.Screen{
			{Width: 2560, Height: 1600, AvailWidth: 2560, AvailHeight: 1575, ColorDepth: 30},
			{Width: 2880, Height: 1800, AvailWidth: 2880, AvailHeight: 1775, ColorDepth: 30},
			{Width: 1440, Height: 900, AvailWidth: 1440, AvailHeight: 875, ColorDepth: 24},
			{Width: 3024, Height: 1964, AvailWidth: 3024, AvailHeight: 1927, ColorDepth: 30},
		},
		hwConcurrency: []int{8, 10, 12},
		deviceMemory:  []int{8, 16, 32},
		tlsProfiles:   []string{"safari-16", "chrome-120", "firefox-120"},
	},

	PlatformLinux: {
		name:    PlatformLinux,
		uaToken: "Linux x86_64",
		vendor:  "Google Inc.",
		userAgents: []string{
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
		},
		webgl: []types.WebGL{
			{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Mesa Intel(R) UHD Graphics 620 (KBL GT2), OpenGL 4.6)"},
			{Vendor: "Google Inc. (NVIDIA Corporation)", Renderer: "ANGLE (NVIDIA Corporation, NVIDIA GeForce GTX 1650/PCIe/SSE2, OpenGL 4.5.0)"},
			{Vendor: "Google Inc. (AMD)", Renderer: "ANGLE (AMD, AMD Radeon Graphics (renoir LLVM 15.0.7), OpenGL 4.6)"},
			{Vendor: "Mesa", Renderer: "Mesa Intel(R) Xe Graphics (TGL GT2)"},
		},
		fonts: []string{
			"Bitstream Vera Sans", "Cantarell", "DejaVu Sans", "DejaVu Sans Mono", "DejaVu Serif",
			"Droid Sans", "FreeMono", "FreeSans", "FreeSerif", "Liberation Mono",
			"Liberation Sans", "Liberation Serif", "Noto Sans", "Noto Serif", "Ubuntu",
			"Ubuntu Condensed", "Ubuntu Mono",
		},
		basePlugins: []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer"},
		screens: []types.Screen{
			{Width: 1920, Height: 1080, AvailWidth: 1920, AvailHeight: 1053, ColorDepth: 24},
			{Width: 2560, Height: 1440, AvailWidth: 2560, AvailHeight: 1413, ColorDepth: 24},
			{Width: 1366, Height: 768, AvailWidth: 1366, AvailHeight: 741, ColorDepth: 24},
		},
		hwConcurrency: []int{4, 8, 12, 16},
		deviceMemory:  []int{8, 16, 4},
		tlsProfiles:   []string{"chrome-120", "firefox-120", "chrome-auto"},
	},
}

// platformNames is the stable selection order for random platform picks.
var platformNames = []string{PlatformWindows, PlatformMacOS, PlatformLinux}

// tlsProfileTable maps profile ids to utls ClientHello specs. Every id
// referenced by a platform record must resolve here.
var tlsProfileTable = map[string]utls.ClientHelloID{
	"chrome-120":   utls.HelloChrome_120,
	"chrome-auto":  utls.HelloChrome_Auto,
	"firefox-120":  utls.HelloFirefox_120,
	"firefox-auto": utls.HelloFirefox_Auto,
	"safari-16":    utls.HelloSafari_16_0,
	"safari-auto":  utls.HelloSafari_Auto,
}

// TLSClientHello resolves a profile id to its utls ClientHelloID.
func TLSClientHello(profileID string) (utls.ClientHelloID, error) {
	id, ok := tlsProfileTable[profileID]
	if !ok {
		return utls.ClientHelloID{}, fmt.Errorf("%w: unknown TLS profile %q", types.ErrInvalidInput, profileID)
	}
	return id, nil
}

// localeTimezones maps a locale to its plausible IANA timezones. The
// first entry is the deterministic default.
var localeTimezones = map[string][]string{
	"en-US": {"America/New_York", "America/Chicago", "America/Denver", "America/Los_Angeles", "America/Phoenix"},
	"en-GB": {"Europe/London"},
	"en-CA": {"America/Toronto", "America/Vancouver", "America/Edmonton"},
	"en-AU": {"Australia/Sydney", "Australia/Melbourne", "Australia/Brisbane", "Australia/Perth"},
	"de-DE": {"Europe/Berlin"},
	"fr-FR": {"Europe/Paris"},
	"es-ES": {"Europe/Madrid"},
	"it-IT": {"Europe/Rome"},
	"nl-NL": {"Europe/Amsterdam"},
	"pl-PL": {"Europe/Warsaw"},
	"pt-BR": {"America/Sao_Paulo", "America/Manaus"},
	"ja-JP": {"Asia/Tokyo"},
	"ko-KR": {"Asia/Seoul"},
	"zh-CN": {"Asia/Shanghai"},
	"ru-RU": {"Europe/Moscow", "Asia/Yekaterinburg", "Asia/Novosibirsk"},
	"tr-TR": {"Europe/Istanbul"},
	"in-ID": {"Asia/Jakarta"},
	"hi-IN": {"Asia/Kolkata"},
}

// DefaultLocale is used when the caller does not pin one.
const DefaultLocale = "en-US"

// ValidateTimezone reports whether tz is plausible for locale. Unknown
// locales accept any timezone since no mapping constrains them.
func ValidateTimezone(locale, tz string) bool {
	zones, ok := localeTimezones[locale]
	if !ok {
		return true
	}
	for _, z := range zones {
		if z == tz {
			return true
		}
	}
	return false
}

// Platforms returns the available platform names.
func Platforms() []string {
	out := make([]string, len(platformNames))
	copy(out, platformNames)
	return out
}

// UAToken returns the user-agent substring that identifies a platform.
func UAToken(platform string) string {
	if rec, ok := platforms[platform]; ok {
		return rec.uaToken
	}
	return ""
}

// WebGLPool returns copies of a platform's WebGL vendor/renderer pairs.
func WebGLPool(platform string) []types.WebGL {
	rec, ok := platforms[platform]
	if !ok {
		return nil
	}
	out := make([]types.WebGL, len(rec.webgl))
	copy(out, rec.webgl)
	return out
}

// FontPool returns a copy of a platform's font pool.
func FontPool(platform string) []string {
	rec, ok := platforms[platform]
	if !ok {
		return nil
	}
	out := make([]string, len(rec.fonts))
	copy(out, rec.fonts)
	return out
}
