package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/types"
)

// Config selects which persona attributes are randomized. A disabled
// attribute uses the platform's deterministic default (the first pool
// entry). The zero value randomizes nothing; DefaultConfig randomizes
// everything.
type Config struct {
	Platform string // empty picks a random platform
	Locale   string // empty uses DefaultLocale

	RandomUserAgent bool
	RandomScreen    bool
	RandomWebGL     bool
	RandomFonts     bool
	RandomHardware  bool
	RandomTimezone  bool
	RandomTLS       bool
}

// DefaultConfig enables every randomization knob.
func DefaultConfig() Config {
	return Config{
		RandomUserAgent: true,
		RandomScreen:    true,
		RandomWebGL:     true,
		RandomFonts:     true,
		RandomHardware:  true,
		RandomTimezone:  true,
		RandomTLS:       true,
	}
}

// Assembler produces identities. Safe for concurrent use.
type Assembler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewAssembler creates an assembler with a time-seeded source.
func NewAssembler() *Assembler {
	return &Assembler{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewAssemblerSeeded creates an assembler with a fixed seed, for tests.
func NewAssemblerSeeded(seed int64) *Assembler {
	return &Assembler{rng: rand.New(rand.NewSource(seed))}
}

// Assemble builds one identity according to cfg. Every attribute comes
// from the same platform record; the result passes Validate.
func (a *Assembler) Assemble(cfg Config) (types.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	platform := cfg.Platform
	if platform == "" {
		platform = platformNames[a.rng.Intn(len(platformNames))]
	}
	rec, ok := platforms[platform]
	if !ok {
		return types.Identity{}, fmt.Errorf("%w: unknown platform %q", types.ErrInvalidInput, platform)
	}

	locale := cfg.Locale
	if locale == "" {
		locale = DefaultLocale
	}

	id := types.Identity{
		Platform:     platform,
		Vendor:       rec.vendor,
		Locale:       locale,
		Languages:    languagesFor(locale),
		UserAgent:    a.pickString(rec.userAgents, cfg.RandomUserAgent),
		WebGL:        a.pickWebGL(rec.webgl, cfg.RandomWebGL),
		Plugins:      append([]string(nil), rec.basePlugins...),
		Fonts:        a.pickFonts(rec.fonts, cfg.RandomFonts),
		TLSProfileID: a.pickString(rec.tlsProfiles, cfg.RandomTLS),
		CanvasSeed:   a.rng.Uint64(),
		AudioSeed:    a.rng.Uint64(),
	}

	screen := rec.screens[0]
	if cfg.RandomScreen {
		screen = rec.screens[a.rng.Intn(len(rec.screens))]
	}
	id.Screen = screen
	id.Viewport = a.viewportFor(screen, cfg.RandomScreen)
	id.DevicePixelRatio = dprFor(platform, screen)

	if cfg.RandomHardware {
		id.HWConcurrency = rec.hwConcurrency[a.rng.Intn(len(rec.hwConcurrency))]
		id.DeviceMemory = rec.deviceMemory[a.rng.Intn(len(rec.deviceMemory))]
	} else {
		id.HWConcurrency = rec.hwConcurrency[0]
		id.DeviceMemory = rec.deviceMemory[0]
	}

	zones := localeTimezones[locale]
	if len(zones) == 0 {
		// No mapping for this locale; fall back to UTC, which
		// ValidateTimezone accepts because unmapped locales are unconstrained.
		id.Timezone = "UTC"
	} else if cfg.RandomTimezone {
		id.Timezone = zones[a.rng.Intn(len(zones))]
	} else {
		id.Timezone = zones[0]
	}

	if err := Validate(id); err != nil {
		// A validation failure here means a platform table bug, not bad input.
		log.Error().Err(err).Str("platform", platform).Msg("Assembled identity failed validation")
		return types.Identity{}, err
	}
	return id, nil
}

// pickString returns a random pool entry when random, else the default.
func (a *Assembler) pickString(pool []string, random bool) string {
	if random {
		return pool[a.rng.Intn(len(pool))]
	}
	return pool[0]
}

func (a *Assembler) pickWebGL(pool []types.WebGL, random bool) types.WebGL {
	if random {
		return pool[a.rng.Intn(len(pool))]
	}
	return pool[0]
}

// pickFonts returns a subset of the platform font pool. The subset keeps
// pool order so two identities on the same platform remain comparable.
func (a *Assembler) pickFonts(pool []string, random bool) []string {
	if !random {
		return append([]string(nil), pool...)
	}
	// Drop up to a quarter of the fonts at random; real machines differ
	// in installed extras, not in the core set.
	keep := make([]string, 0, len(pool))
	maxDrop := len(pool) / 4
	dropped := 0
	for _, f := range pool {
		if dropped < maxDrop && a.rng.Intn(len(pool)) < maxDrop {
			dropped++
			continue
		}
		keep = append(keep, f)
	}
	return keep
}

// viewportFor derives a viewport that fits within the available screen.
func (a *Assembler) viewportFor(screen types.Screen, random bool) types.Viewport {
	w := screen.AvailWidth
	h := screen.AvailHeight - 85 // browser chrome
	if random {
		// Shave a small random margin as if the window is not maximized.
		w -= a.rng.Intn(120)
		h -= a.rng.Intn(80)
	}
	if w < 800 {
		w = 800
	}
	if h < 600 {
		h = 600
	}
	if w > screen.AvailWidth {
		w = screen.AvailWidth
	}
	if h > screen.AvailHeight {
		h = screen.AvailHeight
	}
	return types.Viewport{Width: w, Height: h}
}

// dprFor returns a plausible devicePixelRatio for the platform/screen.
func dprFor(platform string, screen types.Screen) float64 {
	if platform == PlatformMacOS {
		return 2.0
	}
	if screen.Width >= 3840 {
		return 1.5
	}
	return 1.0
}

// languagesFor expands a locale into the Accept-Language style list.
func languagesFor(locale string) []string {
	if len(locale) >= 2 {
		base := locale[:2]
		if base != locale {
			return []string{locale, base}
		}
	}
	return []string{locale}
}

// Validate checks every correlation invariant on an identity. A failure
// indicates either a hand-built identity or a platform table bug.
func Validate(id types.Identity) error {
	rec, ok := platforms[id.Platform]
	if !ok {
		return fmt.Errorf("%w: unknown platform %q", types.ErrInvalidInput, id.Platform)
	}

	if !strings.Contains(id.UserAgent, rec.uaToken) {
		return fmt.Errorf("%w: user agent %q lacks platform token %q", types.ErrInvalidInput, id.UserAgent, rec.uaToken)
	}
	if !webglInPool(rec.webgl, id.WebGL) {
		return fmt.Errorf("%w: webgl %q/%q not in %s pool", types.ErrInvalidInput, id.WebGL.Vendor, id.WebGL.Renderer, id.Platform)
	}
	if !fontsSubset(rec.fonts, id.Fonts) {
		return fmt.Errorf("%w: fonts not a subset of the %s pool", types.ErrInvalidInput, id.Platform)
	}
	if !intInPool(rec.hwConcurrency, id.HWConcurrency) {
		return fmt.Errorf("%w: hwConcurrency %d not in %s pool", types.ErrInvalidInput, id.HWConcurrency, id.Platform)
	}
	if !intInPool(rec.deviceMemory, id.DeviceMemory) {
		return fmt.Errorf("%w: deviceMemory %d not in %s pool", types.ErrInvalidInput, id.DeviceMemory, id.Platform)
	}
	if !screenInPool(rec.screens, id.Screen) {
		return fmt.Errorf("%w: screen %dx%d not in %s pool", types.ErrInvalidInput, id.Screen.Width, id.Screen.Height, id.Platform)
	}
	if !stringInPool(rec.tlsProfiles, id.TLSProfileID) {
		return fmt.Errorf("%w: tls profile %q not in %s pool", types.ErrInvalidInput, id.TLSProfileID, id.Platform)
	}
	if _, err := TLSClientHello(id.TLSProfileID); err != nil {
		return err
	}

	if id.Viewport.Width > id.Screen.AvailWidth || id.Viewport.Height > id.Screen.AvailHeight {
		return fmt.Errorf("%w: viewport exceeds available screen", types.ErrInvalidInput)
	}
	if id.Screen.AvailWidth > id.Screen.Width || id.Screen.AvailHeight > id.Screen.Height {
		return fmt.Errorf("%w: available screen exceeds physical screen", types.ErrInvalidInput)
	}
	if id.DevicePixelRatio < 0.5 || id.DevicePixelRatio > 3 {
		return fmt.Errorf("%w: devicePixelRatio %v out of range", types.ErrInvalidInput, id.DevicePixelRatio)
	}
	switch id.Screen.ColorDepth {
	case 24, 30, 32:
	default:
		return fmt.Errorf("%w: colorDepth %d not in {24,30,32}", types.ErrInvalidInput, id.Screen.ColorDepth)
	}

	if !ValidateTimezone(id.Locale, id.Timezone) {
		return fmt.Errorf("%w: timezone %q implausible for locale %q", types.ErrInvalidInput, id.Timezone, id.Locale)
	}
	if id.CanvasSeed == id.AudioSeed {
		return fmt.Errorf("%w: canvas and audio seeds must be distinct", types.ErrInvalidInput)
	}
	return nil
}

func webglInPool(pool []types.WebGL, w types.WebGL) bool {
	for _, p := range pool {
		if p == w {
			return true
		}
	}
	return false
}

func fontsSubset(pool, fonts []string) bool {
	set := make(map[string]bool, len(pool))
	for _, f := range pool {
		set[f] = true
	}
	for _, f := range fonts {
		if !set[f] {
			return false
		}
	}
	return true
}

func intInPool(pool []int, v int) bool {
	for _, p := range pool {
		if p == v {
			return true
		}
	}
	return false
}

func stringInPool(pool []string, v string) bool {
	for _, p := range pool {
		if p == v {
			return true
		}
	}
	return false
}

func screenInPool(pool []types.Screen, s types.Screen) bool {
	for _, p := range pool {
		if p == s {
			return true
		}
	}
	return false
}
