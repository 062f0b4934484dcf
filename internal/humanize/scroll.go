package humanize

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// ScrollConfig bounds a generated scroll gesture.
type ScrollConfig struct {
	// MinSteps and MaxSteps bound the number of increments one gesture
	// is split into.
	MinSteps int
	MaxSteps int
	// OvershootChance occasionally scrolls past the target and corrects,
	// the way a person flicks a wheel too far.
	OvershootChance float64
}

// DefaultScrollConfig returns gesture bounds tuned to wheel scrolling.
func DefaultScrollConfig() ScrollConfig {
	return ScrollConfig{MinSteps: 8, MaxSteps: 16, OvershootChance: 0.2}
}

// ScrollSteps decomposes a scroll from fromY to toY into eased
// increments. The increments sum to the total distance (plus an
// optional overshoot-and-correct pair).
func ScrollSteps(cfg ScrollConfig, fromY, toY float64) []float64 {
	if cfg.MinSteps < 1 {
		cfg.MinSteps = 1
	}
	if cfg.MaxSteps < cfg.MinSteps {
		cfg.MaxSteps = cfg.MinSteps
	}

	distance := toY - fromY
	if distance == 0 {
		return nil
	}

	n := cfg.MinSteps
	if cfg.MaxSteps > cfg.MinSteps {
		n += rand.Intn(cfg.MaxSteps - cfg.MinSteps + 1)
	}

	steps := make([]float64, 0, n+2)
	prev := 0.0
	for i := 1; i <= n; i++ {
		progress := easeOutCubic(float64(i) / float64(n))
		target := distance * progress
		steps = append(steps, target-prev)
		prev = target
	}

	if rand.Float64() < cfg.OvershootChance {
		over := distance * (0.03 + rand.Float64()*0.05)
		steps = append(steps, over, -over)
	}
	return steps
}

// easeOutCubic decelerates toward the end of the gesture.
func easeOutCubic(t float64) float64 {
	return 1 - math.Pow(1-t, 3)
}

// ScrollScript renders a JS statement applying one scroll increment.
func ScrollScript(deltaY float64) string {
	return fmt.Sprintf("() => window.scrollBy(0, %.1f)", deltaY)
}

// ScrollToElementScript renders a JS expression that returns the
// element's offset from the current viewport top, for computing a
// gesture toward it. The selector is embedded as a JS string literal.
func ScrollToElementScript(selector string) string {
	escaped := strings.ReplaceAll(selector, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return fmt.Sprintf(
		`() => { const el = document.querySelector("%s"); return el ? el.getBoundingClientRect().top : 0; }`,
		escaped)
}
