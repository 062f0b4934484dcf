package identity

import (
	"strings"
	"testing"

	"github.com/driftbreak/driftbreak/internal/types"
)

// Seed scenario: 100 fully randomized identities each stay internally
// consistent with a single platform record.
func TestIdentityCorrelation(t *testing.T) {
	a := NewAssemblerSeeded(42)

	for i := 0; i < 100; i++ {
		id, err := a.Assemble(DefaultConfig())
		if err != nil {
			t.Fatalf("Assemble %d: %v", i, err)
		}

		token := UAToken(id.Platform)
		if token == "" {
			t.Fatalf("identity %d: unknown platform %q", i, id.Platform)
		}
		if !strings.Contains(id.UserAgent, token) {
			t.Errorf("identity %d: UA %q lacks platform token %q", i, id.UserAgent, token)
		}

		foundRenderer := false
		for _, w := range WebGLPool(id.Platform) {
			if w == id.WebGL {
				foundRenderer = true
				break
			}
		}
		if !foundRenderer {
			t.Errorf("identity %d: renderer %q not in %s pool", i, id.WebGL.Renderer, id.Platform)
		}

		pool := make(map[string]bool)
		for _, f := range FontPool(id.Platform) {
			pool[f] = true
		}
		for _, f := range id.Fonts {
			if !pool[f] {
				t.Errorf("identity %d: font %q not in %s pool", i, f, id.Platform)
			}
		}

		if err := Validate(id); err != nil {
			t.Errorf("identity %d failed validation: %v", i, err)
		}
	}
}

func TestAssemblePinnedPlatform(t *testing.T) {
	a := NewAssemblerSeeded(7)

	for _, platform := range Platforms() {
		cfg := DefaultConfig()
		cfg.Platform = platform
		for i := 0; i < 10; i++ {
			id, err := a.Assemble(cfg)
			if err != nil {
				t.Fatalf("Assemble(%s): %v", platform, err)
			}
			if id.Platform != platform {
				t.Errorf("Platform = %q, want %q", id.Platform, platform)
			}
		}
	}
}

func TestAssembleUnknownPlatform(t *testing.T) {
	a := NewAssemblerSeeded(1)
	cfg := DefaultConfig()
	cfg.Platform = "beos"

	if _, err := a.Assemble(cfg); err == nil {
		t.Fatal("Assemble should reject an unknown platform")
	}
}

func TestDeterministicDefaults(t *testing.T) {
	a := NewAssemblerSeeded(1)
	cfg := Config{Platform: PlatformWindows} // all randomization off

	first, err := a.Assemble(cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	second, err := a.Assemble(cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if first.UserAgent != second.UserAgent {
		t.Error("disabled UA randomization should be deterministic")
	}
	if first.WebGL != second.WebGL {
		t.Error("disabled WebGL randomization should be deterministic")
	}
	if first.Screen != second.Screen {
		t.Error("disabled screen randomization should be deterministic")
	}
	if first.HWConcurrency != second.HWConcurrency || first.DeviceMemory != second.DeviceMemory {
		t.Error("disabled hardware randomization should be deterministic")
	}
	if first.Timezone != second.Timezone {
		t.Error("disabled timezone randomization should be deterministic")
	}
	if len(first.Fonts) != len(FontPool(PlatformWindows)) {
		t.Error("disabled font randomization should keep the full pool")
	}

	// Seeds stay random even with all knobs off.
	if first.CanvasSeed == second.CanvasSeed && first.AudioSeed == second.AudioSeed {
		t.Error("seeds should differ between identities")
	}
}

func TestSeedsDistinct(t *testing.T) {
	a := NewAssemblerSeeded(99)
	id, err := a.Assemble(DefaultConfig())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if id.CanvasSeed == id.AudioSeed {
		t.Error("canvas and audio seeds must be distinct")
	}
}

func TestViewportWithinScreen(t *testing.T) {
	a := NewAssemblerSeeded(3)
	for i := 0; i < 50; i++ {
		id, err := a.Assemble(DefaultConfig())
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		if id.Viewport.Width > id.Screen.AvailWidth || id.Viewport.Height > id.Screen.AvailHeight {
			t.Errorf("viewport %+v exceeds avail screen %+v", id.Viewport, id.Screen)
		}
		if id.Screen.AvailWidth > id.Screen.Width || id.Screen.AvailHeight > id.Screen.Height {
			t.Errorf("avail screen exceeds physical: %+v", id.Screen)
		}
		if id.DevicePixelRatio < 0.5 || id.DevicePixelRatio > 3 {
			t.Errorf("dpr out of range: %v", id.DevicePixelRatio)
		}
	}
}

func TestValidateTimezone(t *testing.T) {
	tests := []struct {
		locale string
		tz     string
		want   bool
	}{
		{"en-US", "America/New_York", true},
		{"en-US", "America/Los_Angeles", true},
		{"en-US", "Europe/Berlin", false},
		{"de-DE", "Europe/Berlin", true},
		{"de-DE", "Asia/Tokyo", false},
		{"ja-JP", "Asia/Tokyo", true},
		{"xx-XX", "Anywhere/AtAll", true}, // unmapped locales are unconstrained
	}
	for _, tt := range tests {
		if got := ValidateTimezone(tt.locale, tt.tz); got != tt.want {
			t.Errorf("ValidateTimezone(%q, %q) = %v, want %v", tt.locale, tt.tz, got, tt.want)
		}
	}
}

func TestLocaleDrivesTimezone(t *testing.T) {
	a := NewAssemblerSeeded(11)
	cfg := DefaultConfig()
	cfg.Locale = "de-DE"

	for i := 0; i < 10; i++ {
		id, err := a.Assemble(cfg)
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		if !ValidateTimezone("de-DE", id.Timezone) {
			t.Errorf("timezone %q implausible for de-DE", id.Timezone)
		}
		if id.Languages[0] != "de-DE" {
			t.Errorf("Languages[0] = %q, want de-DE", id.Languages[0])
		}
	}
}

func TestTLSClientHello(t *testing.T) {
	for _, platform := range Platforms() {
		a := NewAssemblerSeeded(5)
		cfg := DefaultConfig()
		cfg.Platform = platform
		id, err := a.Assemble(cfg)
		if err != nil {
			t.Fatalf("Assemble(%s): %v", platform, err)
		}
		if _, err := TLSClientHello(id.TLSProfileID); err != nil {
			t.Errorf("platform %s produced unresolvable TLS profile %q", platform, id.TLSProfileID)
		}
	}

	if _, err := TLSClientHello("netscape-4"); err == nil {
		t.Error("unknown profile id should error")
	}
}

func TestValidateRejectsCrossPlatform(t *testing.T) {
	a := NewAssemblerSeeded(13)
	cfg := DefaultConfig()
	cfg.Platform = PlatformWindows
	id, err := a.Assemble(cfg)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// Graft a macOS renderer onto a Windows identity.
	id.WebGL = WebGLPool(PlatformMacOS)[0]
	if err := Validate(id); err == nil {
		t.Error("Validate should reject a cross-platform WebGL renderer")
	}

	id2, _ := a.Assemble(cfg)
	id2.Fonts = append(id2.Fonts, "Helvetica Neue")
	if err := Validate(id2); err == nil {
		t.Error("Validate should reject a font outside the platform pool")
	}

	var blank types.Identity
	if err := Validate(blank); err == nil {
		t.Error("Validate should reject the zero identity")
	}
}
