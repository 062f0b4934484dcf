package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/driftbreak/driftbreak/internal/types"
)

// IdentityScript renders the init script that binds an identity to a
// page. It runs on every new document before any page script, so the
// overridden surfaces are already in place when detection code probes
// them. The same identity always renders the same script.
func IdentityScript(id types.Identity) string {
	var b strings.Builder

	b.WriteString("(() => {\n'use strict';\n")
	b.WriteString("if (window.__identityApplied) { return; }\n")
	b.WriteString("window.__identityApplied = true;\n")
	b.WriteString("try {\n")

	writeNavigatorOverrides(&b, id)
	writeScreenOverrides(&b, id)
	writeWebGLOverrides(&b, id)
	writeCanvasNoise(&b, id)
	writeAudioNoise(&b, id)
	writeFontOverrides(&b, id)
	writeWebRTCGuard(&b)
	writeBatteryMock(&b)
	writeTimingJitter(&b, id)

	b.WriteString("} catch (e) { /* a single failed patch must not break the rest */ }\n")
	b.WriteString("})();\n")
	return b.String()
}

func writeNavigatorOverrides(b *strings.Builder, id types.Identity) {
	define := func(prop string, value any) {
		fmt.Fprintf(b, "Object.defineProperty(navigator, %s, { get: () => %s, configurable: true });\n",
			jsStr(prop), jsVal(value))
	}

	// webdriver is the single most probed property.
	b.WriteString("Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });\n")

	define("userAgent", id.UserAgent)
	define("vendor", id.Vendor)
	define("languages", id.Languages)
	if len(id.Languages) > 0 {
		define("language", id.Languages[0])
	}
	define("hardwareConcurrency", id.HWConcurrency)
	define("deviceMemory", id.DeviceMemory)
	define("platform", navigatorPlatform(id.Platform))

	// Plugins need array-like shape with item/namedItem, not a bare array.
	fmt.Fprintf(b, `(() => {
  const names = %s;
  const mk = (name) => ({ name, filename: name.toLowerCase().replace(/\s+/g, '-'), description: name, length: 1,
    item: () => null, namedItem: () => null, [Symbol.iterator]: function* () {} });
  const plugins = names.map(mk);
  plugins.item = (i) => plugins[i] || null;
  plugins.namedItem = (n) => plugins.find(p => p.name === n) || null;
  plugins.refresh = () => {};
  Object.defineProperty(navigator, 'plugins', { get: () => plugins, configurable: true });
})();
`, jsVal(id.Plugins))
}

// navigatorPlatform maps the identity platform to navigator.platform.
func navigatorPlatform(platform string) string {
	switch platform {
	case "windows":
		return "Win32"
	case "macos":
		return "MacIntel"
	default:
		return "Linux x86_64"
	}
}

func writeScreenOverrides(b *strings.Builder, id types.Identity) {
	props := map[string]any{
		"width":       id.Screen.Width,
		"height":      id.Screen.Height,
		"availWidth":  id.Screen.AvailWidth,
		"availHeight": id.Screen.AvailHeight,
		"colorDepth":  id.Screen.ColorDepth,
		"pixelDepth":  id.Screen.ColorDepth,
	}
	for _, prop := range []string{"width", "height", "availWidth", "availHeight", "colorDepth", "pixelDepth"} {
		fmt.Fprintf(b, "Object.defineProperty(screen, %s, { get: () => %s, configurable: true });\n",
			jsStr(prop), jsVal(props[prop]))
	}
	fmt.Fprintf(b, "Object.defineProperty(window, 'devicePixelRatio', { get: () => %s, configurable: true });\n",
		jsVal(id.DevicePixelRatio))
}

func writeWebGLOverrides(b *strings.Builder, id types.Identity) {
	// 37445/37446 are UNMASKED_VENDOR_WEBGL / UNMASKED_RENDERER_WEBGL.
	fmt.Fprintf(b, `(() => {
  const vendor = %s, renderer = %s;
  const patch = (proto) => {
    if (!proto) return;
    const orig = proto.getParameter;
    proto.getParameter = function (p) {
      if (p === 37445) return vendor;
      if (p === 37446) return renderer;
      return orig.call(this, p);
    };
  };
  patch(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patch(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);
})();
`, jsVal(id.WebGL.Vendor), jsVal(id.WebGL.Renderer))
}

func writeCanvasNoise(b *strings.Builder, id types.Identity) {
	// Deterministic per-session noise: same seed, same pixels. The noise
	// is confined to the low bit of a sparse pixel subset so rendered
	// output stays visually identical.
	fmt.Fprintf(b, `(() => {
  let state = %d >>> 0;
  const next = () => { state = (state * 1664525 + 1013904223) >>> 0; return state; };
  const orig = HTMLCanvasElement.prototype.toDataURL;
  const noise = (canvas) => {
    const ctx = canvas.getContext('2d');
    if (!ctx || canvas.width === 0 || canvas.height === 0) return;
    const img = ctx.getImageData(0, 0, canvas.width, canvas.height);
    for (let i = 0; i < img.data.length; i += 4096) {
      img.data[i] = img.data[i] ^ (next() & 1);
    }
    ctx.putImageData(img, 0, 0);
  };
  HTMLCanvasElement.prototype.toDataURL = function (...args) {
    try { noise(this); } catch (e) {}
    return orig.apply(this, args);
  };
})();
`, uint32(id.CanvasSeed))
}

func writeAudioNoise(b *strings.Builder, id types.Identity) {
	fmt.Fprintf(b, `(() => {
  if (!window.AnalyserNode) return;
  let state = %d >>> 0;
  const next = () => { state = (state * 1664525 + 1013904223) >>> 0; return state; };
  const orig = AnalyserNode.prototype.getFloatFrequencyData;
  AnalyserNode.prototype.getFloatFrequencyData = function (array) {
    orig.call(this, array);
    for (let i = 0; i < array.length; i += 97) {
      array[i] = array[i] + ((next() %% 100) - 50) * 1e-6;
    }
  };
})();
`, uint32(id.AudioSeed))
}

func writeFontOverrides(b *strings.Builder, id types.Identity) {
	// document.fonts.check reports only fonts the identity claims.
	fmt.Fprintf(b, `(() => {
  if (!document.fonts || !document.fonts.check) return;
  const allowed = new Set(%s);
  const orig = document.fonts.check.bind(document.fonts);
  document.fonts.check = (font, text) => {
    const m = /(?:\d+px\s+)?["']?([^"',]+)/.exec(font);
    if (m && !allowed.has(m[1].trim())) return false;
    return orig(font, text);
  };
})();
`, jsVal(id.Fonts))
}

func writeWebRTCGuard(b *strings.Builder) {
	// Neuter candidate gathering so STUN cannot reveal the real egress IP.
	b.WriteString(`(() => {
  if (!window.RTCPeerConnection) return;
  const Orig = window.RTCPeerConnection;
  window.RTCPeerConnection = function (...args) {
    const pc = new Orig(...args);
    const origAdd = pc.addIceCandidate.bind(pc);
    pc.addIceCandidate = (c, ...rest) => {
      if (c && c.candidate && /srflx|relay/.test(c.candidate)) return Promise.resolve();
      return origAdd(c, ...rest);
    };
    return pc;
  };
  window.RTCPeerConnection.prototype = Orig.prototype;
})();
`)
}

func writeBatteryMock(b *strings.Builder) {
	b.WriteString(`if (navigator.getBattery) {
  navigator.getBattery = () => Promise.resolve({
    charging: true, chargingTime: 0, dischargingTime: Infinity, level: 1,
    addEventListener: () => {}, removeEventListener: () => {}, dispatchEvent: () => true,
  });
}
`)
}

func writeTimingJitter(b *strings.Builder, id types.Identity) {
	// Coarsen performance.now() so sub-microsecond timing cannot be used
	// to spot instrumented environments.
	fmt.Fprintf(b, `(() => {
  let state = %d >>> 0;
  const next = () => { state = (state * 1664525 + 1013904223) >>> 0; return state; };
  const orig = performance.now.bind(performance);
  performance.now = () => Math.floor(orig() * 10) / 10 + (next() %% 10) * 0.005;
})();
`, uint32(id.CanvasSeed^id.AudioSeed))
}

// jsStr renders a Go string as a JS string literal.
func jsStr(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

// jsVal renders any JSON-encodable Go value as a JS literal.
func jsVal(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(out)
}
