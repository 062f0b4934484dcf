// Package browser provides the abstract browser driver the session pool
// runs on, plus the rod/CDP implementation. The rest of the system only
// sees the Context interface; tests substitute a fake.
package browser

import (
	"context"

	"github.com/ysmood/gson"

	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/types"
)

// ContextOptions configure a new browser context. The identity is
// applied exactly once, at creation; re-application is not supported.
type ContextOptions struct {
	Identity types.Identity
	Proxy    *proxy.DriverForm
	Headers  map[string]string
	// ExtraInitScript is appended after the identity init script.
	ExtraInitScript string
}

// Context is one live, isolated browser context bound to a single
// identity. All methods honor the passed context for cancellation.
type Context interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script in the page and returns its JSON result.
	Evaluate(ctx context.Context, script string) (gson.JSON, error)
	// SetInitScript installs a script evaluated on every new document
	// before any page script runs.
	SetInitScript(script string) error
	// Snapshot captures the page state the detection classifiers consume.
	Snapshot(ctx context.Context) (types.PageInfo, error)
	// Screenshot captures a PNG of the current viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// ExportCookies serializes the context's cookie jar.
	ExportCookies(ctx context.Context) ([]byte, error)
	// ImportCookies restores a jar produced by ExportCookies.
	ImportCookies(ctx context.Context, data []byte) error
	// Close releases the context and its browser process.
	Close() error
}

// Driver opens browser contexts. Exactly one driver exists per Runtime;
// closing it invalidates all contexts it produced.
type Driver interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close() error
}
