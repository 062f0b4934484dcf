// Package redact strips credentials from values before they reach logs.
package redact

import (
	"net/url"
	"strings"
)

// ProxyURL removes embedded credentials from a proxy URL for safe
// logging. Unparseable input is redacted wholesale.
func ProxyURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	return parsed.String()
}

// ProxyLine redacts the credential part of a proxy-list line
// (host:port@user:pass form).
func ProxyLine(line string) string {
	if i := strings.Index(line, "@"); i >= 0 {
		return line[:i] + "@[REDACTED]"
	}
	return line
}
