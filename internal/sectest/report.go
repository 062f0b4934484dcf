package sectest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ReportWriter persists vulnerability reports under one directory.
type ReportWriter struct {
	Dir      string
	Markdown bool
}

// Write stores the JSON report and, optionally, a Markdown sibling and
// per-attempt screenshots. Returns the JSON file path.
func (w *ReportWriter) Write(report *VulnerabilityReport) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("report dir: %w", err)
	}

	base := fmt.Sprintf("report-%s-%s", sanitizeHost(report.URL), report.Timestamp.Format("20060102-150405"))
	jsonPath := filepath.Join(w.Dir, base+".json")

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", err
	}

	for _, o := range report.Outcomes {
		if len(o.Screenshot) == 0 {
			continue
		}
		shotPath := filepath.Join(w.Dir, fmt.Sprintf("%s-attempt-%d.png", base, o.Index+1))
		if err := os.WriteFile(shotPath, o.Screenshot, 0o644); err != nil {
			log.Warn().Err(err).Str("path", shotPath).Msg("Screenshot write failed")
		}
	}

	if w.Markdown {
		mdPath := filepath.Join(w.Dir, base+".md")
		if err := os.WriteFile(mdPath, []byte(renderMarkdown(report)), 0o644); err != nil {
			log.Warn().Err(err).Str("path", mdPath).Msg("Markdown report write failed")
		}
	}

	log.Info().Str("path", jsonPath).Msg("Vulnerability report written")
	return jsonPath, nil
}

// sanitizeHost reduces a URL to a filename-safe token.
func sanitizeHost(url string) string {
	s := url
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "target"
	}
	return s
}

// renderMarkdown renders the human-readable report.
func renderMarkdown(report *VulnerabilityReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Bot Defense Assessment: %s\n\n", report.URL)
	fmt.Fprintf(&b, "Generated: %s\n\n", report.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Attempts: %d\n", report.Attempts)
	fmt.Fprintf(&b, "- Bypass success: %v\n", report.BypassSuccess)
	fmt.Fprintf(&b, "- Detection rate: %.0f%%\n\n", report.DetectionRate*100)

	if len(report.Vulnerabilities) == 0 {
		b.WriteString("No vulnerabilities identified. The target challenged or blocked every attempt.\n")
	} else {
		b.WriteString("## Findings\n\n")
		for _, v := range report.Vulnerabilities {
			fmt.Fprintf(&b, "### [%s] %s\n\n", strings.ToUpper(v.Severity), v.Title)
			fmt.Fprintf(&b, "%s\n\n", v.Description)
			if v.Recommendation != "" {
				fmt.Fprintf(&b, "*Recommendation:* %s\n\n", v.Recommendation)
			}
		}
	}

	if len(report.Outcomes) > 0 {
		b.WriteString("## Attempts\n\n")
		b.WriteString("| # | Detections | Duration | Error |\n|---|---|---|---|\n")
		for _, o := range report.Outcomes {
			kinds := make([]string, len(o.Detections))
			for i, d := range o.Detections {
				kinds[i] = string(d.Kind)
			}
			kindCol := strings.Join(kinds, ", ")
			if kindCol == "" {
				kindCol = "-"
			}
			errCol := o.Error
			if errCol == "" {
				errCol = "-"
			}
			fmt.Fprintf(&b, "| %d | %s | %dms | %s |\n", o.Index+1, kindCol, o.DurationMs, errCol)
		}
	}
	return b.String()
}
