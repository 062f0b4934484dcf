package sectest

// ruleInput aggregates attempt counters for the verdict rules.
type ruleInput struct {
	total        int
	detected     int
	clean        int
	blocks       int
	captchas     int
	challenges   int
	rateLimits   int
	fingerprints int
}

// applyRules maps aggregate counters to findings. The no-detection rule
// is checked first and is exclusive because it subsumes the others; the
// remaining rules follow in a fixed order that is not sorted by severity.
func applyRules(in ruleInput) []Vulnerability {
	if in.detected == 0 {
		return []Vulnerability{{
			Severity: "critical",
			Title:    "No Bot Detection Mechanisms Found",
			Category: "Bot Detection",
			Description: "Every automated attempt loaded the target without triggering any " +
				"challenge, captcha, block or rate limit.",
			Recommendation: "Deploy a bot management layer that challenges automated traffic.",
		}}
	}

	var out []Vulnerability

	// Blocks dominate and nothing interactive backs them up: the defense
	// keys on network identity alone.
	if in.blocks*2 >= in.total && in.captchas == 0 && in.challenges == 0 {
		out = append(out, Vulnerability{
			Severity: "high",
			Title:    "IP-Only Blocking",
			Category: "Bot Detection",
			Description: "Attempts are refused outright without challenges; rotating egress " +
				"addresses defeats a block list keyed on network identity.",
			Recommendation: "Correlate behavioral and fingerprint signals instead of relying on address reputation.",
		})
	}

	// Captchas are the only interactive defense observed.
	if in.captchas > 0 && in.blocks == 0 && in.challenges == 0 {
		out = append(out, Vulnerability{
			Severity: "medium",
			Title:    "CAPTCHA-Only Defense",
			Category: "Bot Detection",
			Description: "The only countermeasure observed is a captcha; solver services make " +
				"this a cost rather than a barrier.",
			Recommendation: "Layer passive fingerprinting and rate controls in front of the captcha.",
		})
	}

	// Some attempts detected, others sailed through clean.
	if in.clean > 0 && in.detected > 0 {
		out = append(out, Vulnerability{
			Severity: "high",
			Title:    "Inconsistent Bot Detection",
			Category: "Bot Detection",
			Description: "Detection fired on some attempts but identical automation passed on " +
				"others; persistence alone eventually wins.",
			Recommendation: "Make detection decisions deterministic for equivalent clients.",
		})
	}

	// A burst of attempts was never rate limited.
	if in.total >= 5 && in.rateLimits == 0 {
		out = append(out, Vulnerability{
			Severity: "medium",
			Title:    "No Rate Limiting Detected",
			Category: "Rate Limiting",
			Description: "A rapid sequence of automated requests never saw a rate-limit " +
				"response.",
			Recommendation: "Enforce per-client request budgets with escalating penalties.",
		})
	}

	// Blocking without fingerprint signals suggests no client-side
	// interrogation at all.
	if in.blocks > 0 && in.fingerprints == 0 {
		out = append(out, Vulnerability{
			Severity: "low",
			Title:    "No Fingerprint Correlation",
			Category: "Fingerprinting",
			Description: "Blocking decisions show no evidence of client fingerprint checks; " +
				"fresh browser personas reset the defense.",
			Recommendation: "Add fingerprint consistency checks to blocking decisions.",
		})
	}

	return out
}
