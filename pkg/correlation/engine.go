package correlation

import (
	"fmt"
	"strings"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// maxEvidenceLogs caps the log samples attached to each evidence record.
const maxEvidenceLogs = 5

// Result is the engine's output: the (possibly upgraded) findings, the count
// of active exploits, and one evidence record per upgrade.
type Result struct {
	Findings    []models.Finding
	ActiveCount int
	Evidence    []models.CorrelationEvidence
}

// Correlate matches each finding's resource against the log lines using the
// rule matrix. A finding whose resource appears in logs matching any of its
// rule's patterns is upgraded to a critical active exploit; everything else
// passes through unchanged. Input findings are never mutated — upgrades are
// copies. With no log lines the output equals the input verbatim.
func Correlate(findings []models.Finding, logLines []string) Result {
	result := Result{Findings: make([]models.Finding, 0, len(findings))}

	if len(logLines) == 0 {
		result.Findings = append(result.Findings, findings...)
		return result
	}

	lowered := make([]string, len(logLines))
	for i, l := range logLines {
		lowered[i] = strings.ToLower(l)
	}

	for _, f := range findings {
		rule, ok := Lookup(f.RuleCode)
		if !ok {
			result.Findings = append(result.Findings, f)
			continue
		}

		resource := ExtractResourceName(f.Location)
		needle := strings.ToLower(resource)

		var related []string
		for i, l := range lowered {
			if strings.Contains(l, needle) {
				related = append(related, logLines[i])
			}
		}

		var matched []string
		for _, pattern := range rule.LogPatterns {
			p := strings.ToLower(pattern)
			for _, l := range related {
				if strings.Contains(strings.ToLower(l), p) {
					matched = append(matched, pattern)
					break
				}
			}
		}

		if len(matched) == 0 {
			result.Findings = append(result.Findings, f)
			continue
		}

		upgraded := f
		upgraded.Severity = models.SeverityCritical
		upgraded.Title = models.CorrelatedTitlePrefix + f.Title
		upgraded.Description = fmt.Sprintf("%s\nCORRELATED: %s — %d related log events.",
			f.Description, rule.Verdict, len(related))
		upgraded.Correlated = true
		upgraded.Verdict = rule.Verdict
		upgraded.Tactic = rule.Tactic
		upgraded.Technique = rule.Technique

		result.Findings = append(result.Findings, upgraded)
		result.ActiveCount++

		evidenceLogs := related
		if len(evidenceLogs) > maxEvidenceLogs {
			evidenceLogs = evidenceLogs[:maxEvidenceLogs]
		}
		result.Evidence = append(result.Evidence, models.CorrelationEvidence{
			RuleCode:        f.RuleCode,
			Asset:           resource,
			Verdict:         rule.Verdict,
			Tactic:          rule.Tactic,
			Technique:       rule.Technique,
			EvidenceLogs:    append([]string(nil), evidenceLogs...),
			MatchedPatterns: matched,
		})
	}

	return result
}

// ExtractResourceName derives the searchable resource name from a finding
// location. Locations of the form "<prefix>: <name>" yield the name;
// anything else is lowercased with runs of non-alphanumerics collapsed to
// single hyphens ("Cloud Logging" → "cloud-logging").
func ExtractResourceName(location string) string {
	if idx := strings.Index(location, ": "); idx >= 0 {
		return strings.TrimSpace(location[idx+2:])
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(location) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		} else {
			pendingHyphen = true
		}
	}
	return b.String()
}
