package remediation

import (
	"fmt"
	"strings"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

// generatedBy marks rendered scripts so operators can tell them apart from
// hand-written runbooks.
const generatedBy = "neuralwarden remediation engine"

// Apply populates RemediationScript on every finding whose rule code has a
// registered template. Pure: input findings are copied, no I/O. Applying
// twice yields byte-identical output.
func Apply(findings []models.Finding, projectID string) []models.Finding {
	out := make([]models.Finding, len(findings))
	for i, f := range findings {
		out[i] = f
		tmpl, ok := Registry[f.RuleCode]
		if !ok {
			continue
		}
		out[i].RemediationScript = Render(tmpl, f, projectID)
	}
	return out
}

// Render interpolates one template for a finding.
func Render(tmpl Template, f models.Finding, projectID string) string {
	asset := assetFromLocation(f.Location)

	body := strings.ReplaceAll(tmpl.Script, "{asset}", asset)
	body = strings.ReplaceAll(body, "{project_id}", projectID)

	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/bash\n")
	fmt.Fprintf(&b, "# %s\n", tmpl.Title)
	fmt.Fprintf(&b, "# Rule: %s | Asset: %s\n", f.RuleCode, asset)
	fmt.Fprintf(&b, "# Generated by: %s\n", generatedBy)
	if tmpl.Notes != "" {
		fmt.Fprintf(&b, "# Notes: %s\n", tmpl.Notes)
	}
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

// assetFromLocation extracts the asset name from a "<prefix>: <name>"
// location, falling back to the raw location.
func assetFromLocation(location string) string {
	if idx := strings.Index(location, ": "); idx >= 0 {
		return strings.TrimSpace(location[idx+2:])
	}
	return strings.TrimSpace(location)
}
