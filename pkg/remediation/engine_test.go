package remediation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandadapu/neuralwarden/pkg/models"
)

func TestApplyRendersRegisteredRules(t *testing.T) {
	findings := []models.Finding{
		{RuleCode: "gcp_002", Title: "open ssh", Location: "Firewall: allow-ssh"},
		{RuleCode: "gcp_999", Title: "no template", Location: "Something: else"},
	}

	out := Apply(findings, "acme-prod")

	require.Len(t, out, 2)
	script := out[0].RemediationScript
	assert.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(t, script, "allow-ssh")
	assert.Contains(t, script, "--project=acme-prod")
	assert.NotContains(t, script, "{asset}")
	assert.NotContains(t, script, "{project_id}")

	assert.Empty(t, out[1].RemediationScript, "unregistered rule codes pass through")
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	findings := []models.Finding{
		{RuleCode: "gcp_004", Location: "Bucket: public-assets"},
	}
	_ = Apply(findings, "acme-prod")
	assert.Empty(t, findings[0].RemediationScript)
}

func TestApplyIsDeterministic(t *testing.T) {
	findings := []models.Finding{
		{RuleCode: "gcp_006", Location: "VM Instance: web-1"},
	}
	first := Apply(findings, "acme-prod")
	second := Apply(findings, "acme-prod")
	assert.Equal(t, first[0].RemediationScript, second[0].RemediationScript)
}

func TestRenderHeaderAndNotes(t *testing.T) {
	f := models.Finding{RuleCode: "log_002", Location: "Cloud Logging"}
	script := Render(Registry["log_002"], f, "acme-prod")

	assert.Contains(t, script, "# Block repeated authentication failures")
	assert.Contains(t, script, "# Rule: log_002 | Asset: Cloud Logging")
	assert.Contains(t, script, "# Generated by: "+generatedBy)
	assert.Contains(t, script, "# Notes: ")
}

func TestRegistryScriptsOnlyUseKnownPlaceholders(t *testing.T) {
	for code, tmpl := range Registry {
		stripped := strings.ReplaceAll(tmpl.Script, "{asset}", "")
		stripped = strings.ReplaceAll(stripped, "{project_id}", "")
		assert.NotContains(t, stripped, "{", "template %s has an unknown placeholder", code)
	}
}
