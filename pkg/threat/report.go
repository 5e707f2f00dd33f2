package threat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/graph"
	"github.com/mandadapu/neuralwarden/pkg/llm"
	"github.com/mandadapu/neuralwarden/pkg/models"
)

const reportSystemPrompt = `You are an incident response lead writing the final report for a security scan. You receive classified threats, sample logs and summary statistics. Return a single JSON object with fields: executive_summary (string), active_incidents (string, empty unless told otherwise), timeline (string), action_plan (array of {step:int, action:string, urgency: one of immediate|1hr|24hr|1week, owner:string}), recommendations (string array), iocs (string array of indicators), techniques (string array of MITRE technique ids). Return only the JSON object.`

const activeIncidentsInstruction = `
MANDATORY: live exploit evidence was correlated during this scan. Populate active_incidents with a section describing each correlated exploit, and lead the executive summary with the active incidents before anything else.
`

// reportNode generates the incident report, with a template fallback.
func (p *Pipeline) reportNode(ctx context.Context, state *State) (graph.Route[*State], error) {
	report := p.reportViaModel(ctx, state)
	if report == nil {
		report = templateReport(state)
	}

	report.SeverityCounts = severityCounts(state.ClassifiedThreats)
	report.Stats = pipelineStats(state)
	report.GeneratedAt = time.Now().UTC()
	state.Report = report

	return graph.Finish[*State](), nil
}

func (p *Pipeline) reportViaModel(ctx context.Context, state *State) *models.IncidentReport {
	if p.client == nil {
		return nil
	}

	var prompt strings.Builder
	prompt.WriteString("Classified threats (by remediation priority):\n")
	for _, t := range state.ClassifiedThreats {
		fmt.Fprintf(&prompt, "%d. [%s %.1f] %s src=%s: %s\n",
			t.RemediationPriority, t.Risk, t.RiskScore, t.Type, t.SourceIP, t.Description)
	}
	if len(state.Evidence) > 0 {
		prompt.WriteString(activeIncidentsInstruction)
		for _, ev := range state.Evidence {
			fmt.Fprintf(&prompt, "- %s on %s: %s\n", ev.RuleCode, ev.Asset, ev.Verdict)
		}
	}
	prompt.WriteString("\nSample logs:\n")
	prompt.WriteString(compactLogs(state.ParsedLogs, 50))
	fmt.Fprintf(&prompt, "\nStats: %d raw, %d valid, %d threats\n",
		len(state.ParsedLogs), state.ValidCount, len(state.Threats))

	started := time.Now()
	resp, err := p.client.Complete(ctx, llm.Request{
		Stage:  nodeReport,
		System: reportSystemPrompt,
		Prompt: prompt.String(),
	})
	if err != nil {
		p.logger.Warn("Report generation failed, using template", "error", err)
		state.recordMetrics(nodeReport, models.AgentMetrics{
			Duration: time.Since(started), Calls: 1, Fallback: true,
		})
		return nil
	}

	metrics := models.AgentMetrics{
		Model:        resp.Usage.Model,
		Duration:     resp.Usage.Duration,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.CostUSD,
		Calls:        1,
	}

	var report models.IncidentReport
	if err := llm.DecodeInto(resp.Text, &report); err != nil {
		p.logger.Warn("Report returned malformed JSON, using template", "error", err)
		metrics.Fallback = true
		state.recordMetrics(nodeReport, metrics)
		return nil
	}
	state.recordMetrics(nodeReport, metrics)

	if len(state.Evidence) > 0 && report.ActiveIncidents == "" {
		report.ActiveIncidents = activeIncidentsSection(state.Evidence)
	}
	return &report
}

// templateReport is the deterministic fallback: one action step per threat.
func templateReport(state *State) *models.IncidentReport {
	report := &models.IncidentReport{
		ExecutiveSummary: fmt.Sprintf(
			"Automated analysis of %d log records detected %d threats.",
			len(state.ParsedLogs), len(state.ClassifiedThreats)),
	}

	if len(state.Evidence) > 0 {
		report.ActiveIncidents = activeIncidentsSection(state.Evidence)
		report.ExecutiveSummary = fmt.Sprintf(
			"ACTIVE EXPLOITS IN PROGRESS: %d correlated incidents require immediate response. %s",
			len(state.Evidence), report.ExecutiveSummary)
	}

	for i, t := range state.ClassifiedThreats {
		urgency := "24hr"
		switch t.Risk {
		case models.RiskCritical:
			urgency = "immediate"
		case models.RiskHigh:
			urgency = "1hr"
		case models.RiskLow, models.RiskInformational:
			urgency = "1week"
		}
		report.ActionPlan = append(report.ActionPlan, models.ActionStep{
			Step:    i + 1,
			Action:  fmt.Sprintf("Investigate %s: %s", t.Type, t.Description),
			Urgency: urgency,
			Owner:   "security-oncall",
		})
	}

	report.IOCs = collectIOCs(state.ClassifiedThreats)
	report.Techniques = collectTechniques(state)
	return report
}

func activeIncidentsSection(evidence []models.CorrelationEvidence) string {
	var b strings.Builder
	b.WriteString("ACTIVE INCIDENTS\n")
	for _, ev := range evidence {
		fmt.Fprintf(&b, "- %s (%s): %s [%s / %s]\n",
			ev.Verdict, ev.Asset, ev.RuleCode, ev.Tactic, ev.Technique)
	}
	return b.String()
}

// emptyReportNode terminates scans with no valid parsed logs.
func (p *Pipeline) emptyReportNode(_ context.Context, state *State) (graph.Route[*State], error) {
	state.Report = terminalReport(state,
		"No valid log records were available for threat analysis.")
	return graph.Finish[*State](), nil
}

// cleanReportNode terminates scans where parsing succeeded but nothing was
// detected.
func (p *Pipeline) cleanReportNode(_ context.Context, state *State) (graph.Route[*State], error) {
	state.Report = terminalReport(state, fmt.Sprintf(
		"Analyzed %d log records; no threats detected.", len(state.ParsedLogs)))
	return graph.Finish[*State](), nil
}

// terminalReport builds the minimal report for the empty/clean terminals.
// Correlated evidence is known deterministically, so it still leads the
// report even when log parsing produced nothing.
func terminalReport(state *State, summary string) *models.IncidentReport {
	report := &models.IncidentReport{
		ExecutiveSummary: summary,
		SeverityCounts:   map[string]int{},
		Stats:            pipelineStats(state),
		GeneratedAt:      time.Now().UTC(),
	}
	if len(state.Evidence) > 0 {
		report.ActiveIncidents = activeIncidentsSection(state.Evidence)
		report.ExecutiveSummary = fmt.Sprintf(
			"ACTIVE EXPLOITS IN PROGRESS: %d correlated incidents require immediate response. %s",
			len(state.Evidence), summary)
		report.Techniques = collectTechniques(state)
	}
	return report
}

func severityCounts(threats []models.ClassifiedThreat) map[string]int {
	counts := map[string]int{}
	for _, t := range threats {
		counts[string(t.Risk)]++
	}
	return counts
}

func pipelineStats(state *State) map[string]int {
	return map[string]int{
		"raw_logs":       len(state.RawLogs) + len(state.PreParsed),
		"parsed_logs":    len(state.ParsedLogs),
		"valid_logs":     state.ValidCount,
		"threats":        len(state.Threats),
		"classified":     len(state.ClassifiedThreats),
		"evidence_items": len(state.Evidence),
	}
}

func collectIOCs(threats []models.ClassifiedThreat) []string {
	seen := map[string]struct{}{}
	for _, t := range threats {
		if t.SourceIP != "" {
			seen[t.SourceIP] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ip := range seen {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

func collectTechniques(state *State) []string {
	seen := map[string]struct{}{}
	for _, t := range state.ClassifiedThreats {
		if t.Technique != "" {
			seen[t.Technique] = struct{}{}
		}
	}
	for _, ev := range state.Evidence {
		if ev.Technique != "" {
			seen[ev.Technique] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for tech := range seen {
		out = append(out, tech)
	}
	sort.Strings(out)
	return out
}
