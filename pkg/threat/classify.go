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

const classifySystemPrompt = `You are a risk analyst. You receive detected threats and must classify each one. Return a JSON array, one object per threat in the given order, with fields: id (echo the threat id), risk (one of critical, high, medium, low, informational), risk_score (0..10), tactic (MITRE ATT&CK tactic id), technique (MITRE ATT&CK technique id), business_impact (string), affected_systems (string array), remediation_priority (int, 1 = most urgent). Return only the JSON array.`

const evidenceAddendum = `
MANDATORY: the following threats were correlated with live exploit evidence from cloud configuration findings. Classify each threat matching this evidence as risk=critical with remediation_priority=1.
`

// classifyNode enriches each threat with risk data. Per-threat fallback on
// model failure: medium risk, score 5.0.
func (p *Pipeline) classifyNode(ctx context.Context, state *State) (graph.Route[*State], error) {
	if len(state.Threats) == 0 {
		return graph.Goto[*State](nodeCleanReport), nil
	}

	classified := p.classifyViaModel(ctx, state)
	if classified == nil {
		classified = fallbackClassification(state.Threats)
	}

	sort.SliceStable(classified, func(i, j int) bool {
		return classified[i].RemediationPriority < classified[j].RemediationPriority
	})
	state.ClassifiedThreats = classified

	return graph.Goto[*State](nodeReport), nil
}

// classifyViaModel returns nil when the whole call failed; individual bad
// entries fall back per-threat.
func (p *Pipeline) classifyViaModel(ctx context.Context, state *State) []models.ClassifiedThreat {
	if p.client == nil {
		return nil
	}

	var prompt strings.Builder
	prompt.WriteString("Threats:\n")
	for _, t := range state.Threats {
		fmt.Fprintf(&prompt, "- id=%s type=%s src=%s method=%s: %s\n",
			t.ID, t.Type, t.SourceIP, t.Method, t.Description)
	}
	if len(state.Evidence) > 0 {
		prompt.WriteString(evidenceAddendum)
		for _, ev := range state.Evidence {
			fmt.Fprintf(&prompt, "- %s on %s: %s (tactic %s, technique %s)\n",
				ev.RuleCode, ev.Asset, ev.Verdict, ev.Tactic, ev.Technique)
		}
	}

	started := time.Now()
	resp, err := p.client.Complete(ctx, llm.Request{
		Stage:  nodeClassify,
		System: classifySystemPrompt,
		Prompt: prompt.String(),
	})
	if err != nil {
		p.logger.Warn("Classification failed, applying fallback risk", "error", err)
		state.recordMetrics(nodeClassify, models.AgentMetrics{
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

	var entries []models.ClassifiedThreat
	if err := llm.DecodeInto(resp.Text, &entries); err != nil {
		p.logger.Warn("Classification returned malformed JSON, applying fallback risk", "error", err)
		metrics.Fallback = true
		state.recordMetrics(nodeClassify, metrics)
		return nil
	}
	state.recordMetrics(nodeClassify, metrics)

	byID := make(map[string]models.ClassifiedThreat, len(entries))
	for _, e := range entries {
		if validRiskLevel(e.Risk) && e.RiskScore >= 0 && e.RiskScore <= 10 {
			byID[e.ID] = e
		}
	}

	out := make([]models.ClassifiedThreat, 0, len(state.Threats))
	for i, t := range state.Threats {
		if e, ok := byID[t.ID]; ok {
			e.Threat = t
			if e.RemediationPriority <= 0 {
				e.RemediationPriority = i + 1
			}
			out = append(out, e)
			continue
		}
		out = append(out, fallbackThreat(t, i+1))
	}
	return out
}

func fallbackClassification(threats []models.Threat) []models.ClassifiedThreat {
	out := make([]models.ClassifiedThreat, 0, len(threats))
	for i, t := range threats {
		out = append(out, fallbackThreat(t, i+1))
	}
	return out
}

func fallbackThreat(t models.Threat, priority int) models.ClassifiedThreat {
	return models.ClassifiedThreat{
		Threat:              t,
		Risk:                models.RiskMedium,
		RiskScore:           5.0,
		RemediationPriority: priority,
	}
}

func validRiskLevel(r models.RiskLevel) bool {
	switch r {
	case models.RiskCritical, models.RiskHigh, models.RiskMedium, models.RiskLow, models.RiskInformational:
		return true
	}
	return false
}
