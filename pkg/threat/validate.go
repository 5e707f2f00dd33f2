package threat

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/mandadapu/neuralwarden/pkg/graph"
	"github.com/mandadapu/neuralwarden/pkg/llm"
	"github.com/mandadapu/neuralwarden/pkg/models"
)

const validateSystemPrompt = `You are a second-opinion security reviewer. You receive a random sample of log records that no detected threat references. Look for threats the first pass missed. Return a JSON array of objects with fields: type (one of brute_force, port_scan, privilege_escalation, data_exfiltration, lateral_movement), description, source_ip, log_indices, confidence (0..1). Return [] when the sample is clean. Return only the JSON array.`

// validateNode samples clean logs and asks the model for missed threats.
// Any failure falls back to "no missed findings".
func (p *Pipeline) validateNode(ctx context.Context, state *State) (graph.Route[*State], error) {
	next := nodeClassify
	if len(state.Threats) == 0 {
		next = nodeCleanReport
	}

	if p.client == nil {
		return graph.Goto[*State](next), nil
	}

	sample := p.sampleCleanLogs(state)
	if len(sample) == 0 {
		return graph.Goto[*State](next), nil
	}

	started := time.Now()
	resp, err := p.client.Complete(ctx, llm.Request{
		Stage:  nodeValidate,
		System: validateSystemPrompt,
		Prompt: compactLogs(sample, len(sample)),
	})
	if err != nil {
		p.logger.Warn("Validation pass failed, assuming no missed findings", "error", err)
		state.recordMetrics(nodeValidate, models.AgentMetrics{
			Duration: time.Since(started), Calls: 1, Fallback: true,
		})
		return graph.Goto[*State](next), nil
	}

	metrics := models.AgentMetrics{
		Model:        resp.Usage.Model,
		Duration:     resp.Usage.Duration,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.CostUSD,
		Calls:        1,
	}

	var missed []models.Threat
	if err := llm.DecodeInto(resp.Text, &missed); err != nil {
		p.logger.Warn("Validation returned malformed JSON, assuming no missed findings", "error", err)
		metrics.Fallback = true
		state.recordMetrics(nodeValidate, metrics)
		return graph.Goto[*State](next), nil
	}

	for _, t := range missed {
		if !validThreatType(t.Type) || t.Description == "" {
			continue
		}
		t.ID = uuid.NewString()
		t.Method = models.MethodValidatorDetected
		state.Threats = append(state.Threats, t)
	}
	state.recordMetrics(nodeValidate, metrics)

	if len(state.Threats) == 0 {
		return graph.Goto[*State](nodeCleanReport), nil
	}
	return graph.Goto[*State](nodeClassify), nil
}

// sampleCleanLogs picks a bounded random fraction of valid logs not
// referenced by any detected threat.
func (p *Pipeline) sampleCleanLogs(state *State) []models.LogLine {
	referenced := map[int]struct{}{}
	for _, t := range state.Threats {
		for _, idx := range t.LogIndices {
			referenced[idx] = struct{}{}
		}
	}

	var clean []models.LogLine
	for _, l := range state.ParsedLogs {
		if !l.IsValid {
			continue
		}
		if _, ok := referenced[l.Index]; ok {
			continue
		}
		clean = append(clean, l)
	}
	if len(clean) == 0 {
		return nil
	}

	n := int(float64(len(clean)) * p.cfg.SampleFraction)
	n = max(n, p.cfg.SampleMin)
	n = min(n, p.cfg.SampleMax)
	n = min(n, len(clean))

	rng := p.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rng.Shuffle(len(clean), func(i, j int) {
		clean[i], clean[j] = clean[j], clean[i]
	})

	return clean[:n]
}
