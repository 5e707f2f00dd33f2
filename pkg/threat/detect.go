package threat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mandadapu/neuralwarden/pkg/graph"
	"github.com/mandadapu/neuralwarden/pkg/llm"
	"github.com/mandadapu/neuralwarden/pkg/models"
)

// Rule-layer detection thresholds.
const (
	bruteForceMinFailures = 5
	portScanMinPorts      = 10
	exfilMinBytes         = 100 << 20 // 100 MiB outbound per source
)

const detectSystemPrompt = `You are a security analyst reviewing parsed log records. You receive the logs and a list of threats already detected by deterministic rules. Report only ADDITIONAL threats the rules missed. Return a JSON array of objects with fields: type (one of brute_force, port_scan, privilege_escalation, data_exfiltration, lateral_movement), description (string), source_ip (string), log_indices (int array), confidence (0..1). Return [] if there is nothing new. Return only the JSON array.`

// detectNode runs the rule catalogue and then the additive AI layer.
func (p *Pipeline) detectNode(ctx context.Context, state *State) (graph.Route[*State], error) {
	state.Threats = detectByRules(state.ParsedLogs)
	p.aiDetect(ctx, state)
	return graph.Goto[*State](nodeValidate), nil
}

// detectByRules runs the fixed catalogue over valid parsed logs.
func detectByRules(logs []models.LogLine) []models.Threat {
	var threats []models.Threat
	threats = append(threats, detectBruteForce(logs)...)
	threats = append(threats, detectPortScans(logs)...)
	threats = append(threats, detectPrivilegeEscalation(logs)...)
	threats = append(threats, detectDataExfiltration(logs)...)
	threats = append(threats, detectLateralMovement(logs)...)
	return threats
}

func detectBruteForce(logs []models.LogLine) []models.Threat {
	bySource := map[string][]int{}
	for _, l := range logs {
		if l.IsValid && l.EventType == models.LogEventFailedAuth && l.SourceIP != "" {
			bySource[l.SourceIP] = append(bySource[l.SourceIP], l.Index)
		}
	}

	var threats []models.Threat
	for _, ip := range sortedKeys(bySource) {
		indices := bySource[ip]
		if len(indices) < bruteForceMinFailures {
			continue
		}
		threats = append(threats, models.Threat{
			ID:   uuid.NewString(),
			Type: models.ThreatBruteForce,
			Description: fmt.Sprintf(
				"%d failed authentication attempts from %s", len(indices), ip),
			SourceIP:   ip,
			LogIndices: indices,
			Method:     models.MethodRule,
			Confidence: 0.9,
		})
	}
	return threats
}

func detectPortScans(logs []models.LogLine) []models.Threat {
	type scanTrack struct {
		ports   map[int]struct{}
		indices []int
	}
	bySource := map[string]*scanTrack{}
	for _, l := range logs {
		if !l.IsValid || l.SourceIP == "" || l.DestPort == 0 {
			continue
		}
		t := bySource[l.SourceIP]
		if t == nil {
			t = &scanTrack{ports: map[int]struct{}{}}
			bySource[l.SourceIP] = t
		}
		t.ports[l.DestPort] = struct{}{}
		t.indices = append(t.indices, l.Index)
	}

	var threats []models.Threat
	for _, ip := range sortedKeys(bySource) {
		t := bySource[ip]
		if len(t.ports) < portScanMinPorts {
			continue
		}
		threats = append(threats, models.Threat{
			ID:   uuid.NewString(),
			Type: models.ThreatPortScan,
			Description: fmt.Sprintf(
				"%s probed %d distinct ports", ip, len(t.ports)),
			SourceIP:   ip,
			LogIndices: t.indices,
			Method:     models.MethodRule,
			Confidence: 0.85,
		})
	}
	return threats
}

func detectPrivilegeEscalation(logs []models.LogLine) []models.Threat {
	var indices []int
	var sourceIP string
	for _, l := range logs {
		if !l.IsValid {
			continue
		}
		details := strings.ToLower(l.Details)
		if strings.Contains(details, "sudo") || strings.Contains(details, "su:") ||
			strings.Contains(details, "su ") || strings.Contains(details, "setuid") {
			indices = append(indices, l.Index)
			if sourceIP == "" {
				sourceIP = l.SourceIP
			}
		}
	}
	if len(indices) == 0 {
		return nil
	}
	return []models.Threat{{
		ID:   uuid.NewString(),
		Type: models.ThreatPrivEscalation,
		Description: fmt.Sprintf(
			"%d log events carry privilege-escalation markers (sudo/su)", len(indices)),
		SourceIP:   sourceIP,
		LogIndices: indices,
		Method:     models.MethodRule,
		Confidence: 0.7,
	}}
}

func detectDataExfiltration(logs []models.LogLine) []models.Threat {
	type xferTrack struct {
		bytes   int64
		indices []int
	}
	bySource := map[string]*xferTrack{}
	for _, l := range logs {
		if !l.IsValid || l.SourceIP == "" || l.BytesOut <= 0 {
			continue
		}
		t := bySource[l.SourceIP]
		if t == nil {
			t = &xferTrack{}
			bySource[l.SourceIP] = t
		}
		t.bytes += l.BytesOut
		t.indices = append(t.indices, l.Index)
	}

	var threats []models.Threat
	for _, ip := range sortedKeys(bySource) {
		t := bySource[ip]
		if t.bytes < exfilMinBytes {
			continue
		}
		threats = append(threats, models.Threat{
			ID:   uuid.NewString(),
			Type: models.ThreatDataExfiltration,
			Description: fmt.Sprintf(
				"%.1f MiB transferred out by %s", float64(t.bytes)/(1<<20), ip),
			SourceIP:   ip,
			LogIndices: t.indices,
			Method:     models.MethodRule,
			Confidence: 0.8,
		})
	}
	return threats
}

// standardPorts are the destinations considered routine for internal traffic.
var standardPorts = map[int]struct{}{
	22: {}, 25: {}, 53: {}, 80: {}, 123: {}, 443: {}, 3306: {}, 5432: {},
}

func detectLateralMovement(logs []models.LogLine) []models.Threat {
	bySource := map[string][]int{}
	for _, l := range logs {
		if !l.IsValid || !isInternalIP(l.SourceIP) || l.DestPort == 0 {
			continue
		}
		if _, standard := standardPorts[l.DestPort]; standard {
			continue
		}
		bySource[l.SourceIP] = append(bySource[l.SourceIP], l.Index)
	}

	var threats []models.Threat
	for _, ip := range sortedKeys(bySource) {
		indices := bySource[ip]
		if len(indices) < 2 {
			continue
		}
		threats = append(threats, models.Threat{
			ID:   uuid.NewString(),
			Type: models.ThreatLateralMovement,
			Description: fmt.Sprintf(
				"internal host %s connecting on non-standard ports (%d events)", ip, len(indices)),
			SourceIP:   ip,
			LogIndices: indices,
			Method:     models.MethodRule,
			Confidence: 0.6,
		})
	}
	return threats
}

func isInternalIP(ip string) bool {
	if strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "192.168.") {
		return true
	}
	for i := 16; i <= 31; i++ {
		if strings.HasPrefix(ip, fmt.Sprintf("172.%d.", i)) {
			return true
		}
	}
	return false
}

// aiDetect asks the model for threats the rules missed. Missing or malformed
// output degrades to rule results only.
func (p *Pipeline) aiDetect(ctx context.Context, state *State) {
	if p.client == nil {
		return
	}

	prompt := fmt.Sprintf("Logs:\n%s\nRule-detected threats:\n%s",
		compactLogs(state.ParsedLogs, 200), compactThreats(state.Threats))

	started := time.Now()
	resp, err := p.client.Complete(ctx, llm.Request{
		Stage:  nodeDetect,
		System: detectSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		p.logger.Warn("AI detection failed, keeping rule results", "error", err)
		state.recordMetrics(nodeDetect, models.AgentMetrics{
			Duration: time.Since(started), Calls: 1, Fallback: true,
		})
		return
	}

	metrics := models.AgentMetrics{
		Model:        resp.Usage.Model,
		Duration:     resp.Usage.Duration,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.CostUSD,
		Calls:        1,
	}

	var extra []models.Threat
	if err := llm.DecodeInto(resp.Text, &extra); err != nil {
		p.logger.Warn("AI detection returned malformed JSON, keeping rule results", "error", err)
		metrics.Fallback = true
		state.recordMetrics(nodeDetect, metrics)
		return
	}

	for _, t := range extra {
		if !validThreatType(t.Type) || t.Description == "" {
			continue
		}
		t.ID = uuid.NewString()
		t.Method = models.MethodAI
		state.Threats = append(state.Threats, t)
	}
	state.recordMetrics(nodeDetect, metrics)
}

func validThreatType(t models.ThreatType) bool {
	switch t {
	case models.ThreatBruteForce, models.ThreatPortScan, models.ThreatPrivEscalation,
		models.ThreatDataExfiltration, models.ThreatLateralMovement:
		return true
	}
	return false
}

// compactLogs renders up to limit valid logs in a terse line format for
// prompts.
func compactLogs(logs []models.LogLine, limit int) string {
	var b strings.Builder
	n := 0
	for _, l := range logs {
		if !l.IsValid {
			continue
		}
		if n >= limit {
			fmt.Fprintf(&b, "... (%d more)\n", countValid(logs)-limit)
			break
		}
		fmt.Fprintf(&b, "[%d] %s %s src=%s port=%d bytes=%d %s\n",
			l.Index, l.Timestamp, l.EventType, l.SourceIP, l.DestPort, l.BytesOut, l.Details)
		n++
	}
	return b.String()
}

func compactThreats(threats []models.Threat) string {
	if len(threats) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, t := range threats {
		fmt.Fprintf(&b, "- %s src=%s logs=%v: %s\n", t.Type, t.SourceIP, t.LogIndices, t.Description)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
