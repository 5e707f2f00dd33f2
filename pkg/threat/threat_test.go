package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/llm"
	"github.com/mandadapu/neuralwarden/pkg/models"
)

func testConfig() *config.ScanConfig {
	cfg := config.DefaultScanConfig()
	cfg.BurstThreshold = 10
	cfg.ChunkSize = 4
	return cfg
}

func newTestPipeline(client llm.Client, opts ...Option) *Pipeline {
	opts = append(opts,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithRand(rand.New(rand.NewSource(1))))
	return NewPipeline(client, testConfig(), opts...)
}

func validAuthFailures(n int, ip string) []models.LogLine {
	logs := make([]models.LogLine, n)
	for i := range logs {
		logs[i] = models.LogLine{
			Index:     i,
			EventType: models.LogEventFailedAuth,
			SourceIP:  ip,
			IsValid:   true,
			Details:   "Invalid user admin",
		}
	}
	return logs
}

func TestPipelineEmptyReportWhenNoValidLogs(t *testing.T) {
	state := &State{RawLogs: []string{"garbage", "noise"}}
	p := newTestPipeline(nil) // nil client: ingest marks everything invalid

	require.NoError(t, p.Run(context.Background(), state))

	require.NotNil(t, state.Report)
	assert.Contains(t, state.Report.ExecutiveSummary, "No valid log records")
	assert.Empty(t, state.Threats)
	assert.Equal(t, 0, state.ValidCount)
}

func TestPipelineCleanReportWhenNoThreats(t *testing.T) {
	state := &State{
		PreParsed: []models.LogLine{
			{Index: 0, EventType: models.LogEventInfo, IsValid: true},
			{Index: 1, EventType: models.LogEventWarning, IsValid: true},
		},
	}
	p := newTestPipeline(nil)

	require.NoError(t, p.Run(context.Background(), state))

	require.NotNil(t, state.Report)
	assert.Contains(t, state.Report.ExecutiveSummary, "no threats detected")
	assert.Empty(t, state.ClassifiedThreats)
}

func TestPipelineSkipIngestUsesPreParsed(t *testing.T) {
	client := &llm.StaticClient{}
	state := &State{PreParsed: validAuthFailures(6, "203.0.113.9")}
	p := newTestPipeline(client)

	require.NoError(t, p.Run(context.Background(), state))

	assert.Equal(t, 0, client.CallCount(nodeIngest), "pre-parsed logs must skip the ingest LLM call")
	assert.Equal(t, 6, state.ValidCount)
	require.NotEmpty(t, state.Threats)
	assert.Equal(t, models.ThreatBruteForce, state.Threats[0].Type)
}

func TestPipelineRuleDetectionSurvivesLLMFailure(t *testing.T) {
	client := &llm.StaticClient{Err: errors.New("model unavailable")}
	state := &State{PreParsed: validAuthFailures(6, "203.0.113.9")}
	p := newTestPipeline(client)

	require.NoError(t, p.Run(context.Background(), state))

	// Detect falls back to rule-only, classify to medium/5.0, report to template.
	require.Len(t, state.Threats, 1)
	require.Len(t, state.ClassifiedThreats, 1)
	assert.Equal(t, models.RiskMedium, state.ClassifiedThreats[0].Risk)
	assert.InDelta(t, 5.0, state.ClassifiedThreats[0].RiskScore, 0.001)
	require.NotNil(t, state.Report)
	require.Len(t, state.Report.ActionPlan, 1)
	assert.True(t, state.Metrics[nodeClassify].Fallback)
}

func TestBurstModePreservesGlobalIndices(t *testing.T) {
	raw := make([]string, 15) // threshold 10, chunk 4 → 4 chunks
	for i := range raw {
		raw[i] = fmt.Sprintf("line %d", i)
	}
	state := &State{RawLogs: raw}
	p := newTestPipeline(nil)

	require.NoError(t, p.Run(context.Background(), state))

	require.Len(t, state.ParsedLogs, 15)
	for i, l := range state.ParsedLogs {
		assert.Equal(t, i, l.Index, "aggregate-ingest must restore global ordering")
	}
	// Each chunk records its own metrics key.
	for chunk := 0; chunk < 4; chunk++ {
		_, ok := state.Metrics[fmt.Sprintf("ingest_chunk_%d", chunk)]
		assert.True(t, ok, "missing metrics for chunk %d", chunk)
	}
}

func TestDetectPortScan(t *testing.T) {
	var logs []models.LogLine
	for port := 8000; port < 8012; port++ {
		logs = append(logs, models.LogLine{
			Index: port, EventType: models.LogEventReconProbe,
			SourceIP: "198.51.100.7", DestPort: port, IsValid: true,
		})
	}
	threats := detectByRules(logs)
	require.Len(t, threats, 1)
	assert.Equal(t, models.ThreatPortScan, threats[0].Type)
	assert.Equal(t, "198.51.100.7", threats[0].SourceIP)
}

func TestDetectDataExfiltration(t *testing.T) {
	logs := []models.LogLine{
		{Index: 0, SourceIP: "10.0.0.5", BytesOut: 60 << 20, DestPort: 443, IsValid: true},
		{Index: 1, SourceIP: "10.0.0.5", BytesOut: 60 << 20, DestPort: 443, IsValid: true},
	}
	threats := detectByRules(logs)
	require.Len(t, threats, 1)
	assert.Equal(t, models.ThreatDataExfiltration, threats[0].Type)
}

func TestDetectIgnoresInvalidLogs(t *testing.T) {
	logs := validAuthFailures(6, "203.0.113.9")
	for i := range logs {
		logs[i].IsValid = false
	}
	assert.Empty(t, detectByRules(logs))
}

func TestAIDetectionAdditive(t *testing.T) {
	extra, err := json.Marshal([]map[string]any{{
		"type":        "lateral_movement",
		"description": "unusual east-west traffic",
		"source_ip":   "10.0.0.9",
		"confidence":  0.6,
	}})
	require.NoError(t, err)

	client := &llm.StaticClient{Responses: map[string]string{
		nodeDetect: string(extra),
	}}
	state := &State{
		ParsedLogs: validAuthFailures(6, "203.0.113.9"),
		ValidCount: 6,
	}
	p := newTestPipeline(client)

	_, nodeErr := p.detectNode(context.Background(), state)
	require.NoError(t, nodeErr)

	require.Len(t, state.Threats, 2)
	assert.Equal(t, models.MethodRule, state.Threats[0].Method)
	assert.Equal(t, models.MethodAI, state.Threats[1].Method)
	assert.Equal(t, models.ThreatLateralMovement, state.Threats[1].Type)
}

func TestValidateMergesMissedThreats(t *testing.T) {
	missed, err := json.Marshal([]map[string]any{{
		"type":        "privilege_escalation",
		"description": "unexpected sudo from service account",
		"log_indices": []int{3},
		"confidence":  0.8,
	}})
	require.NoError(t, err)

	client := &llm.StaticClient{Responses: map[string]string{
		nodeValidate: string(missed),
	}}
	state := &State{
		ParsedLogs: []models.LogLine{
			{Index: 0, EventType: models.LogEventInfo, IsValid: true},
			{Index: 1, EventType: models.LogEventInfo, IsValid: true},
		},
		ValidCount: 2,
	}
	p := newTestPipeline(client)

	route, nodeErr := p.validateNode(context.Background(), state)
	require.NoError(t, nodeErr)

	require.Len(t, state.Threats, 1)
	assert.Equal(t, models.MethodValidatorDetected, state.Threats[0].Method)
	assert.Equal(t, nodeClassify, route.Next)
}

func TestValidateSampleExcludesReferencedLogs(t *testing.T) {
	state := &State{
		ParsedLogs: []models.LogLine{
			{Index: 0, IsValid: true},
			{Index: 1, IsValid: true},
			{Index: 2, IsValid: true},
		},
		Threats: []models.Threat{{LogIndices: []int{0, 1}}},
	}
	p := newTestPipeline(nil)

	sample := p.sampleCleanLogs(state)
	require.Len(t, sample, 1)
	assert.Equal(t, 2, sample[0].Index)
}

func TestValidateSampleBounds(t *testing.T) {
	cfg := testConfig()
	cfg.SampleFraction = 0.05
	cfg.SampleMin = 1
	cfg.SampleMax = 3
	p := NewPipeline(nil, cfg,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithRand(rand.New(rand.NewSource(1))))

	// 200 clean logs × 0.05 = 10, capped at max 3.
	logs := make([]models.LogLine, 200)
	for i := range logs {
		logs[i] = models.LogLine{Index: i, IsValid: true}
	}
	sample := p.sampleCleanLogs(&State{ParsedLogs: logs})
	assert.Len(t, sample, 3)

	// 2 clean logs × 0.05 = 0, floored at min 1.
	sample = p.sampleCleanLogs(&State{ParsedLogs: logs[:2]})
	assert.Len(t, sample, 1)
}

func TestClassifySortsByRemediationPriority(t *testing.T) {
	threats := []models.Threat{
		{ID: "a", Type: models.ThreatPortScan, Description: "scan"},
		{ID: "b", Type: models.ThreatBruteForce, Description: "brute"},
	}
	classified, err := json.Marshal([]map[string]any{
		{"id": "a", "risk": "low", "risk_score": 2.0, "remediation_priority": 2},
		{"id": "b", "risk": "critical", "risk_score": 9.5, "remediation_priority": 1},
	})
	require.NoError(t, err)

	client := &llm.StaticClient{Responses: map[string]string{
		nodeClassify: string(classified),
	}}
	state := &State{Threats: threats}
	p := newTestPipeline(client)

	_, nodeErr := p.classifyNode(context.Background(), state)
	require.NoError(t, nodeErr)

	require.Len(t, state.ClassifiedThreats, 2)
	assert.Equal(t, "b", state.ClassifiedThreats[0].ID)
	assert.Equal(t, models.RiskCritical, state.ClassifiedThreats[0].Risk)
	assert.Equal(t, "a", state.ClassifiedThreats[1].ID)
}

func TestClassifyEvidenceAddendumInPrompt(t *testing.T) {
	client := &llm.StaticClient{Err: errors.New("forced fallback")}
	state := &State{
		Threats:  []models.Threat{{ID: "t1", Type: models.ThreatBruteForce, Description: "x"}},
		Evidence: []models.CorrelationEvidence{{RuleCode: "gcp_002", Asset: "allow-ssh", Verdict: "Brute Force Attempt in Progress"}},
	}
	p := newTestPipeline(client)

	_, err := p.classifyNode(context.Background(), state)
	require.NoError(t, err)

	require.Equal(t, 1, client.CallCount(nodeClassify))
	prompt := client.Requests[0].Prompt
	assert.Contains(t, prompt, "MANDATORY")
	assert.Contains(t, prompt, "gcp_002")
	assert.Contains(t, prompt, "allow-ssh")
}

func TestClassifyDropsBadEntriesKeepsSiblings(t *testing.T) {
	classified, err := json.Marshal([]map[string]any{
		{"id": "a", "risk": "not-a-risk", "risk_score": 99.0},
		{"id": "b", "risk": "high", "risk_score": 8.0, "remediation_priority": 1},
	})
	require.NoError(t, err)

	client := &llm.StaticClient{Responses: map[string]string{
		nodeClassify: string(classified),
	}}
	state := &State{Threats: []models.Threat{
		{ID: "a", Type: models.ThreatPortScan, Description: "scan"},
		{ID: "b", Type: models.ThreatBruteForce, Description: "brute"},
	}}
	p := newTestPipeline(client)

	_, nodeErr := p.classifyNode(context.Background(), state)
	require.NoError(t, nodeErr)

	require.Len(t, state.ClassifiedThreats, 2)
	// Bad entry fell back per-threat; valid sibling kept its classification.
	byID := map[string]models.ClassifiedThreat{}
	for _, c := range state.ClassifiedThreats {
		byID[c.ID] = c
	}
	assert.Equal(t, models.RiskMedium, byID["a"].Risk)
	assert.Equal(t, models.RiskHigh, byID["b"].Risk)
}

func TestReportTemplateFallbackWithEvidence(t *testing.T) {
	state := &State{
		ClassifiedThreats: []models.ClassifiedThreat{
			{Threat: models.Threat{Type: models.ThreatBruteForce, Description: "brute", SourceIP: "203.0.113.9"}, Risk: models.RiskCritical, RemediationPriority: 1},
		},
		Evidence: []models.CorrelationEvidence{
			{RuleCode: "gcp_002", Asset: "allow-ssh", Verdict: "Brute Force Attempt in Progress", Tactic: "TA0006", Technique: "T1110"},
		},
	}
	p := newTestPipeline(nil)

	_, err := p.reportNode(context.Background(), state)
	require.NoError(t, err)

	require.NotNil(t, state.Report)
	assert.Contains(t, state.Report.ActiveIncidents, "Brute Force Attempt in Progress")
	assert.Contains(t, state.Report.ExecutiveSummary, "ACTIVE EXPLOITS")
	require.Len(t, state.Report.ActionPlan, 1)
	assert.Equal(t, "immediate", state.Report.ActionPlan[0].Urgency)
	assert.Equal(t, []string{"203.0.113.9"}, state.Report.IOCs)
	assert.Contains(t, state.Report.Techniques, "T1110")
	assert.Equal(t, 1, state.Report.SeverityCounts["critical"])
}

func TestPipelineEmitsThreatStageEvents(t *testing.T) {
	sink := &events.CaptureSink{}
	state := &State{PreParsed: validAuthFailures(6, "203.0.113.9")}
	p := NewPipeline(nil, testConfig(),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSink(sink),
		WithRand(rand.New(rand.NewSource(1))))

	require.NoError(t, p.Run(context.Background(), state))

	var stages []string
	for _, e := range sink.Events() {
		require.Equal(t, events.KindThreatStage, e.Kind)
		stages = append(stages, e.Payload.(events.StagePayload).Stage)
	}
	assert.Equal(t, []string{nodeIngest, nodeDetect, nodeValidate, nodeClassify, nodeReport}, stages)
}

func TestNormalizeParsedFillsGaps(t *testing.T) {
	lines := []string{"a", "b", "c"}
	parsed := []models.LogLine{
		{Index: 10, IsValid: true, EventType: models.LogEventInfo},  // out of range, dropped
		{Index: 1, IsValid: true, EventType: models.LogEventError},  // kept
	}
	out := normalizeParsed(parsed, lines, 0)
	require.Len(t, out, 3)
	assert.False(t, out[0].IsValid)
	assert.True(t, out[1].IsValid)
	assert.Equal(t, "b", out[1].Raw)
	assert.False(t, out[2].IsValid)
}
