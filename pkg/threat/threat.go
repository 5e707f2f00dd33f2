// Package threat implements the inner threat-analysis pipeline: ingest,
// detect, validate, classify, report. Every LLM-driven stage has a
// deterministic fallback, so the pipeline always produces a report.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/graph"
	"github.com/mandadapu/neuralwarden/pkg/llm"
	"github.com/mandadapu/neuralwarden/pkg/metrics"
	"github.com/mandadapu/neuralwarden/pkg/models"
)

// Node names of the inner graph.
const (
	nodeIngest          = "ingest"
	nodeAggregateIngest = "aggregate_ingest"
	nodeDetect          = "detect"
	nodeValidate        = "validate"
	nodeClassify        = "classify"
	nodeReport          = "report"
	nodeEmptyReport     = "empty_report"
	nodeCleanReport     = "clean_report"
)

// State is the inner pipeline's own state object.
type State struct {
	// Input.
	RawLogs   []string
	PreParsed []models.LogLine
	Evidence  []models.CorrelationEvidence

	// Stage output.
	ParsedLogs        []models.LogLine
	ValidCount        int
	Threats           []models.Threat
	ClassifiedThreats []models.ClassifiedThreat
	Report            *models.IncidentReport

	// Metrics holds per-stage LLM usage. Keys are stage names; burst-mode
	// ingest chunks use distinct ingest_chunk_<n> keys, so the overwrite
	// reducer never loses a chunk's accounting.
	Metrics map[string]models.AgentMetrics

	Errors []string
}

// RecordError appends a stage error.
func (s *State) RecordError(msg string) { s.Errors = append(s.Errors, msg) }

func (s *State) recordMetrics(stage string, m models.AgentMetrics) {
	if s.Metrics == nil {
		s.Metrics = make(map[string]models.AgentMetrics)
	}
	s.Metrics[stage] = m
	metrics.RecordLLMUsage(stage, m.Model, m.InputTokens, m.OutputTokens, m.CostUSD)
	if m.Fallback {
		metrics.RecordLLMFallback(stage)
	}
}

// Pipeline runs the five-stage threat analysis.
type Pipeline struct {
	client llm.Client
	cfg    *config.ScanConfig
	logger *slog.Logger
	sink   events.Sink

	// rng drives the validate stage's sampling. Injectable for tests.
	rng *rand.Rand
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink streams inner stage transitions as threat_stage events.
func WithSink(sink events.Sink) Option {
	return func(p *Pipeline) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRand injects the sampling source.
func WithRand(rng *rand.Rand) Option {
	return func(p *Pipeline) { p.rng = rng }
}

// NewPipeline builds a threat pipeline. A nil client disables the LLM layers;
// every stage then takes its deterministic fallback.
func NewPipeline(client llm.Client, cfg *config.ScanConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
		sink:   events.NopSink{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline over the given state. The returned error is only
// ever a context cancellation; stage failures degrade into fallbacks and the
// state's error list.
func (p *Pipeline) Run(ctx context.Context, state *State) error {
	nodes := map[string]graph.NodeFunc[*State]{
		nodeIngest:          p.ingestNode,
		nodeAggregateIngest: p.aggregateIngestNode,
		nodeDetect:          p.detectNode,
		nodeValidate:        p.validateNode,
		nodeClassify:        p.classifyNode,
		nodeReport:          p.reportNode,
		nodeEmptyReport:     p.emptyReportNode,
		nodeCleanReport:     p.cleanReportNode,
	}

	rt := graph.New("threat", nodeIngest, nodes,
		graph.WithConcurrency[*State](p.cfg.MaxConcurrency),
		graph.WithStageTimeout[*State](p.cfg.PerStageDeadline),
		graph.WithSink[*State](stageSink{inner: p.sink}),
		graph.WithLogger[*State](p.logger),
		graph.WithErrorHook[*State](func(s *State, node string, err error) {
			s.RecordError(fmt.Sprintf("%s: %v", node, err))
		}),
	)

	return rt.Run(ctx, state)
}

// routeAfterIngest applies the parsed-log guard: no valid logs means the
// empty-report terminal.
func routeAfterIngest(state *State) graph.Route[*State] {
	if state.ValidCount == 0 {
		return graph.Goto[*State](nodeEmptyReport)
	}
	return graph.Goto[*State](nodeDetect)
}

// stageSink republishes the inner graph's stage starts as threat_stage
// events so stream consumers see the inner pipeline's progress distinctly.
type stageSink struct {
	inner events.Sink
}

func (s stageSink) Emit(kind events.Kind, payload any) {
	if kind != events.KindStageStart {
		return
	}
	stage, ok := payload.(events.StagePayload)
	if !ok {
		return
	}
	s.inner.Emit(events.KindThreatStage, stage)
}
