package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/correlation"
	"github.com/mandadapu/neuralwarden/pkg/discovery"
	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/graph"
	"github.com/mandadapu/neuralwarden/pkg/llm"
	"github.com/mandadapu/neuralwarden/pkg/metrics"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/provider"
	"github.com/mandadapu/neuralwarden/pkg/remediation"
	"github.com/mandadapu/neuralwarden/pkg/threat"
)

// Node names of the outer graph.
const (
	nodeDiscovery    = "discovery"
	nodeRouter       = "router"
	nodeDispatch     = "dispatch"
	nodeAggregate    = "aggregate"
	nodeThreatBridge = "threat_bridge"
	nodeFinalize     = "finalize"
)

// ProviderFactory builds a provider adapter for one scan's credential.
type ProviderFactory func(ctx context.Context, projectID string, credential []byte) (provider.Provider, error)

// Persister is the slice of the storage layer the finalize node needs.
// FinalizeScan must be transactional: findings insert, asset replace and
// scan-log completion commit together or not at all.
type Persister interface {
	FinalizeScan(ctx context.Context, scanID, accountID string, assets []models.Asset, findings []models.Finding, status models.ScanStatus, summary string, log models.ScanLog) (insertedCount int, err error)
}

// Orchestrator drives the outer scan graph for one account at a time.
type Orchestrator struct {
	providers ProviderFactory
	store     Persister
	llmClient llm.Client
	cfg       *config.ScanConfig
	logger    *slog.Logger
}

// NewOrchestrator wires the outer pipeline. A nil store disables persistence
// (useful for dry runs); a nil llmClient degrades the threat pipeline to its
// deterministic fallbacks.
func NewOrchestrator(providers ProviderFactory, store Persister, llmClient llm.Client, cfg *config.ScanConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		providers: providers,
		store:     store,
		llmClient: llmClient,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes one scan to completion. The returned error is only ever a
// context cancellation; everything else degrades into the state's error list
// and the terminal event. A terminal event is always emitted.
func (o *Orchestrator) Run(ctx context.Context, state *models.ScanState, sink events.Sink) error {
	if sink == nil {
		sink = events.NopSink{}
	}
	r := &scanRun{o: o, sink: sink, logger: o.logger.With("scan_id", state.ScanID)}

	nodes := map[string]graph.NodeFunc[*models.ScanState]{
		nodeDiscovery:    r.discoveryNode,
		nodeRouter:       r.routerNode,
		nodeDispatch:     r.dispatchNode,
		nodeAggregate:    r.aggregateNode,
		nodeThreatBridge: r.threatBridgeNode,
		nodeFinalize:     r.finalizeNode,
	}

	rt := graph.New("scan", nodeDiscovery, nodes,
		graph.WithConcurrency[*models.ScanState](o.cfg.MaxConcurrency),
		graph.WithStageTimeout[*models.ScanState](o.cfg.PerStageDeadline),
		graph.WithSink[*models.ScanState](sink),
		graph.WithLogger[*models.ScanState](r.logger),
		graph.WithErrorHook[*models.ScanState](func(s *models.ScanState, node string, err error) {
			s.RecordError(fmt.Sprintf("%s: %v", node, err))
		}),
		graph.WithPanicHook[*models.ScanState](r.panicFinding),
	)

	state.Status = models.StatusStarting
	r.emitProgress(state)

	err := rt.Run(ctx, state)
	if err != nil {
		// Cancellation: the graph stopped mid-flight, so the finalize node
		// never emitted. Terminal event is owed regardless.
		state.Status = models.StatusPartialResult
		state.RecordError(fmt.Sprintf("scan cancelled: %v", err))
		sink.Emit(events.KindError, r.finalPayload(state))
	}
	return err
}

// scanRun is the per-invocation context: one provider adapter, one sink.
type scanRun struct {
	o      *Orchestrator
	sink   events.Sink
	logger *slog.Logger
	prov   provider.Provider
}

func (r *scanRun) discoveryNode(ctx context.Context, state *models.ScanState) (graph.Route[*models.ScanState], error) {
	prov, err := r.o.providers(ctx, state.ProjectID, state.Credential)
	if err != nil {
		// Credential failure: record it and finish with an explicit empty
		// result plus a populated scan log.
		state.ScanLog.Warn(fmt.Sprintf("credential rejected: %v", err))
		return graph.Goto[*models.ScanState](nodeFinalize),
			fmt.Errorf("building provider: %w", err)
	}
	r.prov = prov

	out := discovery.New(prov, r.o.cfg, r.logger).Run(ctx, state.ProjectID, state.RequestedServices)
	state.Assets = out.Assets
	state.InitialFindings = out.Findings
	state.RawLogLines = out.RawLogLines
	state.ScanLog = out.Log

	r.setStatus(state, models.StatusDiscoveryComplete)
	return graph.Goto[*models.ScanState](nodeRouter), nil
}

func (r *scanRun) routerNode(_ context.Context, state *models.ScanState) (graph.Route[*models.ScanState], error) {
	state.PublicAssets, state.PrivateAssets = RouteAssets(state.Assets)
	r.setStatus(state, models.StatusRouting)
	return graph.Goto[*models.ScanState](nodeDispatch), nil
}

// dispatchNode fans out one task per asset: active scans for public assets,
// log analysis for private ones.
func (r *scanRun) dispatchNode(_ context.Context, state *models.ScanState) (graph.Route[*models.ScanState], error) {
	r.setStatus(state, models.StatusScanning)

	window := time.Duration(r.o.cfg.LogWindowHours) * time.Hour
	var tasks []graph.Task[*models.ScanState]

	for _, asset := range state.PublicAssets {
		tasks = append(tasks, graph.Task[*models.ScanState]{
			Name: "active:" + asset.Name,
			Run: func(ctx context.Context) (graph.Merge[*models.ScanState], error) {
				result := ActiveScan(ctx, r.prov, asset)
				return func(s *models.ScanState) {
					s.ScanIssues = append(s.ScanIssues, result.Findings...)
					s.ScannedAssets = append(s.ScannedAssets, result.Record)
					s.PublicScansPerformed++
				}, nil
			},
		})
	}

	for _, asset := range state.PrivateAssets {
		if asset.Type == models.AssetLogSummary {
			// Discovery already pulled the aggregate logs for this one.
			continue
		}
		tasks = append(tasks, graph.Task[*models.ScanState]{
			Name: "logs:" + asset.Name,
			Run: func(ctx context.Context) (graph.Merge[*models.ScanState], error) {
				result := AnalyzeAssetLogs(ctx, r.prov, asset, r.o.cfg.WorkerLogEntries, window)
				return func(s *models.ScanState) {
					s.ScanIssues = append(s.ScanIssues, result.Findings...)
					s.WorkerLogLines = append(s.WorkerLogLines, result.LogLines...)
					s.ScannedAssets = append(s.ScannedAssets, result.Record)
				}, nil
			},
		})
	}

	if len(tasks) == 0 {
		return graph.Goto[*models.ScanState](nodeAggregate), nil
	}
	return graph.Route[*models.ScanState]{Dispatches: tasks, AfterJoin: nodeAggregate}, nil
}

// aggregateNode merges worker output, sets the scan type and runs the
// correlation engine.
func (r *scanRun) aggregateNode(_ context.Context, state *models.ScanState) (graph.Route[*models.ScanState], error) {
	r.setStatus(state, models.StatusAggregating)

	if state.PublicScansPerformed > 0 {
		state.ScanType = models.ScanTypeFull
	} else {
		state.ScanType = models.ScanTypeCloudLoggingOnly
	}

	findings := make([]models.Finding, 0, len(state.InitialFindings)+len(state.ScanIssues))
	findings = append(findings, state.InitialFindings...)
	findings = append(findings, state.ScanIssues...)

	result := correlation.Correlate(findings, state.AllLogLines())
	state.CorrelatedFindings = result.Findings
	state.ActiveExploitCount = result.ActiveCount
	state.Evidence = result.Evidence

	if result.ActiveCount > 0 {
		r.logger.Warn("Active exploits correlated",
			"count", result.ActiveCount, "findings", len(result.Findings))
	}

	return graph.Goto[*models.ScanState](nodeThreatBridge), nil
}

// threatBridgeNode runs the inner threat pipeline when there are logs to
// analyze; otherwise it falls straight through to finalize.
func (r *scanRun) threatBridgeNode(ctx context.Context, state *models.ScanState) (graph.Route[*models.ScanState], error) {
	logs := state.AllLogLines()
	if len(logs) == 0 {
		return graph.Goto[*models.ScanState](nodeFinalize), nil
	}

	r.setStatus(state, models.StatusThreatAnalysis)

	ts := &threat.State{
		RawLogs:  logs,
		Evidence: state.Evidence,
	}
	pipeline := threat.NewPipeline(r.o.llmClient, r.o.cfg,
		threat.WithLogger(r.logger),
		threat.WithSink(r.sink),
	)
	if err := pipeline.Run(ctx, ts); err != nil {
		return graph.Goto[*models.ScanState](nodeFinalize),
			fmt.Errorf("threat pipeline: %w", err)
	}

	state.ParsedLogs = ts.ParsedLogs
	state.DetectedThreats = ts.Threats
	state.ClassifiedThreats = ts.ClassifiedThreats
	state.Report = ts.Report
	state.AgentMetrics = ts.Metrics
	for _, msg := range ts.Errors {
		state.RecordError("threat: " + msg)
	}

	return graph.Goto[*models.ScanState](nodeFinalize), nil
}

// finalizeNode applies remediation templates, persists the scan results and
// emits the terminal event.
func (r *scanRun) finalizeNode(ctx context.Context, state *models.ScanState) (graph.Route[*models.ScanState], error) {
	findings := state.CorrelatedFindings
	if findings == nil {
		// Correlation never ran (early finalize): fall back to raw findings.
		findings = append(append([]models.Finding{}, state.InitialFindings...), state.ScanIssues...)
	}
	findings = remediation.Apply(findings, state.ProjectID)
	state.CorrelatedFindings = findings

	status := terminalStatus(state)
	state.Status = status

	inserted := 0
	if r.o.store != nil {
		summary := fmt.Sprintf("%d assets, %d findings, %d active exploits",
			len(state.Assets), len(findings), state.ActiveExploitCount)
		n, err := r.o.store.FinalizeScan(ctx, state.ScanID, state.AccountID,
			state.Assets, findings, scanLogStatus(status), summary, state.ScanLog)
		if err != nil {
			state.RecordError(fmt.Sprintf("persisting scan results: %v", err))
			state.Status = models.StatusPartialResult
		}
		inserted = n
	}

	for _, f := range findings {
		metrics.RecordFinding(string(f.Severity))
	}
	metrics.ActiveExploitsTotal.Add(float64(state.ActiveExploitCount))

	payload := r.finalPayload(state)
	payload.InsertedFindings = inserted
	if state.Status == models.StatusError {
		r.sink.Emit(events.KindError, payload)
	} else {
		r.sink.Emit(events.KindFinal, payload)
	}

	r.logger.Info("Scan finished",
		"status", state.Status,
		"scan_type", state.ScanType,
		"findings", len(findings),
		"inserted", inserted,
		"active_exploits", state.ActiveExploitCount,
		"errors", len(state.Errors))

	return graph.Finish[*models.ScanState](), nil
}

// terminalStatus derives the final status token from what the scan produced.
func terminalStatus(state *models.ScanState) string {
	produced := len(state.Assets) > 0 || len(state.CorrelatedFindings) > 0 ||
		len(state.RawLogLines) > 0 || state.Report != nil
	switch {
	case len(state.Errors) == 0:
		return models.StatusComplete
	case produced:
		return models.StatusPartialResult
	default:
		return models.StatusError
	}
}

func scanLogStatus(status string) models.ScanStatus {
	switch status {
	case models.StatusComplete:
		return models.ScanSuccess
	case models.StatusPartialResult:
		return models.ScanPartial
	default:
		return models.ScanError
	}
}

// panicFinding converts a recovered worker panic into a low-severity finding
// so the scan surface shows the failure without killing sibling workers.
func (r *scanRun) panicFinding(task string, recovered any) graph.Merge[*models.ScanState] {
	return func(s *models.ScanState) {
		s.ScanIssues = append(s.ScanIssues, models.Finding{
			RuleCode:     "scan_error",
			Title:        "Scanner worker failed",
			Description:  fmt.Sprintf("Worker %s panicked: %v", task, recovered),
			Severity:     models.SeverityLow,
			Location:     task,
			Status:       models.StatusTodo,
			DiscoveredAt: time.Now().UTC(),
		})
		s.RecordError(fmt.Sprintf("%s: panic: %v", task, recovered))
	}
}

func (r *scanRun) setStatus(state *models.ScanState, status string) {
	state.Status = status
	r.emitProgress(state)
}

func (r *scanRun) emitProgress(state *models.ScanState) {
	r.sink.Emit(events.KindProgress, events.ProgressPayload{
		Status:        state.Status,
		TotalAssets:   len(state.Assets),
		AssetsScanned: len(state.ScannedAssets),
		ScanType:      string(state.ScanType),
		PublicCount:   len(state.PublicAssets),
		PrivateCount:  len(state.PrivateAssets),
	})
}

func (r *scanRun) finalPayload(state *models.ScanState) events.FinalPayload {
	return events.FinalPayload{
		Status:         state.Status,
		ScanType:       string(state.ScanType),
		TotalFindings:  len(state.CorrelatedFindings),
		ActiveExploits: state.ActiveExploitCount,
		Errors:         state.Errors,
	}
}
