package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/models"
	"github.com/mandadapu/neuralwarden/pkg/scan"
	"github.com/mandadapu/neuralwarden/pkg/storage"
)

// EventSinkFactory provides the event sink for one scan. Nil disables event
// delivery (events.NopSink).
type EventSinkFactory func(scanID string) events.Sink

// OrchestratorExecutor runs claimed scan jobs through the scan orchestrator.
type OrchestratorExecutor struct {
	store        storage.Store
	orchestrator *scan.Orchestrator
	sinkFor      EventSinkFactory
	logger       *slog.Logger
}

var _ ScanExecutor = (*OrchestratorExecutor)(nil)

// NewOrchestratorExecutor creates the production executor.
func NewOrchestratorExecutor(store storage.Store, orchestrator *scan.Orchestrator, sinkFor EventSinkFactory, logger *slog.Logger) *OrchestratorExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrchestratorExecutor{
		store:        store,
		orchestrator: orchestrator,
		sinkFor:      sinkFor,
		logger:       logger,
	}
}

// Execute runs one scan job end to end and maps the scan outcome onto the
// job's terminal queue status.
func (e *OrchestratorExecutor) Execute(ctx context.Context, job *models.ScanJob) *ExecutionResult {
	account, err := e.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		return &ExecutionResult{
			Status: models.JobFailed,
			Error:  fmt.Errorf("loading account %s: %w", job.AccountID, err),
		}
	}
	if account.Status == models.AccountDisabled {
		return &ExecutionResult{
			Status:  models.JobCancelled,
			Summary: "account disabled",
		}
	}

	state := &models.ScanState{
		ScanID:            job.ID,
		AccountID:         account.ID,
		ProjectID:         account.ProjectID,
		Credential:        account.Credentials,
		RequestedServices: account.Services,
	}

	var sink events.Sink = events.NopSink{}
	if e.sinkFor != nil {
		sink = e.sinkFor(job.ID)
	}

	runErr := e.orchestrator.Run(ctx, state, sink)
	if runErr != nil {
		// Run only errors on cancellation; the worker maps the cause.
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return &ExecutionResult{Status: models.JobTimedOut, Summary: summarize(state), Error: runErr}
		case errors.Is(ctx.Err(), context.Canceled):
			return &ExecutionResult{Status: models.JobCancelled, Summary: summarize(state), Error: runErr}
		default:
			return &ExecutionResult{Status: models.JobFailed, Summary: summarize(state), Error: runErr}
		}
	}

	return &ExecutionResult{
		Status:  jobStatus(state),
		Summary: summarize(state),
		Error:   firstError(state),
	}
}

// jobStatus maps the scan's terminal progress status onto a queue status.
func jobStatus(state *models.ScanState) models.ScanJobStatus {
	switch state.Status {
	case models.StatusComplete:
		return models.JobCompleted
	case models.StatusPartialResult:
		return models.JobPartial
	default:
		return models.JobFailed
	}
}

func firstError(state *models.ScanState) error {
	if len(state.Errors) == 0 {
		return nil
	}
	return errors.New(state.Errors[0])
}

// summarize builds the one-line job summary shown in the scan history.
func summarize(state *models.ScanState) string {
	findings := len(state.InitialFindings) + len(state.ScanIssues) + len(state.CorrelatedFindings)
	s := fmt.Sprintf("%d assets, %d findings", len(state.Assets), findings)
	if state.ActiveExploitCount > 0 {
		s += fmt.Sprintf(", %d active exploits", state.ActiveExploitCount)
	}
	if len(state.ClassifiedThreats) > 0 {
		s += fmt.Sprintf(", %d threats", len(state.ClassifiedThreats))
	}
	return s
}
