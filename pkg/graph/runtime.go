// Package graph implements the directed-graph runtime that drives both the
// outer scan pipeline and the inner threat pipeline. Nodes run sequentially
// over a shared state; a node may instead fan out into parallel tasks whose
// results are merged back serially, in completion order, before the graph
// continues at the join node.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/metrics"
)

// End is the terminal route. A node returning Route{Next: End} (or an empty
// Next) finishes the run.
const End = "__end__"

// NodeFunc executes one stage against the canonical state and returns where
// to go next. Only the runtime goroutine calls NodeFuncs, so they may mutate
// the state directly. A returned error is recorded via the runtime's error
// hook but does not abort the graph — the route is still followed.
type NodeFunc[S any] func(ctx context.Context, state S) (Route[S], error)

// Merge applies a task's result delta to the canonical state. Merges run
// serially on the runtime goroutine; tasks must not touch shared state
// directly.
type Merge[S any] func(state S)

// Task is one parallel dispatch unit (typically per-asset or per-chunk work).
type Task[S any] struct {
	Name string
	Run  func(ctx context.Context) (Merge[S], error)
}

// Route is a node's routing decision: either a next node, or a parallel
// fan-out followed by a join node.
type Route[S any] struct {
	Next       string
	Dispatches []Task[S]
	AfterJoin  string
}

// Goto routes to the named node.
func Goto[S any](next string) Route[S] { return Route[S]{Next: next} }

// Finish terminates the graph.
func Finish[S any]() Route[S] { return Route[S]{Next: End} }

// Runtime executes a graph of named nodes over a state of type S.
type Runtime[S any] struct {
	name         string
	nodes        map[string]NodeFunc[S]
	start        string
	concurrency  int
	stageTimeout time.Duration
	sink         events.Sink
	logger       *slog.Logger

	// onError records a node or task error into the state. Errors are
	// stored, never aborting.
	onError func(state S, node string, err error)

	// onPanic converts a recovered task panic into a state delta (an error
	// finding record). Nil means panics are recorded via onError only.
	onPanic func(task string, recovered any) Merge[S]
}

// Option configures a Runtime.
type Option[S any] func(*Runtime[S])

// WithConcurrency bounds parallel dispatch execution.
func WithConcurrency[S any](n int) Option[S] {
	return func(r *Runtime[S]) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithStageTimeout bounds each node invocation.
func WithStageTimeout[S any](d time.Duration) Option[S] {
	return func(r *Runtime[S]) { r.stageTimeout = d }
}

// WithSink sets the progress event sink. Defaults to a no-op sink.
func WithSink[S any](sink events.Sink) Option[S] {
	return func(r *Runtime[S]) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithLogger sets the runtime logger.
func WithLogger[S any](l *slog.Logger) Option[S] {
	return func(r *Runtime[S]) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithErrorHook sets the error recording hook.
func WithErrorHook[S any](hook func(state S, node string, err error)) Option[S] {
	return func(r *Runtime[S]) { r.onError = hook }
}

// WithPanicHook sets the task panic conversion hook.
func WithPanicHook[S any](hook func(task string, recovered any) Merge[S]) Option[S] {
	return func(r *Runtime[S]) { r.onPanic = hook }
}

// New creates a runtime for the given node set, starting at start.
func New[S any](name, start string, nodes map[string]NodeFunc[S], opts ...Option[S]) *Runtime[S] {
	r := &Runtime[S]{
		name:        name,
		nodes:       nodes,
		start:       start,
		concurrency: 4,
		sink:        events.NopSink{},
		logger:      slog.Default(),
		onError:     func(S, string, error) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the graph from the start node until End or context expiry.
// On cancellation it returns the context error; the state holds whatever was
// merged so far (partial result).
func (r *Runtime[S]) Run(ctx context.Context, state S) error {
	log := r.logger.With("graph", r.name)
	current := r.start

	for current != End && current != "" {
		if err := ctx.Err(); err != nil {
			log.Warn("Graph cancelled", "at_node", current, "error", err)
			return err
		}

		node, ok := r.nodes[current]
		if !ok {
			return fmt.Errorf("graph %s: no such node %q", r.name, current)
		}

		r.sink.Emit(events.KindStageStart, events.StagePayload{Stage: current})
		started := time.Now()

		route, err := r.runNode(ctx, current, node, state)
		if err != nil {
			log.Error("Node failed", "node", current, "error", err)
			r.onError(state, current, err)
		}

		if len(route.Dispatches) > 0 {
			r.runDispatches(ctx, route.Dispatches, state)
			r.emitStageComplete(current, started, err)
			log.Debug("Stage joined", "node", current,
				"dispatches", len(route.Dispatches), "duration", time.Since(started))
			current = route.AfterJoin
			continue
		}

		r.emitStageComplete(current, started, err)
		log.Debug("Stage complete", "node", current, "duration", time.Since(started))
		current = route.Next
	}

	return ctx.Err()
}

// runNode invokes one node under the per-stage deadline.
func (r *Runtime[S]) runNode(ctx context.Context, name string, node NodeFunc[S], state S) (route Route[S], err error) {
	if r.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.stageTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("node %s panicked: %v", name, rec)
			r.logger.Error("Node panic recovered",
				"node", name, "panic", rec, "stack", string(debug.Stack()))
			route = Finish[S]()
		}
	}()

	return node(ctx, state)
}

// runDispatches executes tasks with bounded parallelism and applies their
// merges serially, in completion order. On cancellation the merges of
// already-finished tasks are still applied, yielding a partial aggregate.
func (r *Runtime[S]) runDispatches(ctx context.Context, tasks []Task[S], state S) {
	// Each task may produce a result merge plus an error-recording merge.
	merges := make(chan Merge[S], 2*len(tasks))

	g, taskCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, task := range tasks {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Task panic recovered",
						"task", task.Name, "panic", rec, "stack", string(debug.Stack()))
					if r.onPanic != nil {
						merges <- r.onPanic(task.Name, rec)
					} else {
						panicErr := fmt.Errorf("task panicked: %v", rec)
						merges <- func(s S) { r.onError(s, task.Name, panicErr) }
					}
				}
			}()

			merge, err := task.Run(taskCtx)
			if err != nil {
				// Task errors never fail siblings; record via a merge so all
				// state mutation stays on the runtime goroutine.
				merges <- func(s S) { r.onError(s, task.Name, err) }
			}
			if merge != nil {
				merges <- merge
			}
			return nil
		})
	}

	_ = g.Wait()
	close(merges)

	for merge := range merges {
		merge(state)
	}
}

func (r *Runtime[S]) emitStageComplete(stage string, started time.Time, err error) {
	metrics.RecordStage(r.name+"."+stage, time.Since(started))
	payload := events.StagePayload{Stage: stage}
	if err != nil {
		payload.Error = err.Error()
	}
	r.sink.Emit(events.KindStageComplete, payload)
}
