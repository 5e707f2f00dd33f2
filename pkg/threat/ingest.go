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

const ingestSystemPrompt = `You are a log parser. You receive numbered raw log lines and return a JSON array, one object per line, with the fields:
index (int, echo the given number), timestamp (string), source (string), event_type (one of failed_auth, recon_probe, server_error, http_client_error, http_request, error, warning, info, unknown), source_ip (string), dest_port (int), bytes_out (int), details (string), is_valid (bool).
Set is_valid=false and leave the other fields empty when a line cannot be parsed. Return only the JSON array.`

// ingestNode parses the raw logs. Pre-parsed input skips the LLM entirely;
// a raw set above the burst threshold fans out into chunk tasks.
func (p *Pipeline) ingestNode(ctx context.Context, state *State) (graph.Route[*State], error) {
	// Skip-ingest: the outer pipeline already supplied structured logs.
	if len(state.PreParsed) > 0 {
		state.ParsedLogs = state.PreParsed
		state.ValidCount = countValid(state.ParsedLogs)
		return routeAfterIngest(state), nil
	}

	if len(state.RawLogs) == 0 {
		return graph.Goto[*State](nodeEmptyReport), nil
	}

	if len(state.RawLogs) > p.cfg.BurstThreshold {
		return graph.Route[*State]{
			Dispatches: p.burstTasks(state.RawLogs),
			AfterJoin:  nodeAggregateIngest,
		}, nil
	}

	parsed, metrics := p.parseChunk(ctx, state.RawLogs, 0)
	state.ParsedLogs = parsed
	state.ValidCount = countValid(parsed)
	state.recordMetrics(nodeIngest, metrics)

	return routeAfterIngest(state), nil
}

// burstTasks splits the raw logs into chunk tasks. Each chunk offsets its
// indices by chunkIndex × chunkSize so the global ordering survives the
// completion-order merge.
func (p *Pipeline) burstTasks(rawLogs []string) []graph.Task[*State] {
	size := p.cfg.ChunkSize
	var tasks []graph.Task[*State]

	for chunkIndex := 0; chunkIndex*size < len(rawLogs); chunkIndex++ {
		start := chunkIndex * size
		end := min(start+size, len(rawLogs))
		chunk := rawLogs[start:end]
		offset := chunkIndex * size
		key := fmt.Sprintf("ingest_chunk_%d", chunkIndex)

		tasks = append(tasks, graph.Task[*State]{
			Name: key,
			Run: func(ctx context.Context) (graph.Merge[*State], error) {
				parsed, metrics := p.parseChunk(ctx, chunk, offset)
				return func(s *State) {
					s.ParsedLogs = append(s.ParsedLogs, parsed...)
					s.recordMetrics(key, metrics)
				}, nil
			},
		})
	}
	return tasks
}

// aggregateIngestNode recomputes totals after the burst fan-out. Chunks
// merged in completion order; restore the global ordering by index.
func (p *Pipeline) aggregateIngestNode(_ context.Context, state *State) (graph.Route[*State], error) {
	sort.Slice(state.ParsedLogs, func(i, j int) bool {
		return state.ParsedLogs[i].Index < state.ParsedLogs[j].Index
	})
	state.ValidCount = countValid(state.ParsedLogs)
	return routeAfterIngest(state), nil
}

// parseChunk parses one batch of raw lines via the LLM, falling back to
// per-line invalid records. Indices are offset into the global sequence.
func (p *Pipeline) parseChunk(ctx context.Context, lines []string, offset int) ([]models.LogLine, models.AgentMetrics) {
	if p.client == nil {
		return invalidLines(lines, offset, "no parser available"), models.AgentMetrics{Fallback: true}
	}

	var prompt strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&prompt, "%d: %s\n", offset+i, line)
	}

	started := time.Now()
	resp, err := p.client.Complete(ctx, llm.Request{
		Stage:  nodeIngest,
		System: ingestSystemPrompt,
		Prompt: prompt.String(),
	})
	if err != nil {
		p.logger.Warn("Ingest parse failed, marking lines invalid", "error", err, "lines", len(lines))
		return invalidLines(lines, offset, err.Error()), models.AgentMetrics{
			Duration: time.Since(started),
			Calls:    1,
			Fallback: true,
		}
	}

	metrics := models.AgentMetrics{
		Model:        resp.Usage.Model,
		Duration:     resp.Usage.Duration,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      resp.Usage.CostUSD,
		Calls:        1,
	}

	var parsed []models.LogLine
	if err := llm.DecodeInto(resp.Text, &parsed); err != nil {
		p.logger.Warn("Ingest returned unparseable JSON", "error", err)
		metrics.Fallback = true
		return invalidLines(lines, offset, "parser returned malformed JSON"), metrics
	}

	return normalizeParsed(parsed, lines, offset), metrics
}

// normalizeParsed reconciles the model output with the input lines: every
// input line gets exactly one record at its global index, bad entries are
// replaced with invalid records, extras are dropped.
func normalizeParsed(parsed []models.LogLine, lines []string, offset int) []models.LogLine {
	byIndex := make(map[int]models.LogLine, len(parsed))
	for _, l := range parsed {
		if l.Index >= offset && l.Index < offset+len(lines) {
			byIndex[l.Index] = l
		}
	}

	out := make([]models.LogLine, len(lines))
	for i, raw := range lines {
		idx := offset + i
		if l, ok := byIndex[idx]; ok {
			l.Raw = raw
			if l.EventType == "" {
				l.EventType = models.LogEventUnknown
			}
			out[i] = l
			continue
		}
		out[i] = models.LogLine{
			Index:      idx,
			EventType:  models.LogEventUnknown,
			IsValid:    false,
			ParseError: "missing from parser output",
			Raw:        raw,
		}
	}
	return out
}

func invalidLines(lines []string, offset int, reason string) []models.LogLine {
	out := make([]models.LogLine, len(lines))
	for i, raw := range lines {
		out[i] = models.LogLine{
			Index:      offset + i,
			EventType:  models.LogEventUnknown,
			IsValid:    false,
			ParseError: reason,
			Raw:        raw,
		}
	}
	return out
}

func countValid(logs []models.LogLine) int {
	n := 0
	for _, l := range logs {
		if l.IsValid {
			n++
		}
	}
	return n
}
