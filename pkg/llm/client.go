// Package llm wraps the model provider behind a small interface the threat
// pipeline stages consume. Every stage has a deterministic fallback, so a
// nil or failing client degrades the pipeline instead of breaking it.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client is the surface the pipeline stages call.
type Client interface {
	// Complete sends a single-turn prompt and returns the full text response.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is one single-turn completion request.
type Request struct {
	// Stage attributes the call for metrics accumulation (e.g. "detect").
	Stage string

	System    string
	Prompt    string
	MaxTokens int64 // 0 = client default
}

// Response carries the model text plus usage accounting.
type Response struct {
	Text  string
	Usage Usage
}

// Usage is the per-call accounting the stages fold into agent metrics.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
	CostUSD      float64
}
