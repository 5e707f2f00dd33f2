package llm

import (
	"context"
	"sync"
)

// StaticClient is a test double: it replays canned responses per stage and
// records every request it receives.
type StaticClient struct {
	mu sync.Mutex

	// Responses maps stage name to the text returned for that stage.
	Responses map[string]string

	// Err, when set, fails every call (stage-specific errors via Errs).
	Err  error
	Errs map[string]error

	// Requests records calls in arrival order.
	Requests []Request
}

// Complete implements Client.
func (c *StaticClient) Complete(_ context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, req)

	if err, ok := c.Errs[req.Stage]; ok {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}

	text, ok := c.Responses[req.Stage]
	if !ok || text == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{
		Text:  text,
		Usage: Usage{Model: "static", InputTokens: 10, OutputTokens: 20},
	}, nil
}

// CallCount returns how many calls were made for a stage.
func (c *StaticClient) CallCount(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.Requests {
		if r.Stage == stage {
			n++
		}
	}
	return n
}
