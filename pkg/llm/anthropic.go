package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mandadapu/neuralwarden/pkg/config"
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	callTimeout time.Duration
}

// NewAnthropicClient builds a client from config. callTimeout bounds each
// individual call (the per-LLM deadline, separate from the stage deadline).
func NewAnthropicClient(cfg *config.LLMConfig, callTimeout time.Duration) *AnthropicClient {
	return &AnthropicClient{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   cfg.MaxTokens,
		callTimeout: callTimeout,
	}
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	started := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion (%s): %w", req.Stage, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(variant.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyResponse
	}

	usage := Usage{
		Model:        string(c.model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Duration:     time.Since(started),
	}
	usage.CostUSD = EstimateCost(usage.Model, usage.InputTokens, usage.OutputTokens)

	return &Response{Text: text, Usage: usage}, nil
}
