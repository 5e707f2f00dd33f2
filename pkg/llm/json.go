package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first JSON object or array out of a model response,
// tolerating markdown fences and surrounding prose. Models are prompted for
// bare JSON but don't always comply.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Strip a ```json ... ``` fence if present.
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON found in response")
	}

	closing := byte('}')
	if text[start] == '[' {
		closing = ']'
	}
	if end := strings.LastIndexByte(text, closing); end > start {
		return text[start : end+1], nil
	}
	return "", fmt.Errorf("unterminated JSON in response")
}

// DecodeInto extracts JSON from a response and unmarshals it into v.
func DecodeInto(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}
