package llm

import "strings"

// modelPrice holds USD per million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// priceTable maps model-name prefixes to prices. Longest matching prefix
// wins; unknown models cost zero (accounting stays best-effort).
var priceTable = map[string]modelPrice{
	"claude-opus":   {input: 15.0, output: 75.0},
	"claude-sonnet": {input: 3.0, output: 15.0},
	"claude-haiku":  {input: 0.80, output: 4.0},
}

// EstimateCost computes the USD cost of one call from the fixed price table.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	var best string
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	price := priceTable[best]
	return float64(inputTokens)/1e6*price.input + float64(outputTokens)/1e6*price.output
}
