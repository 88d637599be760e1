package metrics

import (
	"strings"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
)

// CostBreakdown is the estimated USD cost of a run.
type CostBreakdown struct {
	InputUSD  float64 `json:"inputUsd"`
	OutputUSD float64 `json:"outputUsd"`
	TotalUSD  float64 `json:"totalUsd"`
	Estimated bool    `json:"estimated"`
}

// builtinRates are USD per million tokens, keyed by model substring.
// Config cost.rates entries take precedence.
var builtinRates = []struct {
	substring string
	input     float64
	output    float64
}{
	{"opus", 15.0, 75.0},
	{"sonnet", 3.0, 15.0},
	{"haiku", 0.8, 4.0},
	{"gpt-4o-mini", 0.15, 0.6},
	{"gpt-4o", 2.5, 10.0},
	{"gpt-4", 30.0, 60.0},
}

// EstimateCost prices token usage against the config rates, falling back
// to the built-in per-model-substring table, then to zero rates.
func EstimateCost(model string, tokens TokenRecord, cfg config.CostConfig) CostBreakdown {
	inRate, outRate := lookupRates(model, cfg)
	breakdown := CostBreakdown{
		InputUSD:  float64(tokens.InputTokens) / 1e6 * inRate,
		OutputUSD: float64(tokens.OutputTokens) / 1e6 * outRate,
		Estimated: tokens.Estimated,
	}
	breakdown.TotalUSD = breakdown.InputUSD + breakdown.OutputUSD
	return breakdown
}

func lookupRates(model string, cfg config.CostConfig) (float64, float64) {
	lowered := strings.ToLower(model)
	for sub, rate := range cfg.Rates {
		if strings.Contains(lowered, strings.ToLower(sub)) {
			return rate.Input, rate.Output
		}
	}
	for _, r := range builtinRates {
		if strings.Contains(lowered, r.substring) {
			return r.input, r.output
		}
	}
	return 0, 0
}
