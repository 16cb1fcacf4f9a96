package billing

import "strings"

// Rate prices one model's tokens in USD per million.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PriceTable resolves a model name to its rate. Lookups are case
// insensitive; unknown models fall back to the default rate so metering
// never drops a call on a pricing gap.
type PriceTable struct {
	rates       map[string]Rate
	defaultRate Rate
}

func NewPriceTable(rates map[string]Rate, defaultRate Rate) *PriceTable {
	normalized := make(map[string]Rate, len(rates))
	for model, rate := range rates {
		normalized[strings.ToLower(model)] = rate
	}
	return &PriceTable{rates: normalized, defaultRate: defaultRate}
}

func DefaultPriceTable() *PriceTable {
	return NewPriceTable(map[string]Rate{
		"gpt-4":         {InputPerMTok: 30, OutputPerMTok: 60},
		"gpt-4-turbo":   {InputPerMTok: 10, OutputPerMTok: 30},
		"gpt-3.5-turbo": {InputPerMTok: 0.5, OutputPerMTok: 1.5},
		"claude-3-opus": {InputPerMTok: 15, OutputPerMTok: 75},
		"llama-3-70b":   {InputPerMTok: 0.6, OutputPerMTok: 0.7},
	}, Rate{InputPerMTok: 1, OutputPerMTok: 2})
}

const tokensPerMillion = 1_000_000

// CostFor returns the USD cost of one metered call.
func (t *PriceTable) CostFor(model string, inputTokens, outputTokens int64) float64 {
	rate, ok := t.rates[strings.ToLower(model)]
	if !ok {
		rate = t.defaultRate
	}
	return float64(inputTokens)*rate.InputPerMTok/tokensPerMillion +
		float64(outputTokens)*rate.OutputPerMTok/tokensPerMillion
}
