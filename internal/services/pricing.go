package services

import "github.com/storyforge/storyforge-backend/internal/ai"

// modelProviders is the static model routing table. A model id absent from
// this table is rejected before any request is made.
var modelProviders = map[string]ai.ProviderID{
	"claude-opus-4-20250514":     ai.ProviderClaude,
	"claude-sonnet-4-20250514":   ai.ProviderClaude,
	"claude-3-5-haiku-20241022":  ai.ProviderClaude,
	"gpt-4.1":                    ai.ProviderOpenAI,
	"gpt-4o":                     ai.ProviderOpenAI,
	"gpt-4o-mini":                ai.ProviderOpenAI,
	"gemini-2.5-pro":             ai.ProviderGemini,
	"gemini-2.0-flash":           ai.ProviderGemini,
	"gemini-1.5-pro":             ai.ProviderGemini,
}

// modelPrice holds USD per million tokens. CacheRead and CacheWrite are
// multipliers on the input rate; zero means the provider has no separate
// cache rate for the model.
type modelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64

	CacheReadMult  float64
	CacheWriteMult float64
}

var modelPrices = map[string]modelPrice{
	"claude-opus-4-20250514":    {InputPerMTok: 15.0, OutputPerMTok: 75.0, CacheReadMult: 0.1, CacheWriteMult: 1.25},
	"claude-sonnet-4-20250514":  {InputPerMTok: 3.0, OutputPerMTok: 15.0, CacheReadMult: 0.1, CacheWriteMult: 1.25},
	"claude-3-5-haiku-20241022": {InputPerMTok: 0.80, OutputPerMTok: 4.0, CacheReadMult: 0.1, CacheWriteMult: 1.25},
	"gpt-4.1":                   {InputPerMTok: 2.0, OutputPerMTok: 8.0},
	"gpt-4o":                    {InputPerMTok: 2.50, OutputPerMTok: 10.0},
	"gpt-4o-mini":               {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gemini-2.5-pro":            {InputPerMTok: 1.25, OutputPerMTok: 10.0, CacheReadMult: 0.25},
	"gemini-2.0-flash":          {InputPerMTok: 0.10, OutputPerMTok: 0.40, CacheReadMult: 0.25},
	"gemini-1.5-pro":            {InputPerMTok: 1.25, OutputPerMTok: 5.0, CacheReadMult: 0.25},
}

// Cost is a computed USD amount for one request's token usage.
type Cost struct {
	InputUSD  float64 `json:"input_usd"`
	OutputUSD float64 `json:"output_usd"`
	CacheUSD  float64 `json:"cache_usd"`
	TotalUSD  float64 `json:"total_usd"`
}

// ProviderForModel resolves the adapter a model id routes to. ok is false for
// unknown models.
func ProviderForModel(model string) (ai.ProviderID, bool) {
	p, ok := modelProviders[model]
	return p, ok
}

// CalculateCost prices a usage record against the static table. ok is false
// for unknown models so callers can surface "unknown" instead of a silent
// zero.
func CalculateCost(usage ai.Usage, model string) (Cost, bool) {
	price, ok := modelPrices[model]
	if !ok {
		return Cost{}, false
	}

	const mtok = 1_000_000.0

	// Anthropic reports cache read/creation tokens separately from
	// input_tokens; Gemini folds cached tokens into the prompt count, so
	// cached tokens are re-priced at the discounted rate.
	in := float64(usage.InputTokens-usage.CachedContentTokens) / mtok * price.InputPerMTok
	out := float64(usage.OutputTokens) / mtok * price.OutputPerMTok

	cache := 0.0
	if price.CacheReadMult > 0 {
		cache += float64(usage.CacheReadTokens+usage.CachedContentTokens) / mtok * price.InputPerMTok * price.CacheReadMult
	}
	if price.CacheWriteMult > 0 {
		cache += float64(usage.CacheCreationTokens) / mtok * price.InputPerMTok * price.CacheWriteMult
	}

	if in < 0 {
		in = 0
	}

	return Cost{
		InputUSD:  in,
		OutputUSD: out,
		CacheUSD:  cache,
		TotalUSD:  in + out + cache,
	}, true
}

// KnownModels lists the routable model ids for one provider, or all of them
// when provider is empty.
func KnownModels(provider ai.ProviderID) []string {
	out := make([]string, 0, len(modelProviders))
	for m, p := range modelProviders {
		if provider == "" || p == provider {
			out = append(out, m)
		}
	}
	return out
}
