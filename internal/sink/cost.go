package sink

import (
	"strings"

	"ccflare/internal/store"
)

// modelRate is USD per million tokens, split by token class.
type modelRate struct {
	Input         float64
	Output        float64
	CacheRead     float64
	CacheCreation float64
}

// rates cover the commonly proxied model families. Lookup is by substring
// so dated releases (claude-sonnet-4-20250514) match their family.
var rates = []struct {
	match string
	rate  modelRate
}{
	{"claude-opus-4", modelRate{Input: 15, Output: 75, CacheRead: 1.5, CacheCreation: 18.75}},
	{"claude-sonnet-4", modelRate{Input: 3, Output: 15, CacheRead: 0.3, CacheCreation: 3.75}},
	{"claude-3-7-sonnet", modelRate{Input: 3, Output: 15, CacheRead: 0.3, CacheCreation: 3.75}},
	{"claude-3-5-sonnet", modelRate{Input: 3, Output: 15, CacheRead: 0.3, CacheCreation: 3.75}},
	{"claude-3-5-haiku", modelRate{Input: 0.8, Output: 4, CacheRead: 0.08, CacheCreation: 1}},
	{"claude-3-haiku", modelRate{Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheCreation: 0.3}},
	{"claude-3-opus", modelRate{Input: 15, Output: 75, CacheRead: 1.5, CacheCreation: 18.75}},
}

// estimateCost prices the usage tally, returning 0 for unknown models.
func estimateCost(u *store.Usage) float64 {
	if u == nil || u.Model == "" {
		return 0
	}
	model := strings.ToLower(u.Model)
	for _, r := range rates {
		if strings.Contains(model, r.match) {
			const million = 1_000_000
			return float64(u.InputTokens)*r.rate.Input/million +
				float64(u.OutputTokens)*r.rate.Output/million +
				float64(u.CacheReadInputTokens)*r.rate.CacheRead/million +
				float64(u.CacheCreationInputTokens)*r.rate.CacheCreation/million
		}
	}
	return 0
}
