package pricing

import (
	"context"

	"github.com/nulpointcorp/switchboard/internal/store"
)

func row(id, name, in, out, cacheRead, cacheCreate string) store.ModelPrice {
	return store.ModelPrice{
		ModelID:                     id,
		DisplayName:                 name,
		InputCostPerMillion:         in,
		OutputCostPerMillion:        out,
		CacheReadCostPerMillion:     cacheRead,
		CacheCreationCostPerMillion: cacheCreate,
	}
}

// Defaults is the built-in price list (USD per million tokens). Snapshot
// ids resolve to these entries through the date-suffix fallback.
var Defaults = []store.ModelPrice{
	row("claude-opus-4-1", "Claude Opus 4.1", "15", "75", "1.5", "18.75"),
	row("claude-opus-4", "Claude Opus 4", "15", "75", "1.5", "18.75"),
	row("claude-sonnet-4-5", "Claude Sonnet 4.5", "3", "15", "0.3", "3.75"),
	row("claude-sonnet-4", "Claude Sonnet 4", "3", "15", "0.3", "3.75"),
	row("claude-3-7-sonnet", "Claude Sonnet 3.7", "3", "15", "0.3", "3.75"),
	row("claude-haiku-4-5", "Claude Haiku 4.5", "1", "5", "0.1", "1.25"),
	row("claude-3-5-haiku", "Claude Haiku 3.5", "0.8", "4", "0.08", "1"),

	row("gpt-5", "GPT-5", "1.25", "10", "0.125", "0"),
	row("gpt-5-codex", "GPT-5 Codex", "1.25", "10", "0.125", "0"),
	row("gpt-5-mini", "GPT-5 mini", "0.25", "2", "0.025", "0"),
	row("gpt-4.1", "GPT-4.1", "2", "8", "0.5", "0"),
	row("gpt-4o", "GPT-4o", "2.5", "10", "1.25", "0"),
	row("o3", "o3", "2", "8", "0.5", "0"),

	row("gemini-2.5-pro", "Gemini 2.5 Pro", "1.25", "10", "0.31", "0"),
	row("gemini-2.5-flash", "Gemini 2.5 Flash", "0.3", "2.5", "0.075", "0"),
	row("gemini-2.5-flash-lite", "Gemini 2.5 Flash-Lite", "0.1", "0.4", "0.025", "0"),
}

// Seeder inserts missing price rows.
type Seeder interface {
	SeedPrices(ctx context.Context, prices []store.ModelPrice) (int, error)
}

// Seed inserts Defaults without overwriting edited rows.
func Seed(ctx context.Context, s Seeder) (int, error) {
	return s.SeedPrices(ctx, Defaults)
}
