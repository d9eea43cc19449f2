package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/switchboard/internal/store"
)

type mapSource struct {
	rows  map[string]store.ModelPrice
	calls int
	err   error
}

func (m *mapSource) GetPrice(_ context.Context, model string) (store.ModelPrice, error) {
	m.calls++
	if m.err != nil {
		return store.ModelPrice{}, m.err
	}
	r, ok := m.rows[model]
	if !ok {
		return store.ModelPrice{}, store.ErrNotFound
	}
	return r, nil
}

func TestParse(t *testing.T) {
	p, err := Parse(store.ModelPrice{ModelID: "m", InputCostPerMillion: "3", OutputCostPerMillion: " 15.00 "})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.Input.Equal(decimal.NewFromInt(3)) || !p.Output.Equal(decimal.NewFromInt(15)) {
		t.Errorf("unexpected price %+v", p)
	}
	if !p.CacheRead.IsZero() || !p.CacheCreation.IsZero() {
		t.Errorf("empty fields must parse as zero: %+v", p)
	}

	if _, err := Parse(store.ModelPrice{ModelID: "m", InputCostPerMillion: "abc"}); err == nil {
		t.Error("expected error for malformed decimal")
	}
	if _, err := Parse(store.ModelPrice{ModelID: "m", OutputCostPerMillion: "-1"}); err == nil {
		t.Error("expected error for negative price")
	}
}

func TestLookup_Fallbacks(t *testing.T) {
	src := &mapSource{rows: map[string]store.ModelPrice{
		"claude-sonnet-4-5": row("claude-sonnet-4-5", "", "3", "15", "0.3", "3.75"),
	}}
	table := New(src)
	ctx := context.Background()

	for _, model := range []string{"claude-sonnet-4-5", "claude-sonnet-4-5-20250929", "anthropic/Claude-Sonnet-4-5"} {
		p, ok, err := table.Lookup(ctx, model)
		if err != nil || !ok {
			t.Fatalf("Lookup(%q) = ok=%v err=%v", model, ok, err)
		}
		if !p.Output.Equal(decimal.NewFromInt(15)) {
			t.Errorf("Lookup(%q) output = %s", model, p.Output)
		}
	}

	if _, ok, err := table.Lookup(ctx, "claude-3-5-sonnet"); ok || err != nil {
		t.Fatalf("unknown model: ok=%v err=%v", ok, err)
	}
}

func TestLookup_CachesMisses(t *testing.T) {
	src := &mapSource{rows: map[string]store.ModelPrice{}}
	table := New(src)
	ctx := context.Background()

	_, _, _ = table.Lookup(ctx, "unknown")
	calls := src.calls
	_, _, _ = table.Lookup(ctx, "unknown")
	if src.calls != calls {
		t.Errorf("miss was not cached: %d -> %d calls", calls, src.calls)
	}

	src.rows["unknown"] = row("unknown", "", "1", "1", "0", "0")
	table.Invalidate()
	if _, ok, _ := table.Lookup(ctx, "unknown"); !ok {
		t.Error("Invalidate did not drop cached miss")
	}
}

func TestLookup_SourceError(t *testing.T) {
	table := New(&mapSource{err: errors.New("disk on fire")})
	if _, _, err := table.Lookup(context.Background(), "m"); err == nil {
		t.Fatal("expected source error")
	}
}

func TestDefaultsParse(t *testing.T) {
	seen := map[string]bool{}
	for _, d := range Defaults {
		if seen[d.ModelID] {
			t.Errorf("duplicate default %s", d.ModelID)
		}
		seen[d.ModelID] = true
		if _, err := Parse(d); err != nil {
			t.Errorf("default %s: %v", d.ModelID, err)
		}
	}
}
