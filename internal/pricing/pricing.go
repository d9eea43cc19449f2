// Package pricing resolves per-million-token model prices as exact decimals.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/switchboard/internal/store"
)

// Price is the per-million-token USD cost of one model.
type Price struct {
	ModelID       string
	Input         decimal.Decimal
	Output        decimal.Decimal
	CacheRead     decimal.Decimal
	CacheCreation decimal.Decimal
}

// Parse converts a stored row into a Price.
func Parse(m store.ModelPrice) (Price, error) {
	p := Price{ModelID: m.ModelID}
	fields := []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"input", m.InputCostPerMillion, &p.Input},
		{"output", m.OutputCostPerMillion, &p.Output},
		{"cache_read", m.CacheReadCostPerMillion, &p.CacheRead},
		{"cache_creation", m.CacheCreationCostPerMillion, &p.CacheCreation},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.src) == "" {
			*f.dst = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(f.src))
		if err != nil {
			return Price{}, fmt.Errorf("pricing: %s %s: %w", m.ModelID, f.name, err)
		}
		if d.IsNegative() {
			return Price{}, fmt.Errorf("pricing: %s %s: negative price %s", m.ModelID, f.name, d)
		}
		*f.dst = d
	}
	return p, nil
}

// Source is the persistent price table.
type Source interface {
	GetPrice(ctx context.Context, model string) (store.ModelPrice, error)
}

// Table memoises lookups against a Source. Misses are cached too so unknown
// models do not hit the database on every request.
type Table struct {
	src Source

	mu    sync.RWMutex
	cache map[string]*Price
}

// New returns a Table backed by src.
func New(src Source) *Table {
	return &Table{src: src, cache: make(map[string]*Price)}
}

var dateSuffix = regexp.MustCompile(`-\d{8}$`)

// candidates lists the keys tried for model: the id as given, lower-cased,
// without a vendor prefix ("anthropic/..."), and without a -YYYYMMDD
// snapshot suffix.
func candidates(model string) []string {
	m := strings.TrimSpace(model)
	out := []string{m}
	add := func(s string) {
		for _, e := range out {
			if e == s {
				return
			}
		}
		out = append(out, s)
	}
	lower := strings.ToLower(m)
	add(lower)
	if i := strings.LastIndex(lower, "/"); i >= 0 {
		lower = lower[i+1:]
		add(lower)
	}
	if stripped := dateSuffix.ReplaceAllString(lower, ""); stripped != lower {
		add(stripped)
	}
	return out
}

// Lookup returns the price of model. ok is false when the model is unknown,
// in which case callers bill zero.
func (t *Table) Lookup(ctx context.Context, model string) (Price, bool, error) {
	if model == "" {
		return Price{}, false, nil
	}

	t.mu.RLock()
	p, hit := t.cache[model]
	t.mu.RUnlock()
	if hit {
		if p == nil {
			return Price{}, false, nil
		}
		return *p, true, nil
	}

	var found *Price
	for _, key := range candidates(model) {
		row, err := t.src.GetPrice(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Price{}, false, err
		}
		parsed, err := Parse(row)
		if err != nil {
			return Price{}, false, err
		}
		found = &parsed
		break
	}

	t.mu.Lock()
	t.cache[model] = found
	t.mu.Unlock()

	if found == nil {
		return Price{}, false, nil
	}
	return *found, true, nil
}

// Invalidate drops memoised lookups after the table was edited.
func (t *Table) Invalidate() {
	t.mu.Lock()
	t.cache = make(map[string]*Price)
	t.mu.Unlock()
}
