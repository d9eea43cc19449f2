package usage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/switchboard/internal/pricing"
	"github.com/nulpointcorp/switchboard/internal/providers"
)

// Cost is the USD breakdown of one request.
type Cost struct {
	Input         decimal.Decimal
	Output        decimal.Decimal
	CacheRead     decimal.Decimal
	CacheCreation decimal.Decimal
	Total         decimal.Decimal
}

// ZeroCost is returned for unpriced models.
var ZeroCost = Cost{
	Input:         decimal.Zero,
	Output:        decimal.Zero,
	CacheRead:     decimal.Zero,
	CacheCreation: decimal.Zero,
	Total:         decimal.Zero,
}

var one = decimal.NewFromInt(1)

// ParseMultiplier reads a provider cost multiplier; empty means 1.
func ParseMultiplier(d providers.Decimal) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return one, nil
	}
	m, err := decimal.NewFromString(s)
	if err != nil {
		return one, fmt.Errorf("usage: cost multiplier %q: %w", s, err)
	}
	if m.IsNegative() {
		return one, fmt.Errorf("usage: cost multiplier %q is negative", s)
	}
	return m, nil
}

// category computes tokens / 1e6 * price * multiplier exactly.
func category(tokens int64, price, multiplier decimal.Decimal) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(price).Mul(multiplier).Shift(-6)
}

// Compute prices t. Every category is exact, so Total equals the sum of the
// four components at full precision.
func Compute(t Tokens, p pricing.Price, multiplier decimal.Decimal) Cost {
	c := Cost{
		Input:         category(t.Input, p.Input, multiplier),
		Output:        category(t.Output, p.Output, multiplier),
		CacheRead:     category(t.CacheRead, p.CacheRead, multiplier),
		CacheCreation: category(t.CacheCreation, p.CacheCreation, multiplier),
	}
	c.Total = c.Input.Add(c.Output).Add(c.CacheRead).Add(c.CacheCreation)
	return c
}
