// Package limits enforces per-provider daily and monthly spend caps.
package limits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/store"
)

// Spend sums ledger costs over an inclusive UTC date range.
type Spend interface {
	SumCost(ctx context.Context, app providers.AppType, id, from, to string) (decimal.Decimal, error)
}

// Period names a cap window.
type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Status is the evaluation of one provider.
type Status struct {
	ProviderID string           `json:"providerId"`
	Exceeded   bool             `json:"exceeded"`
	Period     Period           `json:"period,omitempty"`
	DailyLimit *decimal.Decimal `json:"dailyLimit,omitempty"`
	DailySpent decimal.Decimal  `json:"dailySpent"`
	MonthLimit *decimal.Decimal `json:"monthlyLimit,omitempty"`
	MonthSpent decimal.Decimal  `json:"monthlySpent"`
}

// Enforcer evaluates caps against the ledger.
type Enforcer struct {
	spend Spend
	now   func() time.Time
}

// New returns an Enforcer. now may be nil.
func New(spend Spend, now func() time.Time) *Enforcer {
	if now == nil {
		now = time.Now
	}
	return &Enforcer{spend: spend, now: now}
}

func parseLimit(d providers.Decimal) (*decimal.Decimal, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("limits: invalid limit %q: %w", s, err)
	}
	return &v, nil
}

// Check evaluates p. A limit is exceeded when spent >= limit. Providers
// without limits are never queried against the ledger.
func (e *Enforcer) Check(ctx context.Context, p *providers.Provider) (Status, error) {
	st := Status{ProviderID: p.ID, DailySpent: decimal.Zero, MonthSpent: decimal.Zero}

	daily, err := parseLimit(p.Meta.LimitDailyUSD)
	if err != nil {
		return st, err
	}
	monthly, err := parseLimit(p.Meta.LimitMonthlyUSD)
	if err != nil {
		return st, err
	}
	st.DailyLimit, st.MonthLimit = daily, monthly
	if daily == nil && monthly == nil {
		return st, nil
	}

	now := e.now().UTC()
	today := now.Format(store.DateLayout)

	if daily != nil {
		st.DailySpent, err = e.spend.SumCost(ctx, p.AppType, p.ID, today, today)
		if err != nil {
			return st, fmt.Errorf("limits: daily spend of %s: %w", p.ID, err)
		}
		if st.DailySpent.GreaterThanOrEqual(*daily) {
			st.Exceeded, st.Period = true, Daily
			return st, nil
		}
	}
	if monthly != nil {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(store.DateLayout)
		st.MonthSpent, err = e.spend.SumCost(ctx, p.AppType, p.ID, first, today)
		if err != nil {
			return st, fmt.Errorf("limits: monthly spend of %s: %w", p.ID, err)
		}
		if st.MonthSpent.GreaterThanOrEqual(*monthly) {
			st.Exceeded, st.Period = true, Monthly
		}
	}
	return st, nil
}

// Rejection records why a provider was filtered out.
type Rejection struct {
	Status Status
	Err    error
}

// Filter returns the providers still under their caps, preserving order,
// and the rejected ones. A provider whose check errors stays eligible: cap
// bookkeeping failures must not take a provider out of rotation.
func (e *Enforcer) Filter(ctx context.Context, list []*providers.Provider) ([]*providers.Provider, []Rejection) {
	kept := make([]*providers.Provider, 0, len(list))
	var rejected []Rejection
	for _, p := range list {
		st, err := e.Check(ctx, p)
		if err != nil {
			rejected = append(rejected, Rejection{Status: st, Err: err})
			kept = append(kept, p)
			continue
		}
		if st.Exceeded {
			rejected = append(rejected, Rejection{Status: st})
			continue
		}
		kept = append(kept, p)
	}
	return kept, rejected
}
