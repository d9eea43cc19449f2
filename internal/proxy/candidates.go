package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nulpointcorp/switchboard/internal/health"
	"github.com/nulpointcorp/switchboard/internal/providers"
)

// candidates returns the providers to try for app, in order:
//
//  1. the current provider when it is healthy,
//  2. the other healthy providers by sort index,
//  3. probe-eligible providers by sort index.
//
// Providers still cooling down are only used when nothing else is left.
// When any provider is flagged inFailoverQueue, only flagged providers are
// used after the current one. Providers over a spend cap are dropped.
func (g *Gateway) candidates(ctx context.Context, app providers.AppType) ([]*providers.Provider, *Error) {
	list, err := g.store.ListProviders(ctx, app)
	if err != nil {
		return nil, &Error{Kind: KindNoAvailableProvider, Reason: "provider_list_failed", Err: err}
	}
	if len(list) == 0 {
		return nil, &Error{Kind: KindNoAvailableProvider, Reason: "no_providers_configured"}
	}

	snapshot, err := g.tracker.Snapshot(ctx, app)
	if err != nil {
		// Without health rows every provider is treated as healthy.
		g.log.WarnContext(ctx, "health_snapshot_failed",
			slog.String("app", string(app)),
			slog.String("error", err.Error()),
		)
	}

	ordered := orderCandidates(list, func(p *providers.Provider) health.State {
		return g.tracker.StateOf(snapshot, p)
	})
	if len(ordered) == 0 {
		return nil, &Error{Kind: KindNoAvailableProvider, Reason: "no_eligible_providers"}
	}
	if g.limits == nil {
		return ordered, nil
	}

	kept, rejected := g.limits.Filter(ctx, ordered)
	for _, r := range rejected {
		if r.Err != nil {
			g.log.WarnContext(ctx, "limit_check_failed",
				slog.String("app", string(app)),
				slog.String("provider", r.Status.ProviderID),
				slog.String("error", r.Err.Error()),
			)
			continue
		}
		g.metrics.RecordLimitRejection(string(app), r.Status.ProviderID, string(r.Status.Period))
		g.log.InfoContext(ctx, "limit_exceeded",
			slog.String("app", string(app)),
			slog.String("provider", r.Status.ProviderID),
			slog.String("period", string(r.Status.Period)),
			slog.String("daily_spent", r.Status.DailySpent.String()),
			slog.String("monthly_spent", r.Status.MonthSpent.String()),
		)
	}
	if len(kept) == 0 {
		return nil, &Error{
			Kind:   KindNoAvailableProvider,
			Reason: "limits_exhausted",
			Err:    fmt.Errorf("all %d providers are over their spend limits", len(ordered)),
		}
	}
	return kept, nil
}

// orderCandidates is the pure ordering step of candidates.
func orderCandidates(list []*providers.Provider, state func(*providers.Provider) health.State) []*providers.Provider {
	sorted := make([]*providers.Provider, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })

	queued := false
	for _, p := range sorted {
		if p.InFailoverQueue {
			queued = true
			break
		}
	}

	var head, healthy, probing, cooling []*providers.Provider
	for _, p := range sorted {
		s := state(p)
		if p.IsCurrent && s == health.Healthy {
			head = append(head, p)
			continue
		}
		if queued && !p.IsCurrent && !p.InFailoverQueue {
			continue
		}
		switch s {
		case health.Healthy:
			healthy = append(healthy, p)
		case health.ProbeEligible:
			probing = append(probing, p)
		default:
			cooling = append(cooling, p)
		}
	}

	out := make([]*providers.Provider, 0, len(sorted))
	out = append(out, head...)
	out = append(out, healthy...)
	out = append(out, probing...)
	if len(out) == 0 {
		out = append(out, cooling...)
	}
	return out
}
