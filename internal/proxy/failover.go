package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/rectify"
	"github.com/nulpointcorp/switchboard/internal/redact"
	"github.com/nulpointcorp/switchboard/internal/store"
	"github.com/nulpointcorp/switchboard/internal/usage"
)

// step is a state of the retry controller.
type step int

const (
	stepSelect step = iota
	stepDispatch
	stepClassify
	stepRectify
	stepReturn
)

// attemptState is the task-local bookkeeping of one forward call.
type attemptState struct {
	cands     []*providers.Provider
	provider  *providers.Provider
	failed    []string
	body      []byte
	rectified bool
	attempts  int
	sent      int
	up        *upstream
	err       *Error
	lastErr   *Error
}

// logID is the ledger key of the latest dispatch. The first dispatch of a
// request uses the request id itself.
func (s *attemptState) logID(in *inbound) string {
	if s.sent <= 1 {
		return in.requestID
	}
	return fmt.Sprintf("%s.%d", in.requestID, s.sent)
}

// forward drives dispatch over cands until one provider answers 2xx, a
// non-retryable error occurs, or cfg.MaxRetries attempts were made. A
// rectified retry against the same provider does not count as an attempt.
func (g *Gateway) forward(ctx context.Context, in *inbound, cands []*providers.Provider, cfg store.ProxyConfig) (*upstream, *Error) {
	body, perr := g.redact(ctx, in)
	if perr != nil {
		return nil, perr
	}
	maxAttempts := cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	s := &attemptState{cands: cands}
	st := stepSelect
	for {
		switch st {
		case stepSelect:
			if s.attempts >= maxAttempts || len(s.cands) == 0 {
				st = stepReturn
				continue
			}
			next := s.cands[0]
			s.cands = s.cands[1:]
			if s.lastErr != nil && s.provider != nil {
				g.status.failover()
				g.metrics.RecordFailover(string(in.app), s.provider.ID, next.ID, outcome(s.lastErr))
			}
			s.provider, s.body, s.rectified = next, body, false
			s.attempts++
			st = stepDispatch

		case stepDispatch:
			start := time.Now()
			s.sent++
			s.up, s.err = g.dispatch(ctx, in, s.provider, s.body, cfg)
			if s.up != nil {
				s.up.logID = s.logID(in)
			}
			g.metrics.ObserveUpstreamAttempt(string(in.app), s.provider.ID, outcome(s.err), time.Since(start))
			st = stepClassify

		case stepClassify:
			if s.err == nil {
				g.onSuccess(ctx, in, s)
				st = stepReturn
				continue
			}
			if s.err.Kind == KindRectifiable && s.rectified {
				s.err.Kind = KindUpstream
			}
			g.onFailure(ctx, in, s)
			switch {
			case s.err.Kind == KindRectifiable:
				st = stepRectify
			case s.err.Kind.Retryable():
				s.lastErr = s.err
				s.failed = append(s.failed, s.provider.ID)
				st = stepSelect
			default:
				s.lastErr = s.err
				st = stepReturn
			}

		case stepRectify:
			fixed, res := rectify.Rectify(s.body)
			if !res.Applied {
				g.metrics.RecordRectify(string(in.app), s.provider.ID, "noop")
				s.err.Kind = KindUpstream
				s.lastErr = s.err
				st = stepReturn
				continue
			}
			g.metrics.RecordRectify(string(in.app), s.provider.ID, "applied")
			g.log.InfoContext(ctx, "rectify_applied",
				slog.String("request_id", in.requestID),
				slog.String("provider", s.provider.ID),
				slog.Int("removed_thinking_blocks", res.RemovedThinkingBlocks),
				slog.Int("removed_redacted_thinking_blocks", res.RemovedRedactedThinkingBlocks),
				slog.Int("removed_signature_fields", res.RemovedSignatureFields),
				slog.Bool("removed_thinking_config", res.RemovedThinkingConfig),
			)
			s.body, s.rectified = fixed, true
			st = stepDispatch

		case stepReturn:
			if s.err == nil && s.up != nil {
				return s.up, nil
			}
			return nil, g.exhausted(ctx, in, s)
		}
	}
}

// redact applies the runtime redaction rules to the inbound body once per
// request.
func (g *Gateway) redact(ctx context.Context, in *inbound) ([]byte, *Error) {
	cfg := g.runtime.Redaction()
	if !cfg.Enabled || len(cfg.Rules) == 0 {
		return in.body, nil
	}
	r, err := redact.Compile(cfg)
	if err != nil {
		if errors.Is(err, redact.ErrBlocked) {
			g.log.WarnContext(ctx, "redaction_blocked",
				slog.String("request_id", in.requestID),
				slog.String("error", err.Error()),
			)
			return nil, &Error{Kind: KindRedactionBlocked, Err: err}
		}
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}
	out, stats := r.Redact(in.body)
	for _, w := range stats.Warnings {
		g.log.WarnContext(ctx, "redaction_rule_skipped",
			slog.String("request_id", in.requestID),
			slog.String("warning", w),
		)
	}
	if stats.Replacements > 0 {
		g.metrics.AddRedactions(stats.PerRule)
		attrs := []any{
			slog.String("request_id", in.requestID),
			slog.Int("replacements", stats.Replacements),
		}
		for rule, n := range stats.PerRule {
			attrs = append(attrs, slog.Int("rule."+rule, n))
		}
		g.log.InfoContext(ctx, "redaction_applied", attrs...)
	}
	return out, nil
}

func (g *Gateway) onSuccess(ctx context.Context, in *inbound, s *attemptState) {
	g.status.success()
	if err := g.tracker.RecordSuccess(ctx, s.provider); err != nil {
		g.log.WarnContext(ctx, "health_update_failed",
			slog.String("provider", s.provider.ID),
			slog.String("error", err.Error()),
		)
	}
	if len(s.failed) > 0 {
		g.log.InfoContext(ctx, "failover_success",
			slog.String("request_id", in.requestID),
			slog.String("app", string(in.app)),
			slog.Any("failed", s.failed),
			slog.String("to", s.provider.ID),
			slog.Int("attempts", s.attempts),
		)
	}
}

// onFailure records one failed attempt: status counters, a ledger row and,
// for retryable errors, the provider's health.
func (g *Gateway) onFailure(ctx context.Context, in *inbound, s *attemptState) {
	err := s.err
	err.Provider = s.provider.ID
	g.status.failure(err.Error())

	level := slog.LevelWarn
	if err.Kind == KindClientAbort {
		level = slog.LevelInfo
	}
	g.log.Log(ctx, level, "provider_attempt_failed",
		slog.String("request_id", in.requestID),
		slog.String("app", string(in.app)),
		slog.String("provider", s.provider.ID),
		slog.Int("attempt", s.attempts),
		slog.String("reason", outcome(err)),
		slog.Bool("retryable", err.Kind.Retryable()),
		slog.String("error", err.Error()),
	)

	if err.Kind == KindConfig || err.Kind == KindInvalidRequest {
		return
	}
	g.recordAttempt(ctx, in, s.logID(in), s.provider, usage.Usage{}, err.HTTPStatus(), err.Error(), 0)

	if err.Kind.Retryable() {
		if _, herr := g.tracker.RecordFailure(ctx, s.provider, err.Error()); herr != nil {
			g.log.WarnContext(ctx, "health_update_failed",
				slog.String("provider", s.provider.ID),
				slog.String("error", herr.Error()),
			)
		}
	}
}

// exhausted converts the controller's final state into the client error.
func (g *Gateway) exhausted(ctx context.Context, in *inbound, s *attemptState) *Error {
	last := s.lastErr
	if last == nil {
		return &Error{Kind: KindNoAvailableProvider, Reason: "no_candidates_left"}
	}
	if !last.Kind.Retryable() {
		return last
	}

	g.metrics.RecordFailoverExhausted(string(in.app))
	g.log.WarnContext(ctx, "failover_exhausted",
		slog.String("request_id", in.requestID),
		slog.String("app", string(in.app)),
		slog.Int("attempts", s.attempts),
		slog.Any("failed", s.failed),
		slog.String("last_error", last.Error()),
	)
	switch last.Kind {
	case KindUpstreamRetryable, KindTimeout:
		return last
	}
	return &Error{
		Kind:     KindMaxRetriesExceeded,
		Provider: last.Provider,
		Reason:   fmt.Sprintf("all %d attempts failed", s.attempts),
		Err:      last,
	}
}

// recordAttempt writes one ledger row. Ledger failures are logged and
// swallowed.
func (g *Gateway) recordAttempt(ctx context.Context, in *inbound, id string, p *providers.Provider, u usage.Usage, status int, msg string, latency time.Duration) {
	if g.recorder == nil {
		return
	}
	model := in.model
	if u.Model != "" {
		model = u.Model
	}
	row, err := g.recorder.Record(ctx, usage.Entry{
		RequestID:    id,
		Provider:     p,
		Model:        model,
		Usage:        u,
		LatencyMS:    latency.Milliseconds(),
		StatusCode:   status,
		ErrorMessage: msg,
		SessionID:    in.sessionID,
	})
	if err != nil {
		g.log.WarnContext(ctx, "usage_record_failed",
			slog.String("request_id", in.requestID),
			slog.String("provider", p.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if row != nil && row.Success() {
		app := string(p.AppType)
		g.metrics.AddTokens(app, p.ID, row.InputTokens, row.OutputTokens, row.CacheReadTokens, row.CacheCreationTokens)
		usd, _ := row.TotalCost.Float64()
		g.metrics.AddCost(app, p.ID, usd)
	}
}
