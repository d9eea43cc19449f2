package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

// DateLayout is the UTC calendar-date key of usage_daily_stats.
const DateLayout = "2006-01-02"

// RequestLog is one immutable ledger entry.
type RequestLog struct {
	RequestID           string            `json:"requestId"`
	ProviderID          string            `json:"providerId"`
	AppType             providers.AppType `json:"appType"`
	Model               string            `json:"model"`
	InputTokens         int64             `json:"inputTokens"`
	OutputTokens        int64             `json:"outputTokens"`
	CacheReadTokens     int64             `json:"cacheReadTokens"`
	CacheCreationTokens int64             `json:"cacheCreationTokens"`
	InputCost           decimal.Decimal   `json:"inputCostUsd"`
	OutputCost          decimal.Decimal   `json:"outputCostUsd"`
	CacheReadCost       decimal.Decimal   `json:"cacheReadCostUsd"`
	CacheCreationCost   decimal.Decimal   `json:"cacheCreationCostUsd"`
	TotalCost           decimal.Decimal   `json:"totalCostUsd"`
	LatencyMS           int64             `json:"latencyMs"`
	StatusCode          int               `json:"statusCode"`
	ErrorMessage        string            `json:"errorMessage,omitempty"`
	SessionID           string            `json:"sessionId,omitempty"`
	CreatedAt           int64             `json:"createdAt"` // epoch seconds
}

// Success reports whether the entry counts toward success_count.
func (l *RequestLog) Success() bool {
	return l.StatusCode >= 200 && l.StatusCode < 300
}

// DailyStat is one usage_daily_stats row.
type DailyStat struct {
	Date                     string            `json:"date"`
	ProviderID               string            `json:"providerId"`
	AppType                  providers.AppType `json:"appType"`
	Model                    string            `json:"model"`
	RequestCount             int64             `json:"requestCount"`
	TotalInputTokens         int64             `json:"totalInputTokens"`
	TotalOutputTokens        int64             `json:"totalOutputTokens"`
	TotalCacheReadTokens     int64             `json:"totalCacheReadTokens"`
	TotalCacheCreationTokens int64             `json:"totalCacheCreationTokens"`
	TotalCostUSD             decimal.Decimal   `json:"totalCostUsd"`
	SuccessCount             int64             `json:"successCount"`
	ErrorCount               int64             `json:"errorCount"`
}

// InsertRequestLog writes l and folds it into the daily aggregate of its UTC
// date in one transaction.
func (s *Store) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	if l.RequestID == "" {
		return errors.New("store: request id is required")
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().Unix()
	}
	date := time.Unix(l.CreatedAt, 0).UTC().Format(DateLayout)
	success, failure := 0, 1
	if l.Success() {
		success, failure = 1, 0
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO proxy_request_logs (
				request_id, provider_id, app_type, model,
				input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
				input_cost_usd, output_cost_usd, cache_read_cost_usd, cache_creation_cost_usd, total_cost_usd,
				latency_ms, status_code, error_message, session_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.RequestID, l.ProviderID, string(l.AppType), l.Model,
			l.InputTokens, l.OutputTokens, l.CacheReadTokens, l.CacheCreationTokens,
			l.InputCost.String(), l.OutputCost.String(), l.CacheReadCost.String(),
			l.CacheCreationCost.String(), l.TotalCost.String(),
			l.LatencyMS, l.StatusCode, nullString(l.ErrorMessage), nullString(l.SessionID), l.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert request log: %w", err)
		}

		// SQLite cannot add decimal strings exactly, so the running total is
		// read and summed here inside the same write transaction.
		total := l.TotalCost
		var prev string
		err = tx.QueryRowContext(ctx, `SELECT total_cost_usd FROM usage_daily_stats
			WHERE date = ? AND provider_id = ? AND app_type = ? AND model = ?`,
			date, l.ProviderID, string(l.AppType), l.Model).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("store: read daily stats: %w", err)
		default:
			p, perr := decimal.NewFromString(prev)
			if perr != nil {
				return fmt.Errorf("store: daily total %q: %w", prev, perr)
			}
			total = total.Add(p)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO usage_daily_stats (
				date, provider_id, app_type, model, request_count,
				total_input_tokens, total_output_tokens, total_cache_read_tokens, total_cache_creation_tokens,
				total_cost_usd, success_count, error_count
			) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, provider_id, app_type, model) DO UPDATE SET
				request_count = usage_daily_stats.request_count + 1,
				total_input_tokens = usage_daily_stats.total_input_tokens + excluded.total_input_tokens,
				total_output_tokens = usage_daily_stats.total_output_tokens + excluded.total_output_tokens,
				total_cache_read_tokens = usage_daily_stats.total_cache_read_tokens + excluded.total_cache_read_tokens,
				total_cache_creation_tokens = usage_daily_stats.total_cache_creation_tokens + excluded.total_cache_creation_tokens,
				total_cost_usd = excluded.total_cost_usd,
				success_count = usage_daily_stats.success_count + excluded.success_count,
				error_count = usage_daily_stats.error_count + excluded.error_count`,
			date, l.ProviderID, string(l.AppType), l.Model,
			l.InputTokens, l.OutputTokens, l.CacheReadTokens, l.CacheCreationTokens,
			total.String(), success, failure)
		if err != nil {
			return fmt.Errorf("store: upsert daily stats: %w", err)
		}
		return nil
	})
}

// SumCost returns the total spend of a provider over the inclusive UTC date
// range [from, to] (DateLayout strings).
func (s *Store) SumCost(ctx context.Context, app providers.AppType, id, from, to string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT total_cost_usd FROM usage_daily_stats
		WHERE app_type = ? AND provider_id = ? AND date >= ? AND date <= ?`,
		string(app), id, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: sum cost: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sum := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, fmt.Errorf("store: scan cost: %w", err)
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("store: cost %q: %w", v, err)
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

// DailyStats returns aggregate rows with date >= since, newest first.
func (s *Store) DailyStats(ctx context.Context, since string) ([]DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, provider_id, app_type, model, request_count,
			total_input_tokens, total_output_tokens, total_cache_read_tokens, total_cache_creation_tokens,
			total_cost_usd, success_count, error_count
		FROM usage_daily_stats WHERE date >= ?
		ORDER BY date DESC, app_type, provider_id, model`, since)
	if err != nil {
		return nil, fmt.Errorf("store: daily stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DailyStat
	for rows.Next() {
		var (
			d    DailyStat
			app  string
			cost string
		)
		if err := rows.Scan(&d.Date, &d.ProviderID, &app, &d.Model, &d.RequestCount,
			&d.TotalInputTokens, &d.TotalOutputTokens, &d.TotalCacheReadTokens, &d.TotalCacheCreationTokens,
			&cost, &d.SuccessCount, &d.ErrorCount); err != nil {
			return nil, fmt.Errorf("store: scan daily stats: %w", err)
		}
		d.AppType = providers.AppType(app)
		if d.TotalCostUSD, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("store: daily cost %q: %w", cost, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentRequestLogs returns up to limit ledger entries, newest first.
func (s *Store) RecentRequestLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, provider_id, app_type, model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			input_cost_usd, output_cost_usd, cache_read_cost_usd, cache_creation_cost_usd, total_cost_usd,
			latency_ms, status_code, error_message, session_id, created_at
		FROM proxy_request_logs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent request logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RequestLog
	for rows.Next() {
		var (
			l                     RequestLog
			app                   string
			in, outC, cr, cc, tot string
			errMsg, session       sql.NullString
		)
		if err := rows.Scan(&l.RequestID, &l.ProviderID, &app, &l.Model,
			&l.InputTokens, &l.OutputTokens, &l.CacheReadTokens, &l.CacheCreationTokens,
			&in, &outC, &cr, &cc, &tot,
			&l.LatencyMS, &l.StatusCode, &errMsg, &session, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan request log: %w", err)
		}
		l.AppType = providers.AppType(app)
		l.ErrorMessage = errMsg.String
		l.SessionID = session.String
		for _, f := range []struct {
			src string
			dst *decimal.Decimal
		}{{in, &l.InputCost}, {outC, &l.OutputCost}, {cr, &l.CacheReadCost}, {cc, &l.CacheCreationCost}, {tot, &l.TotalCost}} {
			d, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, fmt.Errorf("store: request log cost %q: %w", f.src, err)
			}
			*f.dst = d
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
