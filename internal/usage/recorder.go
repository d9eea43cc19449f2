package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/switchboard/internal/pricing"
	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/store"
)

// Ledger persists request logs together with their daily aggregate.
type Ledger interface {
	InsertRequestLog(ctx context.Context, l *store.RequestLog) error
}

// PriceTable resolves model prices.
type PriceTable interface {
	Lookup(ctx context.Context, model string) (pricing.Price, bool, error)
}

// Observer is notified after a log row was written, e.g. to mirror it into
// metrics or an external sink.
type Observer func(*store.RequestLog)

// Entry describes one finished upstream attempt.
type Entry struct {
	RequestID    string
	Provider     *providers.Provider
	Model        string
	Usage        Usage
	LatencyMS    int64
	StatusCode   int
	ErrorMessage string
	SessionID    string
}

// Options configures a Recorder.
type Options struct {
	Ledger    Ledger
	Prices    PriceTable
	Observers []Observer
	Logger    *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Recorder prices entries and writes them to the ledger.
type Recorder struct {
	ledger    Ledger
	prices    PriceTable
	observers []Observer
	log       *slog.Logger
	now       func() time.Time
}

// NewRecorder builds a Recorder.
func NewRecorder(opts Options) *Recorder {
	r := &Recorder{
		ledger:    opts.Ledger,
		prices:    opts.Prices,
		observers: opts.Observers,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Record prices e, appends it to the ledger and notifies observers. Pricing
// problems degrade to zero cost; only the ledger write can fail.
func (r *Recorder) Record(ctx context.Context, e Entry) (*store.RequestLog, error) {
	if e.Provider == nil {
		return nil, fmt.Errorf("usage: record: provider is required")
	}
	model := e.Model
	if model == "" {
		model = e.Usage.Model
	}
	tokens := e.Usage.Finalize()
	cost := r.price(ctx, e.Provider, model, tokens)

	id := e.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	row := &store.RequestLog{
		RequestID:           id,
		ProviderID:          e.Provider.ID,
		AppType:             e.Provider.AppType,
		Model:               model,
		InputTokens:         tokens.Input,
		OutputTokens:        tokens.Output,
		CacheReadTokens:     tokens.CacheRead,
		CacheCreationTokens: tokens.CacheCreation,
		InputCost:           cost.Input,
		OutputCost:          cost.Output,
		CacheReadCost:       cost.CacheRead,
		CacheCreationCost:   cost.CacheCreation,
		TotalCost:           cost.Total,
		LatencyMS:           e.LatencyMS,
		StatusCode:          e.StatusCode,
		ErrorMessage:        e.ErrorMessage,
		SessionID:           e.SessionID,
		CreatedAt:           r.now().Unix(),
	}

	if r.ledger != nil {
		if err := r.ledger.InsertRequestLog(ctx, row); err != nil {
			return row, fmt.Errorf("usage: record %s: %w", id, err)
		}
	}
	for _, obs := range r.observers {
		obs(row)
	}
	return row, nil
}

func (r *Recorder) price(ctx context.Context, p *providers.Provider, model string, t Tokens) Cost {
	if r.prices == nil {
		return ZeroCost
	}
	price, ok, err := r.prices.Lookup(ctx, model)
	if err != nil {
		r.log.WarnContext(ctx, "pricing_lookup_failed",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		return ZeroCost
	}
	if !ok {
		return ZeroCost
	}
	mult, err := ParseMultiplier(p.Meta.CostMultiplier)
	if err != nil {
		r.log.WarnContext(ctx, "invalid_cost_multiplier",
			slog.String("provider", p.ID),
			slog.String("error", err.Error()),
		)
	}
	return Compute(t, price, mult)
}
