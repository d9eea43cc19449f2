// Package logger mirrors ledger rows into an external sink without blocking
// the request path.
//
// Rows are written to an internal buffered channel and flushed in batches by
// a background goroutine. If the channel fills up (> 10 000 entries), new
// rows are dropped and counted in DroppedLogs. The SQLite ledger stays the
// source of truth; the mirror is best effort.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/switchboard/internal/store"
	"github.com/nulpointcorp/switchboard/internal/usage"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Sink receives flushed batches.
type Sink interface {
	Write(ctx context.Context, batch []store.RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan store.RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64
	failedLogs  int64

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// New starts the flush loop. A nil sink logs rows through slogger.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		ch:      make(chan store.RequestLog, channelBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a copy of entry.
func (l *Logger) Log(entry store.RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// Observer adapts the logger to usage.Recorder.
func (l *Logger) Observer() usage.Observer {
	return func(row *store.RequestLog) {
		if row != nil {
			l.Log(*row)
		}
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// FailedLogs counts rows lost to sink write errors.
func (l *Logger) FailedLogs() int64 {
	return atomic.LoadInt64(&l.failedLogs)
}

// Close flushes pending rows and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			atomic.AddInt64(&l.failedLogs, int64(len(batch)))
			l.log.WarnContext(ctx, "request_log_sink_failed",
				slog.Int("rows", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			// The base context is usually cancelled by now; drain with a
			// bounded context of our own.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), 5*time.Second)
			defer cancel()
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		}
	}
}

// SlogSink writes one "request" record per row.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []store.RequestLog) error {
	for _, e := range batch {
		attrs := []any{
			slog.String("request_id", e.RequestID),
			slog.String("app", string(e.AppType)),
			slog.String("provider", e.ProviderID),
			slog.String("model", e.Model),
			slog.Int64("input_tokens", e.InputTokens),
			slog.Int64("output_tokens", e.OutputTokens),
			slog.Int64("cache_read_tokens", e.CacheReadTokens),
			slog.Int64("cache_creation_tokens", e.CacheCreationTokens),
			slog.String("total_cost_usd", e.TotalCost.String()),
			slog.Int64("latency_ms", e.LatencyMS),
			slog.Int("status", e.StatusCode),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		}
		if e.ErrorMessage != "" {
			attrs = append(attrs, slog.String("error", e.ErrorMessage))
		}
		if e.SessionID != "" {
			attrs = append(attrs, slog.String("session_id", e.SessionID))
		}
		s.log.InfoContext(ctx, "request", attrs...)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

func normalizeTime(epoch int64) time.Time {
	if epoch == 0 {
		return time.Now().UTC()
	}
	return time.Unix(epoch, 0).UTC()
}
