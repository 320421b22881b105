package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"LotLedger/internal/observability"
)

// EventLogWorker drains the event-log channel and batch-writes to Postgres.
// Sends into the channel block, so if the worker falls behind the ingest
// pump stalls instead of losing rows.
type EventLogWorker struct {
	writer       *EventLogWriter
	input        <-chan EventRow
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewEventLogWorker(
	db *sql.DB,
	input <-chan EventRow,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *EventLogWorker {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushTimeout <= 0 {
		flushTimeout = 500 * time.Millisecond
	}
	return &EventLogWorker{
		writer:       NewEventLogWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "event_log_worker").Logger(),
	}
}

// Run batches incoming rows and flushes when the batch fills or the flush
// timeout expires. Blocks until ctx is cancelled or the channel closes; a
// final flush runs on either exit path.
func (w *EventLogWorker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	finalFlush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.flush(context.Background(), batch); err != nil {
			w.log.Error().Err(err).Int("rows", len(batch)).Msg("final event log flush failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return ctx.Err()

		case row, ok := <-w.input:
			if !ok {
				finalFlush()
				return nil
			}
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The event log is append-only bookkeeping for
// replay; dropping a batch would blind restart-level deduplication.
func (w *EventLogWorker) flushWithRetry(ctx context.Context, rows []EventRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(rows)).
				Msg("event log write retry")
			select {
			case <-ctx.Done():
				// One last attempt off the cancelled context so shutdown
				// does not drop the batch.
				if err := w.flush(context.Background(), rows); err != nil {
					w.log.Error().Err(err).Msg("event log flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("event log flush recovered")
			}
			return
		}
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("event_log").Inc()
		}
	}
}

func (w *EventLogWorker) flush(ctx context.Context, rows []EventRow) error {
	start := time.Now()
	if err := w.writer.WriteBatch(ctx, rows); err != nil {
		return fmt.Errorf("write event batch: %w", err)
	}
	if w.metrics != nil {
		w.metrics.PersistDur.WithLabelValues("event_log").Observe(time.Since(start).Seconds())
	}
	return nil
}
