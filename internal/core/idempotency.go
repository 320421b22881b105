package core

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"LotLedger/internal/observability"
)

// IdempotencyChecker deduplicates domain events by identity key with a
// two-tier lookup: a hot in-memory LRU backed by the persistent event log.
// Replays after a restart miss the LRU and fall through to the log.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

// DBIdempotencyChecker answers whether an event identity key has already
// been committed, from durable storage.
type DBIdempotencyChecker interface {
	SeenEvent(eventID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
	}, nil
}

// IsDuplicate reports whether the event was already processed.
func (ic *IdempotencyChecker) IsDuplicate(eventType, eventID string) bool {
	if _, ok := ic.lru.Get(eventID); ok {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		seen, err := ic.dbChecker.SeenEvent(eventID)
		if err != nil {
			// A storage hiccup must not block ingestion; worst case a
			// duplicate reaches the aggregator, whose own event-count
			// guard makes the replayed fill a no-op.
			return false
		}
		if seen {
			ic.recordDuplicate(eventType, "db")
			ic.lru.Add(eventID, struct{}{})
			return true
		}
	}

	return false
}

// MarkProcessed records the key after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(eventID string) {
	ic.lru.Add(eventID, struct{}{})
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
