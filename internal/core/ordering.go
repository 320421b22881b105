package core

import (
	"fmt"

	"LotLedger/internal/event"
	"LotLedger/internal/observability"
)

// OrderingGuard enforces the chain's emission order per position: events
// must arrive in block order, and in log-index order within a block.
// Not thread-safe — owned by a single chain's processing loop.
type OrderingGuard struct {
	last    map[event.PositionID]eventCoord
	metrics *observability.Metrics
}

type eventCoord struct {
	block    uint64
	logIndex uint32
}

func NewOrderingGuard(metrics *observability.Metrics) *OrderingGuard {
	return &OrderingGuard{
		last:    make(map[event.PositionID]eventCoord),
		metrics: metrics,
	}
}

// Validate checks that the event does not regress behind the last one seen
// for its position. Duplicates are tolerated (the idempotency checker has
// already flagged them); a regression on a fresh event is an ordering bug
// in the delivery path and is rejected.
func (g *OrderingGuard) Validate(id event.PositionID, meta event.Meta, isDuplicate bool) error {
	cur := eventCoord{block: meta.BlockNumber, logIndex: meta.LogIndex}
	prev, tracked := g.last[id]

	if tracked && coordBefore(cur, prev) {
		if isDuplicate {
			return nil
		}
		g.recordOutOfOrder(meta.ChainID)
		return fmt.Errorf(
			"out-of-order event for %s: block %d log %d after block %d log %d",
			id, cur.block, cur.logIndex, prev.block, prev.logIndex,
		)
	}

	g.last[id] = cur
	return nil
}

// Forget drops tracking for a position, used once it has been migrated away.
func (g *OrderingGuard) Forget(id event.PositionID) {
	delete(g.last, id)
}

func coordBefore(a, b eventCoord) bool {
	if a.block != b.block {
		return a.block < b.block
	}
	return a.logIndex < b.logIndex
}

func (g *OrderingGuard) recordOutOfOrder(chainID int64) {
	if g.metrics != nil {
		g.metrics.OutOfOrderEvents.WithLabelValues(fmt.Sprint(chainID)).Inc()
	}
}
