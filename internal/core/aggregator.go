// Package core is the transaction aggregator and ledger writer: the only
// components that turn accumulated domain events into committed fills.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"LotLedger/internal/chain"
	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	"LotLedger/internal/observability"
	"LotLedger/internal/state"
	"LotLedger/internal/valuation"
)

// DefaultMaxEventsPerTx bounds the accumulator per transaction key. Real
// transactions carry a few dozen events; the cap is a safety valve against
// a runaway upstream, not a tuning knob.
const DefaultMaxEventsPerTx = 1000

const defaultIdempotencyCapacity = 1 << 20

// Config carries the aggregator's tunables.
type Config struct {
	MaxEventsPerTx      int
	IdempotencyCapacity int
}

func (c Config) withDefaults() Config {
	if c.MaxEventsPerTx <= 0 {
		c.MaxEventsPerTx = DefaultMaxEventsPerTx
	}
	if c.IdempotencyCapacity <= 0 {
		c.IdempotencyCapacity = defaultIdempotencyCapacity
	}
	return c
}

// Processor groups incoming domain events by transaction key and, once a
// transaction completes, runs valuation (or migration) and commits the
// result. Chains are processed independently: each chain's state is guarded
// by its own lock and event order within a chain is arrival order.
type Processor struct {
	cfg        Config
	store      state.Store
	valuation  *valuation.Engine
	writer     *Writer
	migrations *MigrationHandler
	vaults     chain.VaultResolver
	dedup      *IdempotencyChecker
	metrics    *observability.Metrics
	log        zerolog.Logger

	mu     sync.Mutex
	chains map[int64]*chainState
	loads  singleflight.Group

	committed chan<- *state.FillItem
}

// NotifyFills registers a channel that receives every committed fill, after
// persistence. Sends never block: a full channel drops the notification,
// downstream consumers can backfill from the store.
func (p *Processor) NotifyFills(ch chan<- *state.FillItem) {
	p.committed = ch
}

type chainState struct {
	mu           sync.Mutex
	currentBlock uint64
	txs          map[event.TxKey]*txGroup
	ordering     *OrderingGuard
}

// txGroup accumulates events for one (chain, block, tx) key.
type txGroup struct {
	key         event.TxKey
	events      []event.Event
	positionID  event.PositionID
	hasPosition bool
	snapshot    *snapshot

	// committed is the event count at the last fill computation; a flush
	// with no new events is a replay and must be a no-op.
	committed int
	dropped   int
}

type snapshot struct {
	pos  *state.Position
	lots []ledger.Lot
	inst state.Instrument
}

func NewProcessor(
	cfg Config,
	store state.Store,
	val *valuation.Engine,
	writer *Writer,
	migrations *MigrationHandler,
	vaults chain.VaultResolver,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*Processor, error) {
	cfg = cfg.withDefaults()
	dedup, err := NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics)
	if err != nil {
		return nil, err
	}
	return &Processor{
		cfg:        cfg,
		store:      store,
		valuation:  val,
		writer:     writer,
		migrations: migrations,
		vaults:     vaults,
		dedup:      dedup,
		metrics:    metrics,
		log:        log.With().Str("component", "aggregator").Logger(),
		chains:     make(map[int64]*chainState),
	}, nil
}

// Process ingests one domain event. Events for one chain must be delivered
// sequentially in emission order; events for different chains may arrive
// concurrently.
func (p *Processor) Process(ctx context.Context, ev event.Event) error {
	meta := ev.Meta()
	cs := p.chainFor(meta.ChainID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	eventType := ev.Type().String()
	isDup := p.dedup.IsDuplicate(eventType, ev.ID())

	if pid, ok := positionIDOf(ev); ok {
		if err := cs.ordering.Validate(pid, meta, isDup); err != nil {
			return err
		}
	}
	if isDup {
		p.countDrop(meta.ChainID, "duplicate")
		return nil
	}

	if meta.BlockNumber > cs.currentBlock {
		p.evictBefore(ctx, cs, meta.ChainID, meta.BlockNumber)
		cs.currentBlock = meta.BlockNumber
	}

	key := meta.TxKey()
	group, ok := cs.txs[key]
	if !ok {
		group = &txGroup{key: key}
		cs.txs[key] = group
		p.gaugeTracked(meta.ChainID, len(cs.txs))
	}

	if len(group.events) >= p.cfg.MaxEventsPerTx {
		group.dropped++
		p.countCapDrop(meta.ChainID)
		p.log.Warn().
			Stringer("tx", key).
			Int("dropped", group.dropped).
			Msg("per-transaction event cap hit, dropping event")
		return nil
	}

	group.events = append(group.events, ev)
	p.dedup.MarkProcessed(ev.ID())
	if p.metrics != nil {
		p.metrics.EventsIngested.WithLabelValues(fmt.Sprint(meta.ChainID), eventType).Inc()
	}

	if pid, ok := positionIDOf(ev); ok && !group.hasPosition {
		group.positionID = pid
		group.hasPosition = true
	}

	if needsSnapshot(ev.Type()) && group.snapshot == nil && group.hasPosition {
		snap, err := p.loadSnapshot(ctx, key, group.positionID)
		if err != nil {
			return err
		}
		group.snapshot = snap
	}

	if triggering(ev.Type()) {
		return p.flush(ctx, cs, group)
	}
	return nil
}

// Flush runs any pending fill computation for every tracked transaction.
// Called on shutdown so in-flight transactions are not lost.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	chains := make([]*chainState, 0, len(p.chains))
	for _, cs := range p.chains {
		chains = append(chains, cs)
	}
	p.mu.Unlock()

	var firstErr error
	for _, cs := range chains {
		cs.mu.Lock()
		for _, group := range cs.txs {
			if err := p.flush(ctx, cs, group); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		cs.mu.Unlock()
	}
	return firstErr
}

// flush runs the fill computation for one transaction key, exactly once per
// observed event count. A fatal error poisons only this transaction: the
// committed watermark still advances so the key is never retried against
// partially applied state.
func (p *Processor) flush(ctx context.Context, cs *chainState, group *txGroup) error {
	if len(group.events) == group.committed {
		return nil
	}
	group.committed = len(group.events)

	meta := group.events[0].Meta()
	start := time.Now()

	if pair, ok := detectMigration(group.events); ok {
		err := p.runMigration(ctx, cs, group, pair, meta)
		if err != nil {
			p.countFailure(meta.ChainID, "migration")
			p.log.Error().Err(err).Stringer("tx", group.key).Msg("migration failed")
		}
		return err
	}

	if !group.hasPosition {
		// Nothing here references a position: stray transfers or swaps
		// from an unrelated protocol interaction sharing the transaction.
		return nil
	}

	snap := group.snapshot
	if snap == nil {
		loaded, err := p.loadSnapshot(ctx, group.key, group.positionID)
		if err != nil {
			p.countFailure(meta.ChainID, "snapshot")
			return err
		}
		snap = loaded
		group.snapshot = snap
	}

	pos := snap.pos
	if pos == nil {
		created, err := p.createPosition(ctx, group, meta)
		if err != nil {
			p.countFailure(meta.ChainID, "create_position")
			return err
		}
		pos = created
		snap.pos = pos
	}
	applyOwnershipTransfers(pos, group.events)

	fill, err := p.valuation.Evaluate(ctx, group.events, pos, snap.inst)
	if err != nil {
		p.countFailure(meta.ChainID, "valuation")
		p.log.Error().Err(err).Stringer("tx", group.key).Msg("fill valuation failed")
		return err
	}

	item, err := p.writer.Commit(ctx, pos, snap.lots, fill, meta)
	if err != nil {
		p.countFailure(meta.ChainID, "commit")
		p.log.Error().Err(err).Stringer("tx", group.key).Msg("fill commit failed")
		return err
	}

	// The snapshot now reflects committed state in case a late event for
	// this key forces a second computation with a grown event set.
	snap.lots, err = p.store.Lots(ctx, pos.ID)
	if err != nil {
		return err
	}

	if p.committed != nil {
		select {
		case p.committed <- item:
		default:
			p.log.Warn().Stringer("tx", group.key).Msg("fill notification channel full, dropping")
		}
	}

	if p.metrics != nil {
		chainLabel := fmt.Sprint(meta.ChainID)
		p.metrics.FillsCommitted.WithLabelValues(chainLabel, item.FillType.String()).Inc()
		p.metrics.FillDuration.WithLabelValues(chainLabel).Observe(time.Since(start).Seconds())
		p.metrics.LotsOpen.WithLabelValues(chainLabel).Set(float64(pos.LotCount))
	}
	return nil
}

func (p *Processor) runMigration(ctx context.Context, cs *chainState, group *txGroup, pair migrationPair, meta event.Meta) error {
	snap, err := p.loadSnapshot(ctx, group.key, pair.OldID)
	if err != nil {
		return err
	}
	if snap.pos == nil {
		return fmt.Errorf("migration source position %s not found", pair.OldID)
	}
	if err := p.migrations.Process(ctx, group.events, pair, snap.pos, snap.lots, meta); err != nil {
		return err
	}
	cs.ordering.Forget(pair.OldID)
	return nil
}

// createPosition builds the position on its first triggering event. Owner
// comes from the upsert or mint event; the vault resolver supplies the
// proxy, falling back to the owner when the read fails.
func (p *Processor) createPosition(ctx context.Context, group *txGroup, meta event.Meta) (*state.Position, error) {
	owner := ""
	for _, ev := range group.events {
		switch t := ev.(type) {
		case *event.PositionUpserted:
			if t.Owner != "" {
				owner = t.Owner
			}
		case *event.TransferNFT:
			if t.IsMint() {
				owner = t.To
			}
		}
	}
	if owner == "" {
		return nil, fmt.Errorf("position %s: no creation event carries an owner", group.positionID)
	}

	symbol := group.positionID.InstrumentSymbol()
	if _, err := p.store.Instrument(ctx, symbol); err != nil {
		return nil, fmt.Errorf("position %s: unknown instrument %q: %w", group.positionID, symbol, err)
	}

	proxy := owner
	if p.vaults != nil {
		if v, err := p.vaults.Vault(ctx, group.positionID); err == nil && v != "" {
			proxy = v
		} else if err != nil {
			p.log.Warn().Err(err).Stringer("position", group.positionID).Msg("vault resolution failed, using owner")
		}
	}

	pos := state.NewPosition(group.positionID, owner, proxy, symbol, meta)
	p.log.Info().Stringer("position", pos.ID).Str("owner", owner).Str("instrument", symbol).Msg("position created")
	return pos, nil
}

// loadSnapshot reads position, lots and instrument for a transaction key,
// deduplicating concurrent loads for the same key: an in-flight load is
// shared, never issued twice.
func (p *Processor) loadSnapshot(ctx context.Context, key event.TxKey, id event.PositionID) (*snapshot, error) {
	flightKey := key.String()
	start := time.Now()
	v, err, shared := p.loads.Do(flightKey, func() (interface{}, error) {
		if p.metrics != nil {
			p.metrics.SnapshotLoads.Inc()
		}
		pos, err := p.store.Position(ctx, id)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}

		snap := &snapshot{pos: pos}
		if pos != nil {
			snap.lots, err = p.store.Lots(ctx, pos.ID)
			if err != nil {
				return nil, err
			}
			snap.inst, err = p.store.Instrument(ctx, pos.Instrument)
			if err != nil {
				return nil, err
			}
			return snap, nil
		}

		snap.inst, err = p.store.Instrument(ctx, id.InstrumentSymbol())
		if err != nil {
			return nil, fmt.Errorf("instrument for new position %s: %w", id, err)
		}
		return snap, nil
	})
	p.loads.Forget(flightKey)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		if shared {
			p.metrics.SnapshotLoadsShared.Inc()
		}
		p.metrics.SnapshotLoadDur.Observe(time.Since(start).Seconds())
	}
	return v.(*snapshot), nil
}

// evictBefore flushes and drops every transaction key on the chain older
// than the given block.
func (p *Processor) evictBefore(ctx context.Context, cs *chainState, chainID int64, block uint64) {
	for key, group := range cs.txs {
		if key.BlockNumber >= block {
			continue
		}
		if err := p.flush(ctx, cs, group); err != nil {
			p.log.Error().Err(err).Stringer("tx", key).Msg("pending fill failed during eviction")
		}
		delete(cs.txs, key)
		if p.metrics != nil {
			p.metrics.EvictedTransactions.WithLabelValues(fmt.Sprint(chainID)).Inc()
		}
	}
	p.gaugeTracked(chainID, len(cs.txs))
}

func (p *Processor) chainFor(chainID int64) *chainState {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.chains[chainID]
	if !ok {
		cs = &chainState{
			txs:      make(map[event.TxKey]*txGroup),
			ordering: NewOrderingGuard(p.metrics),
		}
		p.chains[chainID] = cs
	}
	return cs
}

// applyOwnershipTransfers tracks NFT ownership moves between wallets.
// Mints and burns are handled by creation and migration respectively.
func applyOwnershipTransfers(pos *state.Position, events []event.Event) {
	for _, ev := range events {
		nft, ok := ev.(*event.TransferNFT)
		if !ok || nft.IsMint() || nft.IsBurn() {
			continue
		}
		if nft.PositionID == pos.ID {
			pos.Owner = nft.To
		}
	}
}

func positionIDOf(ev event.Event) (event.PositionID, bool) {
	switch t := ev.(type) {
	case *event.PositionUpserted:
		return t.PositionID, true
	case *event.Debt:
		return t.PositionID, true
	case *event.Collateral:
		return t.PositionID, true
	case *event.FeeCollected:
		return t.PositionID, true
	case *event.Liquidation:
		return t.PositionID, true
	case *event.TransferNFT:
		return t.PositionID, true
	case *event.Migrated:
		return t.OldPositionID, true
	default:
		return event.PositionID{}, false
	}
}

// needsSnapshot reports whether an event type requires the position's prior
// state before the transaction can be valued.
func needsSnapshot(et event.EventType) bool {
	return et == event.EventTypePositionUpserted || et == event.EventTypeLiquidation
}

// triggering reports whether an event type completes a transaction: the
// end-of-strategy upsert or a liquidation.
func triggering(et event.EventType) bool {
	return et == event.EventTypePositionUpserted || et == event.EventTypeLiquidation
}

func (p *Processor) countDrop(chainID int64, reason string) {
	if p.metrics != nil {
		p.metrics.EventsDropped.WithLabelValues(fmt.Sprint(chainID), reason).Inc()
	}
}

func (p *Processor) countCapDrop(chainID int64) {
	if p.metrics != nil {
		p.metrics.EventCapDrops.WithLabelValues(fmt.Sprint(chainID)).Inc()
	}
}

func (p *Processor) countFailure(chainID int64, reason string) {
	if p.metrics != nil {
		p.metrics.FillsFailed.WithLabelValues(fmt.Sprint(chainID), reason).Inc()
	}
}

func (p *Processor) gaugeTracked(chainID int64, n int) {
	if p.metrics != nil {
		p.metrics.TrackedTransactions.WithLabelValues(fmt.Sprint(chainID)).Set(float64(n))
	}
}
