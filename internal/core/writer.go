package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	bigmath "LotLedger/internal/math"
	"LotLedger/internal/observability"
	"LotLedger/internal/state"
	"LotLedger/internal/valuation"
)

// Writer is the single component allowed to mutate persisted positions,
// lots and fill items. It applies one valued fill to the lot book, enforces
// the pre-commit invariants, and persists everything.
//
// The store offers no multi-entity transactions; the writer's invariant
// checks run before the first write so a failure aborts with nothing
// committed. Partial write failures are surfaced as errors and counted.
type Writer struct {
	store   state.Store
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewWriter(store state.Store, metrics *observability.Metrics, log zerolog.Logger) *Writer {
	return &Writer{
		store:   store,
		metrics: metrics,
		log:     log.With().Str("component", "writer").Logger(),
	}
}

// Commit applies a valued fill to the position's lot book and persists the
// mutated position, the compacted lot set and the new fill item. pos is
// mutated in place only after all invariants pass; an invariant failure
// leaves it untouched.
func (w *Writer) Commit(
	ctx context.Context,
	pos *state.Position,
	lots []ledger.Lot,
	fill *valuation.PartialFillItem,
	meta event.Meta,
) (*state.FillItem, error) {
	if fill.PriceSource == state.PriceSourceNone && !zeroCashflow(fill) {
		return nil, fmt.Errorf("position %s: fill moves cash with no reference price", pos.ID)
	}

	res, err := ledger.UpdateLots(
		lots,
		fill.CollateralDelta, fill.DebtDelta,
		fill.LendingProfitToSettle, fill.DebtCostToSettle,
		ledger.SideCosts{Long: fill.CostLong, Short: fill.CostShort},
		ledger.LotMeta{
			PositionID: pos.ID,
			Block:      meta.BlockNumber,
			Timestamp:  meta.BlockTimestamp,
			TxHash:     meta.TxHash,
		},
	)
	if err != nil {
		return nil, err
	}

	kept, pruned := compactLots(lots, res.Lots)
	for _, lot := range kept {
		if lot.PositionID != pos.ID {
			return nil, fmt.Errorf("lot %v claims foreign position, want %s", lot.ID(), pos.ID)
		}
		if err := lot.Validate(); err != nil {
			return nil, err
		}
	}

	item := &state.FillItem{
		ID:                   uuid.New(),
		PositionID:           pos.ID,
		TradedBy:             fill.TradedBy,
		ChainID:              meta.ChainID,
		BlockNumber:          meta.BlockNumber,
		Timestamp:            meta.BlockTimestamp,
		TxHash:               meta.TxHash,
		FillType:             fill.FillType,
		CollateralDelta:      bigmath.Copy(fill.CollateralDelta),
		DebtDelta:            bigmath.Copy(fill.DebtDelta),
		LendingProfitSettled: bigmath.Copy(fill.LendingProfitToSettle),
		DebtCostSettled:      bigmath.Copy(fill.DebtCostToSettle),
		Fee:                  bigmath.Copy(fill.Fee),
		FeeCcy:               fill.FeeCcy,
		FeeBase:              bigmath.Copy(fill.FeeBase),
		FeeQuote:             bigmath.Copy(fill.FeeQuote),
		Cashflow:             bigmath.Copy(fill.Cashflow),
		CashflowToken:        fill.CashflowToken,
		CashflowQuote:        bigmath.Copy(fill.CashflowQuote),
		CashflowBase:         bigmath.Copy(fill.CashflowBase),
		Price:                bigmath.Copy(fill.Price),
		PriceSource:          fill.PriceSource,
		FillPrice:            bigmath.Copy(fill.FillPrice),
		RealizedPnLQuote:     bigmath.Copy(res.RealizedQuote),
		RealizedPnLBase:      bigmath.Copy(res.RealizedBase),

		GrossCollateralBefore: res.Before.GrossCollateral,
		GrossCollateralAfter:  res.After.GrossCollateral,
		CollateralBefore:      res.Before.NetCollateral,
		CollateralAfter:       res.After.NetCollateral,
		GrossDebtBefore:       res.Before.GrossDebt,
		GrossDebtAfter:        res.After.GrossDebt,
		DebtBefore:            res.Before.NetDebt,
		DebtAfter:             res.After.NetDebt,
	}

	newCollateral := bigmath.Add(bigmath.Add(pos.Collateral, fill.CollateralDelta), fill.LendingProfitToSettle)
	newDebt := bigmath.Add(bigmath.Add(pos.Debt, fill.DebtDelta), fill.DebtCostToSettle)
	if newCollateral.Cmp(res.After.NetCollateral) != 0 || newDebt.Cmp(res.After.NetDebt) != 0 {
		return nil, fmt.Errorf(
			"position %s: lot book diverged from position (collateral %s vs %s, debt %s vs %s)",
			pos.ID, res.After.NetCollateral, newCollateral, res.After.NetDebt, newDebt,
		)
	}

	applyToPosition(pos, fill, res, kept, meta)

	if err := w.persist(ctx, pos, kept, pruned, item); err != nil {
		return nil, err
	}

	w.log.Info().
		Stringer("position", pos.ID).
		Str("tx", meta.TxHash).
		Stringer("fill_type", item.FillType).
		Str("collateral_delta", item.CollateralDelta.String()).
		Str("debt_delta", item.DebtDelta.String()).
		Str("realized_quote", item.RealizedPnLQuote.String()).
		Str("realized_base", item.RealizedPnLBase.String()).
		Int("lots", len(kept)).
		Msg("fill committed")

	return item, nil
}

func (w *Writer) persist(
	ctx context.Context,
	pos *state.Position,
	kept []ledger.Lot,
	pruned []ledger.LotID,
	item *state.FillItem,
) error {
	if err := w.store.PutPosition(ctx, pos); err != nil {
		w.countPersistError("position")
		return fmt.Errorf("persist position %s: %w", pos.ID, err)
	}
	for _, lot := range kept {
		if err := w.store.PutLot(ctx, lot); err != nil {
			w.countPersistError("lot")
			return fmt.Errorf("persist lot %v: %w", lot.ID(), err)
		}
	}
	for _, id := range pruned {
		if err := w.store.DeleteLot(ctx, id); err != nil {
			w.countPersistError("lot")
			return fmt.Errorf("prune lot %v: %w", id, err)
		}
	}
	if err := w.store.PutFillItem(ctx, item); err != nil {
		w.countPersistError("fill_item")
		return fmt.Errorf("persist fill %s: %w", item.ID, err)
	}
	return nil
}

func (w *Writer) countPersistError(entity string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(entity).Inc()
	}
}

// applyToPosition folds the committed fill into the position aggregate.
// Settled interest moves balances the same way it grew the lot book, so the
// lot-consistency invariant keeps holding after every commit.
func applyToPosition(
	pos *state.Position,
	fill *valuation.PartialFillItem,
	res ledger.UpdateResult,
	kept []ledger.Lot,
	meta event.Meta,
) {
	pos.Collateral = bigmath.Add(bigmath.Add(pos.Collateral, fill.CollateralDelta), fill.LendingProfitToSettle)
	pos.Debt = bigmath.Add(bigmath.Add(pos.Debt, fill.DebtDelta), fill.DebtCostToSettle)
	pos.LendingProfitToSettle = bigmath.Zero()
	pos.DebtCostToSettle = bigmath.Zero()

	pos.FeesBase = bigmath.Add(pos.FeesBase, fill.FeeBase)
	pos.FeesQuote = bigmath.Add(pos.FeesQuote, fill.FeeQuote)
	pos.CashflowBase = bigmath.Add(pos.CashflowBase, fill.CashflowBase)
	pos.CashflowQuote = bigmath.Add(pos.CashflowQuote, fill.CashflowQuote)
	pos.RealizedPnLQuote = bigmath.Add(pos.RealizedPnLQuote, res.RealizedQuote)
	pos.RealizedPnLBase = bigmath.Add(pos.RealizedPnLBase, res.RealizedBase)

	pos.LotCount = len(kept)
	pos.LongCost = bigmath.Zero()
	pos.ShortCost = bigmath.Zero()
	for _, lot := range kept {
		if lot.Side == ledger.SideLong {
			pos.LongCost = bigmath.Add(pos.LongCost, lot.OpenCost)
		} else {
			pos.ShortCost = bigmath.Add(pos.ShortCost, lot.OpenCost)
		}
	}

	pos.Open = pos.Collateral.Sign() > 0
	pos.UpdatedBlock = meta.BlockNumber
}

// compactLots drops fully closed lots and reindexes each side's survivors
// to a dense 0..n-1 range in FIFO order. Previously persisted slots beyond
// the new count are returned for deletion.
func compactLots(previous, updated []ledger.Lot) (kept []ledger.Lot, pruned []ledger.LotID) {
	long, short := ledger.BySide(updated)
	kept = append(kept, reindex(long)...)
	kept = append(kept, reindex(short)...)

	liveLong, liveShort := 0, 0
	for _, lot := range kept {
		if lot.Side == ledger.SideLong {
			liveLong++
		} else {
			liveShort++
		}
	}
	for _, lot := range previous {
		live := liveLong
		if lot.Side == ledger.SideShort {
			live = liveShort
		}
		if lot.Index >= live {
			pruned = append(pruned, lot.ID())
		}
	}
	return kept, pruned
}

func reindex(lots []ledger.Lot) []ledger.Lot {
	open := make([]ledger.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Open() {
			open = append(open, lot)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Index < open[j].Index })
	for i := range open {
		open[i].Index = i
	}
	return open
}

func zeroCashflow(fill *valuation.PartialFillItem) bool {
	return bigmath.IsZero(fill.CashflowQuote) && bigmath.IsZero(fill.CashflowBase)
}
