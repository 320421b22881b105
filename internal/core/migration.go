package core

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	bigmath "LotLedger/internal/math"
	"LotLedger/internal/observability"
	"LotLedger/internal/state"
	"LotLedger/internal/valuation"
)

// migrationPair is an NFT burn+mint for two different position ids inside
// one transaction: the protocol re-created the position under a new id.
type migrationPair struct {
	OldID event.PositionID
	NewID event.PositionID
}

// detectMigration scans a transaction's events for a burn+mint pair. A
// Migrated event is authoritative when present; otherwise the pair is
// reconstructed from the raw NFT transfers.
func detectMigration(events []event.Event) (migrationPair, bool) {
	for _, ev := range events {
		if m, ok := ev.(*event.Migrated); ok {
			return migrationPair{OldID: m.OldPositionID, NewID: m.NewPositionID}, true
		}
	}

	var burned, minted *event.PositionID
	for _, ev := range events {
		nft, ok := ev.(*event.TransferNFT)
		if !ok {
			continue
		}
		if nft.IsBurn() {
			id := nft.PositionID
			burned = &id
		} else if nft.IsMint() {
			id := nft.PositionID
			minted = &id
		}
	}
	if burned != nil && minted != nil && *burned != *minted {
		return migrationPair{OldID: *burned, NewID: *minted}, true
	}
	return migrationPair{}, false
}

// MigrationHandler transplants a position's cost basis onto its successor
// id. Old lots are discarded wholesale rather than closed through the FIFO
// path: a migration is a bookkeeping rename (possibly with a currency
// conversion), not a market-driven closing, so it must not realize P&L.
type MigrationHandler struct {
	store   state.Store
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewMigrationHandler(store state.Store, metrics *observability.Metrics, log zerolog.Logger) *MigrationHandler {
	return &MigrationHandler{
		store:   store,
		metrics: metrics,
		log:     log.With().Str("component", "migration").Logger(),
	}
}

// Process executes one migration: settles in-transaction interest into the
// old lots, transplants them under the new id (rescaling through the swap
// rate when the base currency changes), closes the old position with a
// forward pointer and writes the paired close+open fill items.
func (h *MigrationHandler) Process(
	ctx context.Context,
	events []event.Event,
	pair migrationPair,
	oldPos *state.Position,
	oldLots []ledger.Lot,
	meta event.Meta,
) error {
	oldInst, err := h.store.Instrument(ctx, oldPos.Instrument)
	if err != nil {
		return fmt.Errorf("load instrument %s: %w", oldPos.Instrument, err)
	}
	newSymbol := pair.NewID.InstrumentSymbol()
	if newSymbol == "" {
		newSymbol = oldPos.Instrument
	}
	newInst, err := h.store.Instrument(ctx, newSymbol)
	if err != nil {
		return fmt.Errorf("load successor instrument %s: %w", newSymbol, err)
	}

	lendingProfit, debtCost := valuation.SettleAmounts(events, oldPos)
	res, err := ledger.UpdateLots(
		oldLots,
		bigmath.Zero(), bigmath.Zero(),
		lendingProfit, debtCost,
		ledger.SideCosts{Long: bigmath.Zero(), Short: bigmath.Zero()},
		ledger.LotMeta{PositionID: oldPos.ID, Block: meta.BlockNumber, Timestamp: meta.BlockTimestamp, TxHash: meta.TxHash},
	)
	if err != nil {
		return fmt.Errorf("settle migration interest for %s: %w", oldPos.ID, err)
	}
	settled := res.After

	baseChanged := !event.AddrEqual(oldInst.Base.Address, newInst.Base.Address)
	swap := baseSwap(events, oldInst, newInst)
	if baseChanged && swap == nil {
		// The classification upstream promised a conversion; without the
		// swap there is no rate to carry cost basis across. Unrecoverable.
		return fmt.Errorf(
			"migration %s -> %s changes base %s -> %s but no conversion swap present",
			pair.OldID, pair.NewID, oldInst.Base.Symbol, newInst.Base.Symbol,
		)
	}

	mode := state.FillTypeMigrateLendingMarket
	scale := func(v *big.Int) *big.Int { return bigmath.Copy(v) }
	if baseChanged {
		mode = state.FillTypeMigrateBaseCurrencyClose
		scale = func(v *big.Int) *big.Int { return bigmath.MulDiv(v, swap.AmountOut, swap.AmountIn) }
	}

	newLots := transplantLots(res.Lots, pair.NewID, scale, meta)
	newAgg := ledger.NetAggregates(newLots)

	closeFill := h.migrationFill(oldPos.ID, mode, meta,
		bigmath.Neg(settled.NetCollateral), bigmath.Neg(settled.NetDebt),
		lendingProfit, debtCost,
		settled, ledger.Aggregates{
			GrossCollateral: bigmath.Zero(), NetCollateral: bigmath.Zero(),
			GrossDebt: bigmath.Zero(), NetDebt: bigmath.Zero(),
		},
		migrationPrice(res.Lots, oldInst),
	)

	openMode := mode
	if baseChanged {
		openMode = state.FillTypeMigrateBaseCurrencyOpen
	}
	openFill := h.migrationFill(pair.NewID, openMode, meta,
		newAgg.NetCollateral, newAgg.NetDebt,
		bigmath.Zero(), bigmath.Zero(),
		ledger.Aggregates{
			GrossCollateral: bigmath.Zero(), NetCollateral: bigmath.Zero(),
			GrossDebt: bigmath.Zero(), NetDebt: bigmath.Zero(),
		}, newAgg,
		migrationPrice(newLots, newInst),
	)

	newPos := state.NewPosition(pair.NewID, oldPos.Owner, oldPos.Proxy, newInst.ID, meta)
	newPos.Collateral = bigmath.Copy(newAgg.NetCollateral)
	newPos.Debt = bigmath.Copy(newAgg.NetDebt)
	newPos.LotCount = len(newLots)
	for _, lot := range newLots {
		if lot.Side == ledger.SideLong {
			newPos.LongCost = bigmath.Add(newPos.LongCost, lot.OpenCost)
		} else {
			newPos.ShortCost = bigmath.Add(newPos.ShortCost, lot.OpenCost)
		}
	}
	newPos.UpdatedBlock = meta.BlockNumber

	migratedTo := pair.NewID
	oldPos.Collateral = bigmath.Zero()
	oldPos.Debt = bigmath.Zero()
	oldPos.LendingProfitToSettle = bigmath.Zero()
	oldPos.DebtCostToSettle = bigmath.Zero()
	oldPos.LongCost = bigmath.Zero()
	oldPos.ShortCost = bigmath.Zero()
	oldPos.LotCount = 0
	oldPos.Open = false
	oldPos.MigratedTo = &migratedTo
	oldPos.UpdatedBlock = meta.BlockNumber

	if err := h.persist(ctx, oldPos, newPos, oldLots, newLots, closeFill, openFill); err != nil {
		return err
	}

	if h.metrics != nil {
		label := "lending_market"
		if baseChanged {
			label = "base_currency"
		}
		h.metrics.Migrations.WithLabelValues(fmt.Sprint(meta.ChainID), label).Inc()
	}
	h.log.Info().
		Stringer("from", pair.OldID).
		Stringer("to", pair.NewID).
		Bool("base_changed", baseChanged).
		Int("lots", len(newLots)).
		Msg("position migrated")
	return nil
}

func (h *MigrationHandler) persist(
	ctx context.Context,
	oldPos, newPos *state.Position,
	oldLots, newLots []ledger.Lot,
	closeFill, openFill *state.FillItem,
) error {
	if err := h.store.PutPosition(ctx, oldPos); err != nil {
		return fmt.Errorf("persist migrated position %s: %w", oldPos.ID, err)
	}
	for _, lot := range oldLots {
		if err := h.store.DeleteLot(ctx, lot.ID()); err != nil {
			return fmt.Errorf("discard lot %v: %w", lot.ID(), err)
		}
	}
	if err := h.store.PutPosition(ctx, newPos); err != nil {
		return fmt.Errorf("persist successor position %s: %w", newPos.ID, err)
	}
	for _, lot := range newLots {
		if err := h.store.PutLot(ctx, lot); err != nil {
			return fmt.Errorf("persist transplanted lot %v: %w", lot.ID(), err)
		}
	}
	if err := h.store.PutFillItem(ctx, closeFill); err != nil {
		return fmt.Errorf("persist migration close fill: %w", err)
	}
	if err := h.store.PutFillItem(ctx, openFill); err != nil {
		return fmt.Errorf("persist migration open fill: %w", err)
	}
	return nil
}

func (h *MigrationHandler) migrationFill(
	id event.PositionID,
	fillType state.FillType,
	meta event.Meta,
	collateralDelta, debtDelta *big.Int,
	lendingProfit, debtCost *big.Int,
	before, after ledger.Aggregates,
	price *big.Int,
) *state.FillItem {
	return &state.FillItem{
		ID:                    uuid.New(),
		PositionID:            id,
		ChainID:               meta.ChainID,
		BlockNumber:           meta.BlockNumber,
		Timestamp:             meta.BlockTimestamp,
		TxHash:                meta.TxHash,
		FillType:              fillType,
		CollateralDelta:       collateralDelta,
		DebtDelta:             debtDelta,
		LendingProfitSettled:  lendingProfit,
		DebtCostSettled:       debtCost,
		Fee:                   bigmath.Zero(),
		FeeCcy:                event.CurrencyNone,
		FeeBase:               bigmath.Zero(),
		FeeQuote:              bigmath.Zero(),
		Cashflow:              bigmath.Zero(),
		CashflowQuote:         bigmath.Zero(),
		CashflowBase:          bigmath.Zero(),
		Price:                 price,
		PriceSource:           state.PriceSourceFill,
		FillPrice:             bigmath.Copy(price),
		RealizedPnLBase:       bigmath.Zero(),
		RealizedPnLQuote:      bigmath.Zero(),
		GrossCollateralBefore: before.GrossCollateral,
		GrossCollateralAfter:  after.GrossCollateral,
		CollateralBefore:      before.NetCollateral,
		CollateralAfter:       after.NetCollateral,
		GrossDebtBefore:       before.GrossDebt,
		GrossDebtAfter:        after.GrossDebt,
		DebtBefore:            before.NetDebt,
		DebtAfter:             after.NetDebt,
	}
}

// transplantLots re-homes every open lot under the successor id. Base
// denominated fields (long sizes, short costs) pass through scale, which is
// identity for a lending-market migration and the swap rate for a base
// currency change.
func transplantLots(lots []ledger.Lot, newID event.PositionID, scale func(*big.Int) *big.Int, meta event.Meta) []ledger.Lot {
	long, short := ledger.BySide(lots)
	out := make([]ledger.Lot, 0, len(lots))
	for _, side := range [][]ledger.Lot{long, short} {
		idx := 0
		for _, lot := range side {
			if !lot.Open() {
				continue
			}
			moved := lot.Clone()
			moved.PositionID = newID
			moved.Index = idx
			if lot.Side == ledger.SideLong {
				moved.Size = scale(lot.Size)
				moved.GrossSize = scale(lot.GrossSize)
			} else {
				moved.OpenCost = scale(lot.OpenCost)
				moved.GrossOpenCost = scale(lot.GrossOpenCost)
			}
			moved.CreatedBlock = meta.BlockNumber
			moved.CreatedAt = meta.BlockTimestamp
			moved.CreatedTx = meta.TxHash
			out = append(out, moved)
			idx++
		}
	}
	return out
}

// migrationPrice derives a carry-over price from the lots themselves: the
// aggregate long cost over the aggregate long size. Market prices are
// deliberately not consulted, the transplant must be economically neutral.
func migrationPrice(lots []ledger.Lot, inst state.Instrument) *big.Int {
	agg := ledger.NetAggregates(lots)
	if bigmath.IsZero(agg.NetCollateral) {
		return bigmath.Zero()
	}
	cost := bigmath.Zero()
	for _, lot := range lots {
		if lot.Side == ledger.SideLong && lot.Open() {
			cost = bigmath.Add(cost, lot.OpenCost)
		}
	}
	return bigmath.Abs(bigmath.MulDiv(cost, inst.Base.Unit(), agg.NetCollateral))
}

// baseSwap finds the swap converting the old base currency into the new one.
func baseSwap(events []event.Event, oldInst, newInst state.Instrument) *event.SwapExecuted {
	for _, ev := range events {
		swap, ok := ev.(*event.SwapExecuted)
		if !ok {
			continue
		}
		if event.AddrEqual(swap.TokenIn, oldInst.Base.Address) && event.AddrEqual(swap.TokenOut, newInst.Base.Address) {
			if !bigmath.IsZero(swap.AmountIn) {
				return swap
			}
		}
	}
	return nil
}
