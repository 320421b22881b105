package ledger

import (
	"fmt"
	"math/big"

	"LotLedger/internal/event"
	bigmath "LotLedger/internal/math"
)

// This file is the single place lot state is mutated. UpdateLots clones its
// input before touching anything, so a caller observing an error sees no
// partial application.

// Aggregates are the side sums of a lot set. Gross values are
// principal-only; net values include allocated interest. Debt figures are
// absolute (short lot sizes are stored negative).
type Aggregates struct {
	GrossCollateral *big.Int
	NetCollateral   *big.Int
	GrossDebt       *big.Int
	NetDebt         *big.Int
}

// SideCosts carries the per-leg fill cost of one transaction. Long is quote
// denominated, Short base denominated. On a growing side the cost becomes
// the new lot's open cost; on a shrinking side it offsets the released cost
// to produce realized P&L.
type SideCosts struct {
	Long  *big.Int
	Short *big.Int
}

// UpdateResult is the outcome of one UpdateLots call.
type UpdateResult struct {
	// Lots is the full updated set, including lots fully closed by this
	// transaction (stamped with their closing block). The ledger writer
	// compacts and prunes.
	Lots []Lot

	Before Aggregates
	After  Aggregates

	// RealizedQuote is the long-leg realized P&L (released cost minus fill
	// cost), RealizedBase the short-leg equivalent. Zero on a growing side.
	RealizedQuote *big.Int
	RealizedBase  *big.Int
}

// LotMeta carries the chain coordinates stamped onto newly opened lots.
type LotMeta struct {
	PositionID event.PositionID
	Block      uint64
	Timestamp  int64
	TxHash     string
}

// AllocateFundingCost distributes an interest settlement across the open
// lots of one side, pro-rated by each lot's current open cost. The final
// open lot absorbs the rounding remainder so the allocated total is exact.
// Amounts are signed; a negative amount contracts costs. No-op on zero.
func AllocateFundingCost(lots []Lot, amount *big.Int) {
	if bigmath.IsZero(amount) {
		return
	}
	open := openIndexes(lots)
	if len(open) == 0 {
		return
	}

	weights := make([]*big.Int, len(open))
	for i, idx := range open {
		weights[i] = lots[idx].OpenCost
	}
	shares := bigmath.ProRata(amount, weights)
	for i, idx := range open {
		lots[idx].OpenCost = bigmath.Add(lots[idx].OpenCost, shares[i])
	}
}

// AllocateFundingProfit distributes an interest settlement across the open
// lots of one side, pro-rated by each lot's current size. Remainder rule and
// sign handling match AllocateFundingCost.
func AllocateFundingProfit(lots []Lot, amount *big.Int) {
	if bigmath.IsZero(amount) {
		return
	}
	open := openIndexes(lots)
	if len(open) == 0 {
		return
	}

	weights := make([]*big.Int, len(open))
	for i, idx := range open {
		weights[i] = lots[idx].Size
	}
	shares := bigmath.ProRata(amount, weights)
	for i, idx := range open {
		lots[idx].Size = bigmath.Add(lots[idx].Size, shares[i])
	}
}

// OpenLot appends a new lot. A fresh lot has no historical interest skew:
// net equals gross on both size and cost.
func OpenLot(lots []Lot, side Side, size, cost *big.Int, meta LotMeta) []Lot {
	if bigmath.IsZero(size) {
		return lots
	}
	lot := Lot{
		PositionID:    meta.PositionID,
		Side:          side,
		Index:         nextIndex(lots),
		Size:          bigmath.Copy(size),
		GrossSize:     bigmath.Copy(size),
		OpenCost:      bigmath.Copy(cost),
		GrossOpenCost: bigmath.Copy(cost),
		CreatedBlock:  meta.Block,
		CreatedAt:     meta.Timestamp,
		CreatedTx:     meta.TxHash,
	}
	return append(lots, lot)
}

// CloseSize consumes lots FIFO from the oldest surviving lot forward until
// sizeDelta is exhausted. sizeDelta carries the opposite sign of the side's
// lot sizes. Partially consumed lots shrink proportionally on gross size and
// both costs; fully consumed lots are stamped with the closing block.
// Returns the open cost released by the consumption.
//
// Callers clamp sizeDelta to the side's aggregate size: overshoot is a bug
// upstream, and any residual after the last lot is simply not applied.
func CloseSize(lots []Lot, sizeDelta *big.Int, closedBlock uint64) *big.Int {
	released := bigmath.Zero()
	remaining := bigmath.Copy(sizeDelta)

	for i := range lots {
		if remaining.Sign() == 0 {
			break
		}
		lot := &lots[i]
		if bigmath.IsZero(lot.Size) {
			continue
		}
		if lot.Size.Sign() == remaining.Sign() {
			// Same sign means the delta grows this side; nothing to close.
			continue
		}

		var closedSize *big.Int
		if bigmath.CmpAbs(remaining, lot.Size) >= 0 {
			closedSize = bigmath.Neg(lot.Size)
		} else {
			closedSize = bigmath.Copy(remaining)
		}

		grossClosedSize := bigmath.MulDiv(closedSize, lot.GrossSize, lot.Size)
		closedCost := bigmath.MulDiv(lot.OpenCost, closedSize, lot.Size)
		grossClosedCost := bigmath.MulDiv(lot.GrossOpenCost, closedSize, lot.Size)

		lot.Size = bigmath.Add(lot.Size, closedSize)
		lot.GrossSize = bigmath.Add(lot.GrossSize, grossClosedSize)
		lot.OpenCost = bigmath.Add(lot.OpenCost, closedCost)
		lot.GrossOpenCost = bigmath.Add(lot.GrossOpenCost, grossClosedCost)

		released.Add(released, closedCost)
		remaining.Sub(remaining, closedSize)

		if lot.Size.Sign() == 0 {
			lot.ClosedBlock = closedBlock
		}
	}

	return released
}

// NetAggregates sums gross and net sizes over long lots and the absolute
// sums over short lots.
func NetAggregates(lots []Lot) Aggregates {
	agg := Aggregates{
		GrossCollateral: bigmath.Zero(),
		NetCollateral:   bigmath.Zero(),
		GrossDebt:       bigmath.Zero(),
		NetDebt:         bigmath.Zero(),
	}
	for _, l := range lots {
		if l.Side == SideLong {
			agg.GrossCollateral.Add(agg.GrossCollateral, l.GrossSize)
			agg.NetCollateral.Add(agg.NetCollateral, l.Size)
		} else {
			agg.GrossDebt.Add(agg.GrossDebt, bigmath.Abs(l.GrossSize))
			agg.NetDebt.Add(agg.NetDebt, bigmath.Abs(l.Size))
		}
	}
	return agg
}

// UpdateLots applies one transaction's worth of lot mutation: allocate
// accrued interest to existing lots, snapshot aggregates, then open a new
// lot on each growing side and close FIFO on each shrinking side,
// independently for collateral and debt.
//
// Interest direction: lending profit enlarges long lot sizes and contracts
// short lot costs; debt cost enlarges short lot sizes and contracts long
// lot costs.
func UpdateLots(
	current []Lot,
	collateralDelta, debtDelta *big.Int,
	lendingProfit, debtCost *big.Int,
	costs SideCosts,
	meta LotMeta,
) (UpdateResult, error) {
	long, short := BySide(CloneLots(current))

	if !bigmath.IsZero(lendingProfit) {
		AllocateFundingProfit(long, lendingProfit)
		AllocateFundingCost(short, bigmath.Neg(lendingProfit))
	}
	if !bigmath.IsZero(debtCost) {
		AllocateFundingProfit(short, bigmath.Neg(debtCost))
		AllocateFundingCost(long, debtCost)
	}

	before := sideAggregates(long, short)

	realizedQuote := bigmath.Zero()
	realizedBase := bigmath.Zero()

	switch {
	case bigmath.IsZero(collateralDelta):
		// Exactly zero: neither opens nor closes a lot.
	case collateralDelta.Sign() > 0:
		long = OpenLot(long, SideLong, collateralDelta, costs.Long, meta)
	default:
		delta := clampClose(collateralDelta, before.NetCollateral)
		released := CloseSize(long, delta, meta.Block)
		realizedQuote = bigmath.Sub(released, costs.Long)
	}

	lotDelta := bigmath.Neg(debtDelta)
	switch {
	case bigmath.IsZero(debtDelta):
	case lotDelta.Sign() < 0:
		// Debt drawn: short book grows.
		short = OpenLot(short, SideShort, lotDelta, costs.Short, meta)
	default:
		delta := clampClose(lotDelta, before.NetDebt)
		released := CloseSize(short, delta, meta.Block)
		realizedBase = bigmath.Sub(released, costs.Short)
	}

	combined := make([]Lot, 0, len(long)+len(short))
	combined = append(combined, long...)
	combined = append(combined, short...)
	for _, l := range combined {
		if err := l.Validate(); err != nil {
			return UpdateResult{}, fmt.Errorf("lot update: %w", err)
		}
	}

	return UpdateResult{
		Lots:          combined,
		Before:        before,
		After:         NetAggregates(combined),
		RealizedQuote: realizedQuote,
		RealizedBase:  realizedBase,
	}, nil
}

// clampClose bounds a closing delta so consumption stops exactly at zero.
// bound is the side's absolute aggregate size.
func clampClose(delta, bound *big.Int) *big.Int {
	if bigmath.CmpAbs(delta, bound) <= 0 {
		return delta
	}
	out := bigmath.Abs(bound)
	if delta.Sign() < 0 {
		out.Neg(out)
	}
	return out
}

func sideAggregates(long, short []Lot) Aggregates {
	agg := NetAggregates(long)
	shortAgg := NetAggregates(short)
	agg.GrossDebt = shortAgg.GrossDebt
	agg.NetDebt = shortAgg.NetDebt
	return agg
}

func openIndexes(lots []Lot) []int {
	var open []int
	for i := range lots {
		if lots[i].Open() {
			open = append(open, i)
		}
	}
	return open
}

func nextIndex(lots []Lot) int {
	next := 0
	for _, l := range lots {
		if l.Index >= next {
			next = l.Index + 1
		}
	}
	return next
}
