// Package valuation turns one transaction's worth of domain events into the
// economic description of a fill: reference price, fees, cashflow
// decomposition, collateral/debt deltas and the per-leg costs the lot ledger
// charges new lots with.
package valuation

import (
	"context"
	"math/big"

	"github.com/rs/zerolog"

	"LotLedger/internal/chain"
	"LotLedger/internal/event"
	bigmath "LotLedger/internal/math"
	"LotLedger/internal/state"
)

type Engine struct {
	oracle  chain.Oracle
	wrapped chain.WrappedNative
	log     zerolog.Logger
}

func NewEngine(oracle chain.Oracle, wrapped chain.WrappedNative, log zerolog.Logger) *Engine {
	return &Engine{
		oracle:  oracle,
		wrapped: wrapped,
		log:     log.With().Str("component", "valuation").Logger(),
	}
}

// Evaluate values a completed transaction against the position's current
// state. events must be the full, log-index-ordered group for one
// (chain, block, tx) key. The position is read, never mutated.
func (e *Engine) Evaluate(ctx context.Context, events []event.Event, pos *state.Position, inst state.Instrument) (*PartialFillItem, error) {
	price, source := e.referencePrice(ctx, events, inst)

	fee, feeCcy, feeBase, feeQuote, err := e.fees(events, inst, price)
	if err != nil {
		return nil, err
	}

	cf := e.cashflows(events, pos, inst, price, feeBase, feeQuote)

	d, err := e.deltas(events, pos, price, inst)
	if err != nil {
		return nil, err
	}

	fill := &PartialFillItem{
		TradedBy:              tradedBy(events),
		FillType:              classify(pos, d),
		CollateralDelta:       d.collateral,
		DebtDelta:             d.debt,
		LendingProfitToSettle: d.lendingProfit,
		DebtCostToSettle:      d.debtCost,
		Fee:                   fee,
		FeeCcy:                feeCcy,
		FeeBase:               feeBase,
		FeeQuote:              feeQuote,
		Cashflow:              cf.Amount,
		CashflowToken:         cf.Token,
		CashflowQuote:         cf.Quote,
		CashflowBase:          cf.Base,
		Price:                 price,
		PriceSource:           source,
	}

	// The long leg holds collateral and pays quote; the short leg holds
	// quote debt and carries base-denominated cost.
	fill.CostLong = bigmath.Neg(bigmath.Add(fill.DebtDelta, fill.CashflowQuote))
	fill.CostShort = bigmath.Sub(fill.CollateralDelta, fill.CashflowBase)

	fill.FillPrice = bigmath.Zero()
	if !bigmath.IsZero(fill.CollateralDelta) {
		fill.FillPrice = bigmath.Abs(bigmath.MulDiv(fill.CostLong, inst.Base.Unit(), fill.CollateralDelta))
	}

	// A fill with no external cashflow prices itself: the implied price of
	// its own cost over its own size. Fills that do move cash with no price
	// source are rejected later by the writer, not here.
	if fill.PriceSource == state.PriceSourceNone &&
		bigmath.IsZero(fill.CashflowQuote) && bigmath.IsZero(fill.CashflowBase) {
		fill.Price = bigmath.Copy(fill.FillPrice)
		fill.PriceSource = state.PriceSourceFill
	}

	return fill, nil
}

type deltaResult struct {
	collateral    *big.Int
	debt          *big.Int
	lendingProfit *big.Int
	debtCost      *big.Int
	liquidated    bool
}

// deltas resolves the transaction's collateral and debt movement. Liquidation
// events are authoritative when present; explicit Debt/Collateral events come
// next and also yield settle-to-date interest via their balanceBefore fields;
// legacy upsert events are the last resort, deriving debt algebraically from
// quantity, price and cashflow.
func (e *Engine) deltas(events []event.Event, pos *state.Position, price *big.Int, inst state.Instrument) (deltaResult, error) {
	d := deltaResult{
		collateral:    bigmath.Zero(),
		debt:          bigmath.Zero(),
		lendingProfit: bigmath.Zero(),
		debtCost:      bigmath.Zero(),
	}

	for _, ev := range events {
		if liq, ok := ev.(*event.Liquidation); ok {
			d.collateral = bigmath.Add(d.collateral, liq.CollateralDelta)
			d.debt = bigmath.Add(d.debt, liq.DebtDelta)
			d.liquidated = true
		}
	}
	if d.liquidated {
		// Liquidation interest is settled by the money-market decoder
		// before the canonical event reaches us; folding it in again here
		// would double-count. Kept zeroed to match observed accounting,
		// intent unverified upstream.
		return d, nil
	}

	d.lendingProfit, d.debtCost = SettleAmounts(events, pos)

	explicit := false
	for _, ev := range events {
		switch t := ev.(type) {
		case *event.Debt:
			d.debt = bigmath.Add(d.debt, t.Delta)
			explicit = true
		case *event.Collateral:
			d.collateral = bigmath.Add(d.collateral, t.Delta)
			explicit = true
		}
	}
	if explicit {
		return d, nil
	}

	for _, ev := range events {
		up, ok := ev.(*event.PositionUpserted)
		if !ok || up.Quantity == nil || bigmath.IsZero(up.Quantity) {
			continue
		}
		d.collateral = bigmath.Copy(up.Quantity)
		baseUnit := inst.Base.Unit()
		notional := bigmath.MulDiv(up.Quantity, price, baseUnit)
		switch up.CashflowCcy {
		case event.CurrencyQuote:
			d.debt = bigmath.Sub(notional, up.Cashflow)
		case event.CurrencyBase:
			d.debt = bigmath.MulDiv(bigmath.Sub(up.Quantity, up.Cashflow), price, baseUnit)
		default:
			d.debt = notional
		}
		return d, nil
	}

	return d, nil
}

// SettleAmounts extracts the interest accrued between the position's last
// recorded balances and the balances the money market reported before this
// transaction moved anything. Only the first event of each kind carries a
// meaningful balanceBefore: later ones in the same transaction observe
// balances we moved ourselves. Negative drift clamps to zero.
func SettleAmounts(events []event.Event, pos *state.Position) (lendingProfit, debtCost *big.Int) {
	lendingProfit, debtCost = bigmath.Zero(), bigmath.Zero()
	seenDebt, seenColl := false, false
	for _, ev := range events {
		switch t := ev.(type) {
		case *event.Debt:
			if !seenDebt {
				debtCost = bigmath.Max0(bigmath.Sub(t.BalanceBefore, pos.Debt))
				seenDebt = true
			}
		case *event.Collateral:
			if !seenColl {
				lendingProfit = bigmath.Max0(bigmath.Sub(t.BalanceBefore, pos.Collateral))
				seenColl = true
			}
		}
	}
	return lendingProfit, debtCost
}

func classify(pos *state.Position, d deltaResult) state.FillType {
	after := bigmath.Add(pos.Collateral, d.collateral)
	if d.liquidated {
		if after.Sign() <= 0 {
			return state.FillTypeLiquidatedFull
		}
		return state.FillTypeLiquidatedPartial
	}
	if bigmath.IsZero(pos.Collateral) {
		return state.FillTypeOpened
	}
	if after.Sign() <= 0 {
		return state.FillTypeClosed
	}
	return state.FillTypeModified
}

func tradedBy(events []event.Event) string {
	for _, ev := range events {
		if up, ok := ev.(*event.PositionUpserted); ok && up.TradedBy != "" {
			return up.TradedBy
		}
	}
	return ""
}
