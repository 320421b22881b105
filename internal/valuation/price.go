package valuation

import (
	"context"
	"math/big"

	"LotLedger/internal/event"
	bigmath "LotLedger/internal/math"
	"LotLedger/internal/state"
)

// referencePrice derives the price used to convert between the instrument's
// quote and base legs, in quote units per one whole base unit (10^baseDecimals).
//
// Derivation order: a base<->quote swap inside the transaction beats the price
// carried on a legacy upsert event, which beats the oracle mark. When all three
// are unavailable the price is zero and tagged None; the writer decides whether
// that is acceptable for the fill at hand.
func (e *Engine) referencePrice(ctx context.Context, events []event.Event, inst state.Instrument) (*big.Int, state.PriceSource) {
	baseUnit := inst.Base.Unit()

	for _, ev := range events {
		swap, ok := ev.(*event.SwapExecuted)
		if !ok {
			continue
		}
		switch {
		case event.AddrEqual(swap.TokenIn, inst.Quote.Address) && event.AddrEqual(swap.TokenOut, inst.Base.Address):
			if !bigmath.IsZero(swap.AmountOut) {
				return bigmath.MulDiv(swap.AmountIn, baseUnit, swap.AmountOut), state.PriceSourceSwap
			}
		case event.AddrEqual(swap.TokenIn, inst.Base.Address) && event.AddrEqual(swap.TokenOut, inst.Quote.Address):
			if !bigmath.IsZero(swap.AmountIn) {
				return bigmath.MulDiv(swap.AmountOut, baseUnit, swap.AmountIn), state.PriceSourceSwap
			}
		}
	}

	for _, ev := range events {
		up, ok := ev.(*event.PositionUpserted)
		if !ok {
			continue
		}
		if up.Price != nil && !bigmath.IsZero(up.Price) {
			return bigmath.Copy(up.Price), state.PriceSourceSwap
		}
	}

	if e.oracle != nil && len(events) > 0 {
		meta := events[0].Meta()
		mark, err := e.oracle.MarkPrice(ctx, inst, meta.BlockNumber)
		if err == nil && mark != nil && !bigmath.IsZero(mark) {
			return mark, state.PriceSourceMark
		}
		if err != nil {
			e.log.Debug().
				Err(err).
				Str("instrument", inst.ID).
				Uint64("block", meta.BlockNumber).
				Msg("mark price unavailable, fill may be priced retroactively")
		}
	}

	return bigmath.Zero(), state.PriceSourceNone
}

// toQuote converts a base-denominated amount to quote units at price.
// A zero price converts everything to zero; callers only rely on the
// converted leg when a price source exists.
func toQuote(amount, price, baseUnit *big.Int) *big.Int {
	if bigmath.IsZero(price) {
		return bigmath.Zero()
	}
	return bigmath.MulDiv(amount, price, baseUnit)
}

// toBase converts a quote-denominated amount to base units at price.
func toBase(amount, price, baseUnit *big.Int) *big.Int {
	if bigmath.IsZero(price) {
		return bigmath.Zero()
	}
	return bigmath.MulDiv(amount, baseUnit, price)
}
