package valuation

import (
	"fmt"
	"math/big"

	"LotLedger/internal/event"
	bigmath "LotLedger/internal/math"
	"LotLedger/internal/state"
)

// cashflowResult is the fully decomposed cashflow of one transaction.
// Quote and Base are the economic totals with fees netted out; Token and
// Amount report the single raw leg with the largest quote swing.
type cashflowResult struct {
	Token  string
	Amount *big.Int
	Quote  *big.Int
	Base   *big.Int
}

// fees resolves the transaction's fee and converts it into both legs.
// An explicit FeeCollected event wins over the fee embedded in a legacy
// upsert event. An unrecognized fee currency is a hard error: silently
// dropping a fee would desync cumulative cashflow forever.
func (e *Engine) fees(events []event.Event, inst state.Instrument, price *big.Int) (fee *big.Int, ccy event.Currency, feeBase, feeQuote *big.Int, err error) {
	fee, ccy = bigmath.Zero(), event.CurrencyNone

	for _, ev := range events {
		fc, ok := ev.(*event.FeeCollected)
		if !ok {
			continue
		}
		fee = bigmath.Add(fee, fc.Amount)
		switch {
		case event.AddrEqual(fc.Token, inst.Base.Address):
			ccy = event.CurrencyBase
		case event.AddrEqual(fc.Token, inst.Quote.Address):
			ccy = event.CurrencyQuote
		default:
			return nil, 0, nil, nil, fmt.Errorf("fee token %s is neither leg of instrument %s", fc.Token, inst.ID)
		}
	}

	if bigmath.IsZero(fee) {
		for _, ev := range events {
			up, ok := ev.(*event.PositionUpserted)
			if !ok || up.Fee == nil || bigmath.IsZero(up.Fee) {
				continue
			}
			fee, ccy = bigmath.Copy(up.Fee), up.FeeCcy
			break
		}
	}

	baseUnit := inst.Base.Unit()
	switch ccy {
	case event.CurrencyBase:
		feeBase = bigmath.Copy(fee)
		feeQuote = toQuote(fee, price, baseUnit)
	case event.CurrencyQuote:
		feeQuote = bigmath.Copy(fee)
		feeBase = toBase(fee, price, baseUnit)
	case event.CurrencyNone:
		if !bigmath.IsZero(fee) {
			return nil, 0, nil, nil, fmt.Errorf("fee %s carries no currency tag", fee)
		}
		feeBase, feeQuote = bigmath.Zero(), bigmath.Zero()
	default:
		return nil, 0, nil, nil, fmt.Errorf("unknown fee currency tag %d", ccy)
	}
	return fee, ccy, feeBase, feeQuote, nil
}

// cashflows nets the transaction's ERC-20 transfers into a per-token view,
// converts everything into both instrument legs at the reference price, and
// nets fees out of the economic totals.
//
// A swap touching exactly one position token overrides the transfer walk:
// the trader funded (or exited) the position in a third token and the swap's
// position-token leg is the authoritative cashflow.
func (e *Engine) cashflows(
	events []event.Event,
	pos *state.Position,
	inst state.Instrument,
	price *big.Int,
	feeBase, feeQuote *big.Int,
) cashflowResult {
	baseUnit := inst.Base.Unit()

	if swap := cashflowSwap(events, inst); swap != nil {
		res := cashflowResult{}
		var touched string
		var signed *big.Int
		if event.AddrEqual(swap.TokenOut, inst.Base.Address) || event.AddrEqual(swap.TokenOut, inst.Quote.Address) {
			// Funds flowed in: foreign token swapped into a position token.
			touched = swap.TokenOut
			signed = bigmath.Copy(swap.AmountOut)
			res.Token = swap.TokenIn
			res.Amount = bigmath.Copy(swap.AmountIn)
		} else {
			touched = swap.TokenIn
			signed = bigmath.Neg(swap.AmountIn)
			res.Token = swap.TokenOut
			res.Amount = bigmath.Neg(swap.AmountOut)
		}
		if event.AddrEqual(touched, inst.Quote.Address) {
			res.Quote = signed
			res.Base = toBase(signed, price, baseUnit)
		} else {
			res.Base = signed
			res.Quote = toQuote(signed, price, baseUnit)
		}
		res.Quote = bigmath.Sub(res.Quote, feeQuote)
		res.Base = bigmath.Sub(res.Base, feeBase)
		return res
	}

	nets, order := e.transferNets(events, pos)

	quoteNet, baseNet := bigmath.Zero(), bigmath.Zero()
	for token, amt := range nets {
		switch {
		case event.AddrEqual(token, inst.Quote.Address):
			quoteNet = bigmath.Add(quoteNet, amt)
		case event.AddrEqual(token, inst.Base.Address):
			baseNet = bigmath.Add(baseNet, amt)
		}
	}

	res := cashflowResult{
		Amount: bigmath.Zero(),
		Quote:  bigmath.Sub(bigmath.Add(quoteNet, toQuote(baseNet, price, baseUnit)), feeQuote),
		Base:   bigmath.Sub(bigmath.Add(baseNet, toBase(quoteNet, price, baseUnit)), feeBase),
	}

	// Reported token: largest quote-denominated swing, first occurrence on ties.
	bestSwing := bigmath.Zero()
	for _, token := range order {
		amt := nets[token]
		if bigmath.IsZero(amt) {
			continue
		}
		var swing *big.Int
		switch {
		case event.AddrEqual(token, inst.Quote.Address):
			swing = bigmath.Abs(amt)
		case event.AddrEqual(token, inst.Base.Address):
			swing = bigmath.Abs(toQuote(amt, price, baseUnit))
		default:
			swing = bigmath.Abs(amt)
		}
		if swing.Cmp(bestSwing) > 0 {
			bestSwing = swing
			res.Token = token
			res.Amount = bigmath.Copy(amt)
		}
	}
	return res
}

// transferNets sums signed transfer amounts per token, keeping only legs
// where the position's vault or owner moved funds, plus wrapped-native
// mint/burn legs where the counterparty is the zero address.
func (e *Engine) transferNets(events []event.Event, pos *state.Position) (map[string]*big.Int, []string) {
	nets := make(map[string]*big.Int)
	var order []string

	wrapped := ""
	if e.wrapped != nil {
		wrapped = e.wrapped.WrappedNative(pos.ID.ChainID)
	}

	add := func(token string, amt *big.Int) {
		key := event.NormalizeAddr(token)
		if _, seen := nets[key]; !seen {
			nets[key] = bigmath.Zero()
			order = append(order, key)
		}
		nets[key] = bigmath.Add(nets[key], amt)
	}

	for _, ev := range events {
		tr, ok := ev.(*event.Transfer)
		if !ok {
			continue
		}
		// Positive means value entering the position. The vault takes
		// precedence: a deposit from the owner into the vault is one
		// inflow, not an internal move.
		switch {
		case event.AddrEqual(tr.To, pos.Proxy) && !event.AddrEqual(tr.From, pos.Proxy):
			add(tr.Token, tr.Amount)
		case event.AddrEqual(tr.From, pos.Proxy) && !event.AddrEqual(tr.To, pos.Proxy):
			add(tr.Token, bigmath.Neg(tr.Amount))
		case event.AddrEqual(tr.From, pos.Owner):
			// Trader paid an intermediary on the position's behalf.
			add(tr.Token, tr.Amount)
		case event.AddrEqual(tr.To, pos.Owner):
			add(tr.Token, bigmath.Neg(tr.Amount))
		case wrapped != "" && event.AddrEqual(tr.Token, wrapped):
			// Wrapped-native mint/burn with a non-party counterparty:
			// native value entering or leaving through an intermediary.
			if event.AddrEqual(tr.From, event.ZeroAddress) {
				add(tr.Token, tr.Amount)
			} else if event.AddrEqual(tr.To, event.ZeroAddress) {
				add(tr.Token, bigmath.Neg(tr.Amount))
			}
		}
	}
	return nets, order
}

// cashflowSwap returns the swap that funds or exits the position through a
// third token: exactly one side is a position token. A base<->quote swap is
// the trade itself, not a cashflow, and both-foreign swaps are routing hops.
func cashflowSwap(events []event.Event, inst state.Instrument) *event.SwapExecuted {
	isLeg := func(addr string) bool {
		return event.AddrEqual(addr, inst.Base.Address) || event.AddrEqual(addr, inst.Quote.Address)
	}
	for _, ev := range events {
		swap, ok := ev.(*event.SwapExecuted)
		if !ok {
			continue
		}
		if isLeg(swap.TokenIn) != isLeg(swap.TokenOut) {
			return swap
		}
	}
	return nil
}
