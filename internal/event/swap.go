package event

import (
	"math/big"
)

// SwapExecuted records a spot swap performed while executing the
// transaction. A swap between the position's own base and quote tokens
// yields the fill's reference price; a swap touching only one of them is a
// cashflow swap (trader funded or withdrew in a third token).
type SwapExecuted struct {
	EventMeta Meta
	TokenIn   string
	TokenOut  string
	AmountIn  *big.Int
	AmountOut *big.Int
}

func (e *SwapExecuted) Meta() Meta      { return e.EventMeta }
func (e *SwapExecuted) Type() EventType { return EventTypeSwapExecuted }
func (e *SwapExecuted) ID() string      { return e.EventMeta.id(EventTypeSwapExecuted) }

// Liquidation is the canonical, money-market-agnostic liquidation event.
// Protocol-specific decoders (Aave, Compound, Euler, ...) normalize their
// raw logs into this shape before anything reaches the ledger core.
// CollateralDelta and DebtDelta are both negative: a liquidation seizes
// collateral and burns debt.
type Liquidation struct {
	EventMeta       Meta
	PositionID      PositionID
	CollateralDelta *big.Int
	DebtDelta       *big.Int

	// Interest accrued up to the liquidation, already settled by the
	// decoder. The ledger zeroes these on the fill it writes.
	LendingProfitToSettle *big.Int
	DebtCostToSettle      *big.Int
}

func (e *Liquidation) Meta() Meta      { return e.EventMeta }
func (e *Liquidation) Type() EventType { return EventTypeLiquidation }
func (e *Liquidation) ID() string      { return e.EventMeta.id(EventTypeLiquidation) }
