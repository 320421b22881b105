package event

import (
	"math/big"
)

// Debt records a change to a position's borrowed amount (quote units).
// Delta is positive when debt is drawn and negative when repaid.
// BalanceBefore is the money market's debt balance immediately before the
// change, including interest accrued since the position's last settlement —
// the valuation engine derives debt cost to settle from it.
type Debt struct {
	EventMeta     Meta
	PositionID    PositionID
	Delta         *big.Int
	BalanceBefore *big.Int
}

func (e *Debt) Meta() Meta      { return e.EventMeta }
func (e *Debt) Type() EventType { return EventTypeDebt }
func (e *Debt) ID() string      { return e.EventMeta.id(EventTypeDebt) }

// Collateral records a change to a position's supplied collateral (base
// units). Delta is positive on supply, negative on withdrawal. BalanceBefore
// carries accrued lending profit the same way Debt.BalanceBefore carries
// accrued borrow interest.
type Collateral struct {
	EventMeta     Meta
	PositionID    PositionID
	Delta         *big.Int
	BalanceBefore *big.Int
}

func (e *Collateral) Meta() Meta      { return e.EventMeta }
func (e *Collateral) Type() EventType { return EventTypeCollateral }
func (e *Collateral) ID() string      { return e.EventMeta.id(EventTypeCollateral) }

// FeeCollected records an explicit protocol fee charge.
type FeeCollected struct {
	EventMeta  Meta
	PositionID PositionID
	Trader     string
	Token      string // fee token contract address
	Amount     *big.Int
	BasisPoints uint32
}

func (e *FeeCollected) Meta() Meta      { return e.EventMeta }
func (e *FeeCollected) Type() EventType { return EventTypeFeeCollected }
func (e *FeeCollected) ID() string      { return e.EventMeta.id(EventTypeFeeCollected) }
