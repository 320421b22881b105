package event

import (
	"math/big"
)

// PositionUpserted marks the end of a strategy execution for a position.
// Newer contract versions emit explicit Debt/Collateral events alongside it;
// older ones pack quantity/price/cashflow into this event, and the valuation
// engine falls back to deriving deltas from those legacy fields.
type PositionUpserted struct {
	EventMeta  Meta
	PositionID PositionID
	Owner      string
	TradedBy   string

	// Legacy fields. Quantity is the signed collateral delta in base units;
	// Price converts base to quote at quote decimals per whole base token.
	// Zero-valued on modern events.
	Quantity    *big.Int
	Price       *big.Int
	CashflowCcy Currency
	Cashflow    *big.Int
	Fee         *big.Int
	FeeCcy      Currency
}

func (e *PositionUpserted) Meta() Meta      { return e.EventMeta }
func (e *PositionUpserted) Type() EventType { return EventTypePositionUpserted }
func (e *PositionUpserted) ID() string      { return e.EventMeta.id(EventTypePositionUpserted) }

// Migrated signals that a position was re-created under a new id, either on
// a different money market or with a different base currency.
type Migrated struct {
	EventMeta     Meta
	OldPositionID PositionID
	NewPositionID PositionID
}

func (e *Migrated) Meta() Meta      { return e.EventMeta }
func (e *Migrated) Type() EventType { return EventTypeMigrated }
func (e *Migrated) ID() string      { return e.EventMeta.id(EventTypeMigrated) }
