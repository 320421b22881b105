package state

import (
	"math/big"

	"LotLedger/internal/event"
	bigmath "LotLedger/internal/math"
)

// Position is the per-(chain, position id) accounting aggregate. It is
// created on the first position-creation event, mutated exclusively by the
// ledger writer, and never deleted — migrated positions are closed with a
// forward pointer.
//
// Invariant after every commit: sum of long lot sizes == Collateral and sum
// of |short lot sizes| == Debt.
type Position struct {
	ID         event.PositionID
	Owner      string
	Proxy      string // vault contract holding the position's funds
	Instrument string // Instrument.ID
	Open       bool

	Collateral *big.Int // net, base units
	Debt       *big.Int // net, quote units

	// Interest accrued on the money market but not yet folded into lots.
	LendingProfitToSettle *big.Int // base units
	DebtCostToSettle      *big.Int // quote units

	FeesBase  *big.Int
	FeesQuote *big.Int

	CashflowBase  *big.Int
	CashflowQuote *big.Int

	RealizedPnLBase  *big.Int // short-leg realized P&L, base units
	RealizedPnLQuote *big.Int // long-leg realized P&L, quote units

	LotCount  int
	LongCost  *big.Int // aggregate open cost of long lots
	ShortCost *big.Int // aggregate open cost of short lots

	// Set when the position was migrated to a successor id.
	MigratedTo *event.PositionID

	CreatedBlock uint64
	CreatedAt    int64
	UpdatedBlock uint64
}

// NewPosition returns a freshly created, empty position.
func NewPosition(id event.PositionID, owner, proxy, instrument string, meta event.Meta) *Position {
	return &Position{
		ID:                    id,
		Owner:                 owner,
		Proxy:                 proxy,
		Instrument:            instrument,
		Open:                  true,
		Collateral:            bigmath.Zero(),
		Debt:                  bigmath.Zero(),
		LendingProfitToSettle: bigmath.Zero(),
		DebtCostToSettle:      bigmath.Zero(),
		FeesBase:              bigmath.Zero(),
		FeesQuote:             bigmath.Zero(),
		CashflowBase:          bigmath.Zero(),
		CashflowQuote:         bigmath.Zero(),
		RealizedPnLBase:       bigmath.Zero(),
		RealizedPnLQuote:      bigmath.Zero(),
		LongCost:              bigmath.Zero(),
		ShortCost:             bigmath.Zero(),
		CreatedBlock:          meta.BlockNumber,
		CreatedAt:             meta.BlockTimestamp,
	}
}

// Clone returns a deep copy. The aggregator snapshots positions before a
// fill computation so a failed transaction never leaks partial mutation.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Collateral = bigmath.Copy(p.Collateral)
	cp.Debt = bigmath.Copy(p.Debt)
	cp.LendingProfitToSettle = bigmath.Copy(p.LendingProfitToSettle)
	cp.DebtCostToSettle = bigmath.Copy(p.DebtCostToSettle)
	cp.FeesBase = bigmath.Copy(p.FeesBase)
	cp.FeesQuote = bigmath.Copy(p.FeesQuote)
	cp.CashflowBase = bigmath.Copy(p.CashflowBase)
	cp.CashflowQuote = bigmath.Copy(p.CashflowQuote)
	cp.RealizedPnLBase = bigmath.Copy(p.RealizedPnLBase)
	cp.RealizedPnLQuote = bigmath.Copy(p.RealizedPnLQuote)
	cp.LongCost = bigmath.Copy(p.LongCost)
	cp.ShortCost = bigmath.Copy(p.ShortCost)
	if p.MigratedTo != nil {
		to := *p.MigratedTo
		cp.MigratedTo = &to
	}
	return &cp
}
