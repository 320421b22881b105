package valuation

import (
	"math/big"

	"LotLedger/internal/event"
	"LotLedger/internal/state"
)

// PartialFillItem is the valuation engine's output for one transaction's
// worth of events: everything the ledger writer needs to mutate lots and
// mint the immutable FillItem, minus the before/after aggregates that only
// exist once the lot update has run.
type PartialFillItem struct {
	TradedBy string

	FillType state.FillType

	CollateralDelta *big.Int // base units, signed
	DebtDelta       *big.Int // quote units, signed

	// Interest realized by this transaction, to be folded into lots.
	// Zeroed on liquidation fills: liquidation interest is settled by the
	// money-market decoder upstream.
	LendingProfitToSettle *big.Int
	DebtCostToSettle      *big.Int

	Fee      *big.Int
	FeeCcy   event.Currency
	FeeBase  *big.Int
	FeeQuote *big.Int

	// Cashflow is the raw amount of CashflowToken with the largest
	// quote-denominated swing; CashflowQuote/Base carry the full economic
	// cashflow with fees netted out.
	Cashflow      *big.Int
	CashflowToken string
	CashflowQuote *big.Int
	CashflowBase  *big.Int

	Price       *big.Int
	PriceSource state.PriceSource
	FillPrice   *big.Int

	// Per-leg fill costs feeding the lot update. CostLong is quote
	// denominated, CostShort base denominated.
	CostLong  *big.Int
	CostShort *big.Int
}
