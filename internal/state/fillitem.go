package state

import (
	"math/big"

	"github.com/google/uuid"

	"LotLedger/internal/event"
)

// PriceSource tags where a fill's reference price came from.
type PriceSource int32

const (
	PriceSourceNone PriceSource = iota
	PriceSourceSwap
	PriceSourceMark
	PriceSourceFill
)

func (s PriceSource) String() string {
	switch s {
	case PriceSourceSwap:
		return "SwapPrice"
	case PriceSourceMark:
		return "MarkPrice"
	case PriceSourceFill:
		return "FillPrice"
	default:
		return "None"
	}
}

// FillType classifies the net effect of a transaction on a position.
type FillType int32

const (
	FillTypeOpened FillType = iota
	FillTypeModified
	FillTypeClosed
	FillTypeLiquidatedPartial
	FillTypeLiquidatedFull
	FillTypeMigrateLendingMarket
	FillTypeMigrateBaseCurrencyClose
	FillTypeMigrateBaseCurrencyOpen
)

func (t FillType) String() string {
	switch t {
	case FillTypeOpened:
		return "Opened"
	case FillTypeModified:
		return "Modified"
	case FillTypeClosed:
		return "Closed"
	case FillTypeLiquidatedPartial:
		return "LiquidatedPartial"
	case FillTypeLiquidatedFull:
		return "LiquidatedFull"
	case FillTypeMigrateLendingMarket:
		return "MigrateLendingMarket"
	case FillTypeMigrateBaseCurrencyClose:
		return "MigrateBaseCurrencyClose"
	case FillTypeMigrateBaseCurrencyOpen:
		return "MigrateBaseCurrencyOpen"
	default:
		return "Unknown"
	}
}

// FillItem is the immutable record of one processed transaction's net
// economic effect on a position (two records for a migration: close + open).
// Written once by the ledger writer, never mutated.
//
// Round-trip invariant: summing CashflowQuote/CashflowBase over all fills of
// a position reproduces the position's cumulative cashflow fields exactly.
type FillItem struct {
	ID         uuid.UUID
	PositionID event.PositionID
	TradedBy   string

	ChainID     int64
	BlockNumber uint64
	Timestamp   int64
	TxHash      string

	FillType FillType

	CollateralDelta *big.Int
	DebtDelta       *big.Int

	LendingProfitSettled *big.Int
	DebtCostSettled      *big.Int

	Fee      *big.Int
	FeeCcy   event.Currency
	FeeBase  *big.Int
	FeeQuote *big.Int

	// Cashflow is the raw amount of CashflowToken that produced the largest
	// quote-denominated swing; CashflowQuote/Base are the full converted
	// economic cashflow with fees netted out.
	Cashflow      *big.Int
	CashflowToken string
	CashflowQuote *big.Int
	CashflowBase  *big.Int

	Price       *big.Int
	PriceSource PriceSource
	FillPrice   *big.Int

	RealizedPnLBase  *big.Int
	RealizedPnLQuote *big.Int

	GrossCollateralBefore *big.Int
	GrossCollateralAfter  *big.Int
	CollateralBefore      *big.Int
	CollateralAfter       *big.Int
	GrossDebtBefore       *big.Int
	GrossDebtAfter        *big.Int
	DebtBefore            *big.Int
	DebtAfter             *big.Int
}
