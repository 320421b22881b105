package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"LotLedger/internal/event"
)

// ErrUnclassified marks a raw log that maps to no domain event variant.
// The subscriber discards these with a warning; they are expected noise
// from unrelated contracts sharing the event stream.
var ErrUnclassified = errors.New("raw event does not classify to a domain event")

// envelopeJSON is the wire envelope every upstream raw event carries.
// Field names use snake_case to match the chain indexer.
type envelopeJSON struct {
	ChainID        int64           `json:"chain_id"`
	BlockNumber    uint64          `json:"block_number"`
	BlockTimestamp int64           `json:"block_timestamp"`
	TxHash         string          `json:"tx_hash"`
	LogIndex       uint32          `json:"log_index"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

// ParseRawEvent classifies a raw indexer log into a typed domain event.
// Classification happens before anything is appended anywhere: an
// unrecognized type or malformed payload never reaches the aggregator.
func ParseRawEvent(data []byte) (event.Event, error) {
	var env envelopeJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.TxHash == "" {
		return nil, errors.New("envelope missing tx_hash")
	}

	meta := event.Meta{
		ChainID:        env.ChainID,
		BlockNumber:    env.BlockNumber,
		BlockTimestamp: env.BlockTimestamp,
		TxHash:         env.TxHash,
		LogIndex:       env.LogIndex,
	}

	switch env.EventType {
	case "PositionUpserted":
		return parsePositionUpserted(meta, env.Payload)
	case "Debt":
		return parseDebt(meta, env.Payload)
	case "Collateral":
		return parseCollateral(meta, env.Payload)
	case "FeeCollected":
		return parseFeeCollected(meta, env.Payload)
	case "SwapExecuted":
		return parseSwapExecuted(meta, env.Payload)
	case "Liquidation":
		return parseLiquidation(meta, env.Payload)
	case "Migrated":
		return parseMigrated(meta, env.Payload)
	case "TransferNFT":
		return parseTransferNFT(meta, env.Payload)
	case "Transfer":
		return parseTransfer(meta, env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnclassified, env.EventType)
	}
}

// --- JSON wire formats ---

type positionUpsertedJSON struct {
	PositionID  string `json:"position_id"`
	Owner       string `json:"owner"`
	TradedBy    string `json:"traded_by"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	CashflowCcy string `json:"cashflow_ccy"`
	Cashflow    string `json:"cashflow"`
	Fee         string `json:"fee"`
	FeeCcy      string `json:"fee_ccy"`
}

func parsePositionUpserted(meta event.Meta, data []byte) (*event.PositionUpserted, error) {
	var j positionUpsertedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionUpserted: %w", err)
	}
	quantity, err := parseAmount(j.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	price, err := parseAmount(j.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	cashflow, err := parseAmount(j.Cashflow)
	if err != nil {
		return nil, fmt.Errorf("parse cashflow: %w", err)
	}
	fee, err := parseAmount(j.Fee)
	if err != nil {
		return nil, fmt.Errorf("parse fee: %w", err)
	}
	cashflowCcy, err := parseCurrency(j.CashflowCcy)
	if err != nil {
		return nil, err
	}
	feeCcy, err := parseCurrency(j.FeeCcy)
	if err != nil {
		return nil, err
	}
	return &event.PositionUpserted{
		EventMeta:   meta,
		PositionID:  event.PositionID{ChainID: meta.ChainID, Number: j.PositionID},
		Owner:       j.Owner,
		TradedBy:    j.TradedBy,
		Quantity:    quantity,
		Price:       price,
		CashflowCcy: cashflowCcy,
		Cashflow:    cashflow,
		Fee:         fee,
		FeeCcy:      feeCcy,
	}, nil
}

type balanceJSON struct {
	PositionID    string `json:"position_id"`
	Delta         string `json:"delta"`
	BalanceBefore string `json:"balance_before"`
}

func parseDebt(meta event.Meta, data []byte) (*event.Debt, error) {
	var j balanceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Debt: %w", err)
	}
	delta, err := parseAmount(j.Delta)
	if err != nil {
		return nil, fmt.Errorf("parse delta: %w", err)
	}
	before, err := parseAmount(j.BalanceBefore)
	if err != nil {
		return nil, fmt.Errorf("parse balance_before: %w", err)
	}
	return &event.Debt{
		EventMeta:     meta,
		PositionID:    event.PositionID{ChainID: meta.ChainID, Number: j.PositionID},
		Delta:         delta,
		BalanceBefore: before,
	}, nil
}

func parseCollateral(meta event.Meta, data []byte) (*event.Collateral, error) {
	var j balanceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Collateral: %w", err)
	}
	delta, err := parseAmount(j.Delta)
	if err != nil {
		return nil, fmt.Errorf("parse delta: %w", err)
	}
	before, err := parseAmount(j.BalanceBefore)
	if err != nil {
		return nil, fmt.Errorf("parse balance_before: %w", err)
	}
	return &event.Collateral{
		EventMeta:     meta,
		PositionID:    event.PositionID{ChainID: meta.ChainID, Number: j.PositionID},
		Delta:         delta,
		BalanceBefore: before,
	}, nil
}

type feeCollectedJSON struct {
	PositionID  string `json:"position_id"`
	Trader      string `json:"trader"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	BasisPoints uint32 `json:"basis_points"`
}

func parseFeeCollected(meta event.Meta, data []byte) (*event.FeeCollected, error) {
	var j feeCollectedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FeeCollected: %w", err)
	}
	amount, err := parseAmount(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &event.FeeCollected{
		EventMeta:   meta,
		PositionID:  event.PositionID{ChainID: meta.ChainID, Number: j.PositionID},
		Trader:      j.Trader,
		Token:       j.Token,
		Amount:      amount,
		BasisPoints: j.BasisPoints,
	}, nil
}

type swapExecutedJSON struct {
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
}

func parseSwapExecuted(meta event.Meta, data []byte) (*event.SwapExecuted, error) {
	var j swapExecutedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SwapExecuted: %w", err)
	}
	amountIn, err := parseAmount(j.AmountIn)
	if err != nil {
		return nil, fmt.Errorf("parse amount_in: %w", err)
	}
	amountOut, err := parseAmount(j.AmountOut)
	if err != nil {
		return nil, fmt.Errorf("parse amount_out: %w", err)
	}
	return &event.SwapExecuted{
		EventMeta: meta,
		TokenIn:   j.TokenIn,
		TokenOut:  j.TokenOut,
		AmountIn:  amountIn,
		AmountOut: amountOut,
	}, nil
}

type liquidationJSON struct {
	PositionID            string `json:"position_id"`
	CollateralDelta       string `json:"collateral_delta"`
	DebtDelta             string `json:"debt_delta"`
	LendingProfitToSettle string `json:"lending_profit_to_settle"`
	DebtCostToSettle      string `json:"debt_cost_to_settle"`
}

func parseLiquidation(meta event.Meta, data []byte) (*event.Liquidation, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidation: %w", err)
	}
	collateralDelta, err := parseAmount(j.CollateralDelta)
	if err != nil {
		return nil, fmt.Errorf("parse collateral_delta: %w", err)
	}
	debtDelta, err := parseAmount(j.DebtDelta)
	if err != nil {
		return nil, fmt.Errorf("parse debt_delta: %w", err)
	}
	lendingProfit, err := parseAmount(j.LendingProfitToSettle)
	if err != nil {
		return nil, fmt.Errorf("parse lending_profit_to_settle: %w", err)
	}
	debtCost, err := parseAmount(j.DebtCostToSettle)
	if err != nil {
		return nil, fmt.Errorf("parse debt_cost_to_settle: %w", err)
	}
	return &event.Liquidation{
		EventMeta:             meta,
		PositionID:            event.PositionID{ChainID: meta.ChainID, Number: j.PositionID},
		CollateralDelta:       collateralDelta,
		DebtDelta:             debtDelta,
		LendingProfitToSettle: lendingProfit,
		DebtCostToSettle:      debtCost,
	}, nil
}

type migratedJSON struct {
	OldPositionID string `json:"old_position_id"`
	NewPositionID string `json:"new_position_id"`
}

func parseMigrated(meta event.Meta, data []byte) (*event.Migrated, error) {
	var j migratedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Migrated: %w", err)
	}
	return &event.Migrated{
		EventMeta:     meta,
		OldPositionID: event.PositionID{ChainID: meta.ChainID, Number: j.OldPositionID},
		NewPositionID: event.PositionID{ChainID: meta.ChainID, Number: j.NewPositionID},
	}, nil
}

type transferNFTJSON struct {
	PositionID string `json:"position_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

func parseTransferNFT(meta event.Meta, data []byte) (*event.TransferNFT, error) {
	var j transferNFTJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TransferNFT: %w", err)
	}
	return &event.TransferNFT{
		EventMeta:  meta,
		PositionID: event.PositionID{ChainID: meta.ChainID, Number: j.PositionID},
		From:       j.From,
		To:         j.To,
	}, nil
}

type transferJSON struct {
	Token  string `json:"token"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func parseTransfer(meta event.Meta, data []byte) (*event.Transfer, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Transfer: %w", err)
	}
	amount, err := parseAmount(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &event.Transfer{
		EventMeta: meta,
		Token:     j.Token,
		From:      j.From,
		To:        j.To,
		Amount:    amount,
	}, nil
}

// parseAmount reads a 256-bit integer from its wire encoding: decimal
// string, 0x-prefixed hex, or empty for zero. Amounts never travel as JSON
// numbers, float64 cannot represent them.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	base := 10
	digits := s
	neg := false
	if strings.HasPrefix(digits, "-") {
		neg = true
		digits = digits[1:]
	}
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		base = 16
		digits = digits[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

func parseCurrency(s string) (event.Currency, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return event.CurrencyNone, nil
	case "base":
		return event.CurrencyBase, nil
	case "quote":
		return event.CurrencyQuote, nil
	default:
		return event.CurrencyNone, fmt.Errorf("unknown currency tag %q", s)
	}
}
