package event

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionUpserted
	EventTypeDebt
	EventTypeCollateral
	EventTypeFeeCollected
	EventTypeSwapExecuted
	EventTypeLiquidation
	EventTypeMigrated
	EventTypeTransferNFT
	EventTypeTransfer
)

func (et EventType) String() string {
	switch et {
	case EventTypePositionUpserted:
		return "PositionUpserted"
	case EventTypeDebt:
		return "Debt"
	case EventTypeCollateral:
		return "Collateral"
	case EventTypeFeeCollected:
		return "FeeCollected"
	case EventTypeSwapExecuted:
		return "SwapExecuted"
	case EventTypeLiquidation:
		return "Liquidation"
	case EventTypeMigrated:
		return "Migrated"
	case EventTypeTransferNFT:
		return "TransferNFT"
	case EventTypeTransfer:
		return "Transfer"
	default:
		return "Unknown"
	}
}

// Meta carries the chain coordinates every event shares. Events are
// append-only: once constructed, neither Meta nor the payload is mutated.
type Meta struct {
	ChainID        int64
	BlockNumber    uint64
	BlockTimestamp int64 // Unix seconds from the block header
	TxHash         string
	LogIndex       uint32
}

// TxKey is the grouping key: all events emitted by one transaction share it.
type TxKey struct {
	ChainID     int64
	BlockNumber uint64
	TxHash      string
}

func (k TxKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.ChainID, k.BlockNumber, k.TxHash)
}

// TxKey returns the grouping key for this event's transaction.
func (m Meta) TxKey() TxKey {
	return TxKey{ChainID: m.ChainID, BlockNumber: m.BlockNumber, TxHash: m.TxHash}
}

// ID is the collision-free identity key of a single event.
// (chain, block, tx, logIndex, type) — two distinct chain logs can share a
// log index only across transactions, and one log never yields two variants.
func (m Meta) id(et EventType) string {
	return fmt.Sprintf("%d:%d:%s:%d:%s", m.ChainID, m.BlockNumber, m.TxHash, m.LogIndex, et)
}

// Event is the closed sum type over the nine domain event variants.
// Dispatch sites use exhaustive type switches; anything outside the nine
// concrete types in this package is a programmer error.
type Event interface {
	// Meta returns the shared chain coordinates.
	Meta() Meta

	// Type returns the discriminator.
	Type() EventType

	// ID returns the stable identity key used for deduplication.
	ID() string
}

// PositionID identifies one leveraged position on one chain.
type PositionID struct {
	ChainID int64
	// Number is the on-chain position NFT token id, hex-encoded with the
	// instrument and money market packed in its high bits by the protocol.
	Number string
}

func (p PositionID) String() string {
	return fmt.Sprintf("%d:%s", p.ChainID, p.Number)
}

// InstrumentSymbol decodes the instrument symbol packed into the high 16
// bytes of the position NFT token id. Returns "" when the id is not a
// parseable bytes32 hex string.
func (p PositionID) InstrumentSymbol() string {
	s := strings.TrimPrefix(p.Number, "0x")
	if len(s) < 32 {
		return ""
	}
	raw, err := hex.DecodeString(s[:32])
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(raw, "\x00"))
}

// Currency tags which leg an amount is denominated in.
type Currency int32

const (
	CurrencyNone Currency = iota
	CurrencyBase
	CurrencyQuote
)

func (c Currency) String() string {
	switch c {
	case CurrencyBase:
		return "base"
	case CurrencyQuote:
		return "quote"
	default:
		return "none"
	}
}
