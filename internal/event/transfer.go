package event

import (
	"math/big"
	"strings"
)

// ZeroAddress is the EVM zero address; NFT transfers from it are mints and
// to it are burns.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// TransferNFT records a transfer of the position NFT itself. A burn+mint
// pair for two different position ids in one transaction signals a
// migration.
type TransferNFT struct {
	EventMeta  Meta
	From       string
	To         string
	PositionID PositionID
}

func (e *TransferNFT) Meta() Meta      { return e.EventMeta }
func (e *TransferNFT) Type() EventType { return EventTypeTransferNFT }
func (e *TransferNFT) ID() string      { return e.EventMeta.id(EventTypeTransferNFT) }

// IsBurn reports whether the NFT was sent to the zero address.
func (e *TransferNFT) IsBurn() bool { return AddrEqual(e.To, ZeroAddress) }

// IsMint reports whether the NFT was created from the zero address.
func (e *TransferNFT) IsMint() bool { return AddrEqual(e.From, ZeroAddress) }

// Transfer records an ERC-20 transfer observed in the transaction. The
// valuation engine nets these per token to reconstruct trader cashflow.
type Transfer struct {
	EventMeta Meta
	Token     string
	From      string
	To        string
	Amount    *big.Int
}

func (e *Transfer) Meta() Meta      { return e.EventMeta }
func (e *Transfer) Type() EventType { return EventTypeTransfer }
func (e *Transfer) ID() string      { return e.EventMeta.id(EventTypeTransfer) }

// AddrEqual compares two hex addresses case-insensitively. Upstream sources
// disagree on checksum casing, so no address comparison may use ==.
func AddrEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// NormalizeAddr lowercases a hex address for use as a map key.
func NormalizeAddr(a string) string {
	return strings.ToLower(a)
}
