// Package chain declares the on-chain read surface the ledger core depends
// on. Implementations live with the host runtime: the core only ever sees
// these interfaces, and every read is allowed to fail with a documented
// fallback rather than aborting a fill.
package chain

import (
	"context"
	"math/big"

	"LotLedger/internal/event"
	"LotLedger/internal/state"
)

// TokenReader resolves ERC-20 metadata at a given address.
type TokenReader interface {
	Token(ctx context.Context, chainID int64, address string) (state.Token, error)
}

// Oracle reads a mark price for an instrument at a block: quote units per
// one whole base token. Callers fall back to a zero price (reference price
// source None) when the read fails.
type Oracle interface {
	MarkPrice(ctx context.Context, instrument state.Instrument, blockNumber uint64) (*big.Int, error)
}

// LiquidationDecoder normalizes a money market's raw liquidation log into
// the canonical event. Aave, Compound, Euler and the rest all decode
// differently; the indexer runs the decoder before publishing, so the
// ledger core only ever sees event.Liquidation.
type LiquidationDecoder interface {
	Decode(ctx context.Context, chainID int64, raw []byte) (*event.Liquidation, error)
}

// VaultResolver computes the proxy vault contract holding a position's
// funds. Derivable deterministically on-chain; a resolution failure is
// survivable, callers fall back to the beneficial owner.
type VaultResolver interface {
	Vault(ctx context.Context, id event.PositionID) (string, error)
}

// WrappedNative returns the canonical wrapped-native token contract for a
// chain (WETH on mainnet-like chains). Transfers to or from the zero
// address at this contract are wrapped-native mint/burn cashflows.
type WrappedNative interface {
	WrappedNative(chainID int64) string
}

// StaticWrappedNative is a fixed chain-to-contract mapping.
type StaticWrappedNative map[int64]string

func (m StaticWrappedNative) WrappedNative(chainID int64) string {
	return m[chainID]
}
