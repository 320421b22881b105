package state

import (
	"fmt"
	"math/big"
	"strings"
)

// Token is chain-read ERC-20 metadata, cached by the chain layer.
type Token struct {
	ChainID  int64
	Address  string
	Symbol   string
	Decimals uint8
}

// TokenID is the store key for a token.
type TokenID struct {
	ChainID int64
	Address string
}

// ID returns the store key. Addresses are keyed lowercase so that
// checksum-cased and lowercase inputs resolve to the same token.
func (t Token) ID() TokenID {
	return TokenID{ChainID: t.ChainID, Address: strings.ToLower(t.Address)}
}

// Unit returns 10^decimals, the raw amount of one whole token.
func (t Token) Unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil)
}

// Instrument is a tradable base/quote pair. Base is the collateral token,
// quote the debt token.
type Instrument struct {
	ID    string // protocol symbol, e.g. "WETHUSDC"
	Base  Token
	Quote Token
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s (%s/%s)", i.ID, i.Base.Symbol, i.Quote.Symbol)
}
