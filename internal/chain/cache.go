package chain

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"LotLedger/internal/state"
)

// CachedTokenReader memoizes token metadata behind an LRU. Token decimals
// and symbols are immutable on-chain, so entries never expire; the LRU bound
// only caps memory on chains with large token universes.
type CachedTokenReader struct {
	inner TokenReader
	cache *lru.Cache[state.TokenID, state.Token]
}

func NewCachedTokenReader(inner TokenReader, capacity int) (*CachedTokenReader, error) {
	cache, err := lru.New[state.TokenID, state.Token](capacity)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	return &CachedTokenReader{inner: inner, cache: cache}, nil
}

func (r *CachedTokenReader) Token(ctx context.Context, chainID int64, address string) (state.Token, error) {
	key := state.TokenID{ChainID: chainID, Address: strings.ToLower(address)}
	if tok, ok := r.cache.Get(key); ok {
		return tok, nil
	}

	tok, err := r.inner.Token(ctx, chainID, address)
	if err != nil {
		return state.Token{}, err
	}

	r.cache.Add(key, tok)
	return tok, nil
}
