package core

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"LotLedger/internal/chain"
	"LotLedger/internal/event"
	"LotLedger/internal/state"
	"LotLedger/internal/valuation"
)

const (
	addrWETH  = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	addrWBTC  = "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"
	addrUSDC  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	addrVault = "0x1111111111111111111111111111111111111111"
	addrOwner = "0x2222222222222222222222222222222222222222"
)

func eth(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil))
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

// posNumber packs an instrument symbol and a counter into a bytes32 token
// id the way the position NFT does.
func posNumber(symbol string, n uint64) string {
	b := make([]byte, 32)
	copy(b, symbol)
	binary.BigEndian.PutUint64(b[24:], n)
	return "0x" + hex.EncodeToString(b)
}

func posID(symbol string, n uint64) event.PositionID {
	return event.PositionID{ChainID: 1, Number: posNumber(symbol, n)}
}

type stubOracle struct{ price *big.Int }

func (o stubOracle) MarkPrice(context.Context, state.Instrument, uint64) (*big.Int, error) {
	return o.price, nil
}

type stubVaults struct{ vault string }

func (v stubVaults) Vault(context.Context, event.PositionID) (string, error) {
	return v.vault, nil
}

func seedStore(t *testing.T) *state.MemoryStore {
	t.Helper()
	store := state.NewMemoryStore()
	ctx := context.Background()
	weth := state.Token{ChainID: 1, Address: addrWETH, Symbol: "WETH", Decimals: 18}
	wbtc := state.Token{ChainID: 1, Address: addrWBTC, Symbol: "WBTC", Decimals: 8}
	usdc := state.Token{ChainID: 1, Address: addrUSDC, Symbol: "USDC", Decimals: 6}
	for _, tok := range []state.Token{weth, wbtc, usdc} {
		if err := store.PutToken(ctx, tok); err != nil {
			t.Fatal(err)
		}
	}
	for _, inst := range []state.Instrument{
		{ID: "WETHUSDC", Base: weth, Quote: usdc},
		{ID: "WBTCUSDC", Base: wbtc, Quote: usdc},
	} {
		if err := store.PutInstrument(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func newTestProcessor(t *testing.T, store *state.MemoryStore, cfg Config) *Processor {
	t.Helper()
	log := zerolog.Nop()
	val := valuation.NewEngine(stubOracle{price: usd(2000)}, chain.StaticWrappedNative{1: addrWETH}, log)
	writer := NewWriter(store, nil, log)
	migrations := NewMigrationHandler(store, nil, log)
	proc, err := NewProcessor(cfg, store, val, writer, migrations, stubVaults{vault: addrVault}, nil, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	return proc
}

func meta(block uint64, logIndex uint32) event.Meta {
	return event.Meta{
		ChainID:        1,
		BlockNumber:    block,
		BlockTimestamp: 1_700_000_000 + int64(block)*12,
		TxHash:         txHashFor(block),
		LogIndex:       logIndex,
	}
}

func txHashFor(block uint64) string {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, block)
	return "0x" + hex.EncodeToString(b)
}

// openEvents is the canonical opening transaction: 200 USDC funded, 800
// debt drawn, 0.5 WETH bought at 2000.
func openEvents(id event.PositionID, block uint64) []event.Event {
	return []event.Event{
		&event.TransferNFT{EventMeta: meta(block, 1), From: event.ZeroAddress, To: addrOwner, PositionID: id},
		&event.Transfer{EventMeta: meta(block, 2), Token: addrUSDC, From: addrOwner, To: addrVault, Amount: usd(200)},
		&event.SwapExecuted{EventMeta: meta(block, 3), TokenIn: addrUSDC, TokenOut: addrWETH, AmountIn: usd(1000), AmountOut: eth(500)},
		&event.Collateral{EventMeta: meta(block, 4), PositionID: id, Delta: eth(500), BalanceBefore: big.NewInt(0)},
		&event.Debt{EventMeta: meta(block, 5), PositionID: id, Delta: usd(800), BalanceBefore: big.NewInt(0)},
		&event.PositionUpserted{EventMeta: meta(block, 6), PositionID: id, Owner: addrOwner, TradedBy: addrOwner},
	}
}

// closeEvents unwinds the canonical opening at 2500: 0.5 WETH sold for
// 1250, 800 debt repaid, 450 USDC withdrawn.
func closeEvents(id event.PositionID, block uint64) []event.Event {
	return []event.Event{
		&event.SwapExecuted{EventMeta: meta(block, 1), TokenIn: addrWETH, TokenOut: addrUSDC, AmountIn: eth(500), AmountOut: usd(1250)},
		&event.Collateral{EventMeta: meta(block, 2), PositionID: id, Delta: eth(-500), BalanceBefore: eth(500)},
		&event.Debt{EventMeta: meta(block, 3), PositionID: id, Delta: usd(-800), BalanceBefore: usd(800)},
		&event.Transfer{EventMeta: meta(block, 4), Token: addrUSDC, From: addrVault, To: addrOwner, Amount: usd(450)},
		&event.PositionUpserted{EventMeta: meta(block, 5), PositionID: id, Owner: addrOwner, TradedBy: addrOwner},
	}
}

func feed(t *testing.T, proc *Processor, events []event.Event) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range events {
		if err := proc.Process(ctx, ev); err != nil {
			t.Fatalf("process %s: %v", ev.ID(), err)
		}
	}
}

func eq(t *testing.T, name string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s: got %s, want %s", name, got, want)
	}
}

// ==========================================================================
// Fill processing
// ==========================================================================

func TestProcessor_OpenFill(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	id := posID("WETHUSDC", 1)
	ctx := context.Background()

	feed(t, proc, openEvents(id, 100))

	pos, err := store.Position(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	eq(t, "collateral", pos.Collateral, eth(500))
	eq(t, "debt", pos.Debt, usd(800))
	eq(t, "cashflowQuote", pos.CashflowQuote, usd(200))
	eq(t, "longCost", pos.LongCost, usd(-1000))
	eq(t, "shortCost", pos.ShortCost, eth(400))
	if pos.Owner != addrOwner || pos.Proxy != addrVault {
		t.Fatalf("owner/proxy = %s/%s", pos.Owner, pos.Proxy)
	}
	if !pos.Open || pos.LotCount != 2 {
		t.Fatalf("open=%v lots=%d, want open with 2 lots", pos.Open, pos.LotCount)
	}

	fills, err := store.FillItems(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	if fills[0].FillType != state.FillTypeOpened {
		t.Fatalf("fill type = %s, want opened", fills[0].FillType)
	}
	eq(t, "fill price", fills[0].Price, usd(2000))

	lots, err := store.Lots(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 2 {
		t.Fatalf("got %d lots, want 2", len(lots))
	}
}

func TestProcessor_IdempotentReplay(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	id := posID("WETHUSDC", 1)
	ctx := context.Background()

	feed(t, proc, openEvents(id, 100))
	before, _ := store.Position(ctx, id)

	// Same events, same identity keys: every one is a duplicate.
	feed(t, proc, openEvents(id, 100))

	after, err := store.Position(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	eq(t, "collateral", after.Collateral, before.Collateral)
	eq(t, "debt", after.Debt, before.Debt)
	eq(t, "cashflowQuote", after.CashflowQuote, before.CashflowQuote)

	fills, _ := store.FillItems(ctx, id)
	if len(fills) != 1 {
		t.Fatalf("replay minted %d extra fills", len(fills)-1)
	}
}

func TestProcessor_RoundTripRealizesAndConserves(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	id := posID("WETHUSDC", 1)
	ctx := context.Background()

	feed(t, proc, openEvents(id, 100))
	feed(t, proc, closeEvents(id, 101))

	pos, err := store.Position(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Open {
		t.Fatal("position still open after full close")
	}
	if pos.LotCount != 0 {
		t.Fatalf("lot count = %d, want 0", pos.LotCount)
	}
	eq(t, "collateral", pos.Collateral, big.NewInt(0))
	eq(t, "debt", pos.Debt, big.NewInt(0))

	// Opened paying 1000, closed receiving 1250.
	eq(t, "realizedQuote", pos.RealizedPnLQuote, usd(-250))
	// Short leg: opened at 0.4 WETH cost, closed at 0.32.
	eq(t, "realizedBase", pos.RealizedPnLBase, eth(-80))

	fills, err := store.FillItems(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}

	sumQuote, sumBase := big.NewInt(0), big.NewInt(0)
	for _, f := range fills {
		sumQuote.Add(sumQuote, f.CashflowQuote)
		sumBase.Add(sumBase, f.CashflowBase)
	}
	eq(t, "conservation quote", pos.CashflowQuote, sumQuote)
	eq(t, "conservation base", pos.CashflowBase, sumBase)

	lots, _ := store.Lots(ctx, id)
	if len(lots) != 0 {
		t.Fatalf("%d lots survived a full close", len(lots))
	}
}

// ==========================================================================
// Aggregator mechanics
// ==========================================================================

func TestProcessor_EvictionFlushesPendingFill(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	id := posID("WETHUSDC", 1)
	ctx := context.Background()

	feed(t, proc, openEvents(id, 100))

	// An interest-only transaction with no triggering event: the money
	// market reports grown balances, nothing else happens.
	feed(t, proc, []event.Event{
		&event.Collateral{EventMeta: meta(101, 1), PositionID: id, Delta: big.NewInt(0), BalanceBefore: eth(502)},
		&event.Debt{EventMeta: meta(101, 2), PositionID: id, Delta: big.NewInt(0), BalanceBefore: usd(803)},
	})

	fills, _ := store.FillItems(ctx, id)
	if len(fills) != 1 {
		t.Fatalf("pending transaction flushed early: %d fills", len(fills))
	}

	// A later block evicts the pending key, running its fill first.
	feed(t, proc, []event.Event{
		&event.Transfer{EventMeta: meta(102, 1), Token: addrUSDC, From: addrOwner, To: addrOwner, Amount: usd(1)},
	})

	fills, err := store.FillItems(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("eviction did not flush: %d fills", len(fills))
	}

	pos, _ := store.Position(ctx, id)
	eq(t, "collateral grew by settled interest", pos.Collateral, eth(502))
	eq(t, "debt grew by settled interest", pos.Debt, usd(803))
}

func TestProcessor_EventCapDropsExcess(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{MaxEventsPerTx: 3})
	ctx := context.Background()

	for i := uint32(1); i <= 5; i++ {
		ev := &event.Transfer{EventMeta: meta(100, i), Token: addrUSDC, From: addrOwner, To: addrVault, Amount: usd(1)}
		if err := proc.Process(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	cs := proc.chainFor(1)
	group := cs.txs[meta(100, 1).TxKey()]
	if group == nil {
		t.Fatal("transaction key not tracked")
	}
	if len(group.events) != 3 || group.dropped != 2 {
		t.Fatalf("events=%d dropped=%d, want 3/2", len(group.events), group.dropped)
	}
}

func TestProcessor_OutOfOrderEventRejected(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	id := posID("WETHUSDC", 1)
	ctx := context.Background()

	feed(t, proc, openEvents(id, 100))

	stale := &event.Collateral{EventMeta: meta(99, 1), PositionID: id, Delta: eth(1), BalanceBefore: eth(500)}
	if err := proc.Process(ctx, stale); err == nil {
		t.Fatal("expected rejection of event behind the position's watermark")
	}
}

// ==========================================================================
// Migrations
// ==========================================================================

func TestProcessor_LendingMarketMigrationIsNeutral(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	oldID := posID("WETHUSDC", 1)
	newID := posID("WETHUSDC", 2)
	ctx := context.Background()

	feed(t, proc, openEvents(oldID, 100))
	feed(t, proc, []event.Event{
		&event.TransferNFT{EventMeta: meta(101, 1), From: addrOwner, To: event.ZeroAddress, PositionID: oldID},
		&event.TransferNFT{EventMeta: meta(101, 2), From: event.ZeroAddress, To: addrOwner, PositionID: newID},
		&event.Migrated{EventMeta: meta(101, 3), OldPositionID: oldID, NewPositionID: newID},
		&event.PositionUpserted{EventMeta: meta(101, 4), PositionID: newID, Owner: addrOwner},
	})

	oldPos, err := store.Position(ctx, oldID)
	if err != nil {
		t.Fatal(err)
	}
	if oldPos.Open {
		t.Fatal("migrated position still open")
	}
	if oldPos.MigratedTo == nil || *oldPos.MigratedTo != newID {
		t.Fatalf("forward pointer = %v, want %s", oldPos.MigratedTo, newID)
	}
	eq(t, "old collateral", oldPos.Collateral, big.NewInt(0))
	eq(t, "old debt", oldPos.Debt, big.NewInt(0))

	newPos, err := store.Position(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	eq(t, "carried collateral", newPos.Collateral, eth(500))
	eq(t, "carried debt", newPos.Debt, usd(800))
	eq(t, "carried long cost", newPos.LongCost, usd(-1000))
	eq(t, "carried short cost", newPos.ShortCost, eth(400))
	if newPos.LotCount != 2 {
		t.Fatalf("lot count = %d, want 2", newPos.LotCount)
	}

	oldLots, _ := store.Lots(ctx, oldID)
	if len(oldLots) != 0 {
		t.Fatalf("%d lots left on migrated position", len(oldLots))
	}
	newLots, _ := store.Lots(ctx, newID)
	for _, lot := range newLots {
		if lot.PositionID != newID {
			t.Fatalf("transplanted lot still claims %s", lot.PositionID)
		}
	}

	// The paired fills cancel exactly.
	closeFills, _ := store.FillItems(ctx, oldID)
	openFills, _ := store.FillItems(ctx, newID)
	var migClose, migOpen *state.FillItem
	for _, f := range closeFills {
		if f.FillType == state.FillTypeMigrateLendingMarket {
			migClose = f
		}
	}
	for _, f := range openFills {
		if f.FillType == state.FillTypeMigrateLendingMarket {
			migOpen = f
		}
	}
	if migClose == nil || migOpen == nil {
		t.Fatal("missing migration fill pair")
	}
	eq(t, "collateral deltas cancel", new(big.Int).Add(migClose.CollateralDelta, migOpen.CollateralDelta), big.NewInt(0))
	eq(t, "debt deltas cancel", new(big.Int).Add(migClose.DebtDelta, migOpen.DebtDelta), big.NewInt(0))
	eq(t, "no cash moved", migClose.CashflowQuote, big.NewInt(0))
}

func TestProcessor_BaseCurrencyMigrationRescales(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	oldID := posID("WETHUSDC", 1)
	newID := posID("WBTCUSDC", 2)
	ctx := context.Background()

	feed(t, proc, openEvents(oldID, 100))

	// 0.5 WETH converts to 0.025 WBTC (8 decimals).
	wbtcOut := big.NewInt(2_500_000)
	feed(t, proc, []event.Event{
		&event.SwapExecuted{EventMeta: meta(101, 1), TokenIn: addrWETH, TokenOut: addrWBTC, AmountIn: eth(500), AmountOut: wbtcOut},
		&event.Migrated{EventMeta: meta(101, 2), OldPositionID: oldID, NewPositionID: newID},
		&event.PositionUpserted{EventMeta: meta(101, 3), PositionID: newID, Owner: addrOwner},
	})

	newPos, err := store.Position(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	eq(t, "rescaled collateral", newPos.Collateral, wbtcOut)
	eq(t, "debt unchanged", newPos.Debt, usd(800))
	// Short-side cost is base denominated: 0.4 WETH becomes 0.02 WBTC.
	eq(t, "rescaled short cost", newPos.ShortCost, big.NewInt(2_000_000))
	// Long-side cost stays in quote units.
	eq(t, "long cost unchanged", newPos.LongCost, usd(-1000))

	fills, _ := store.FillItems(ctx, newID)
	var open *state.FillItem
	for _, f := range fills {
		if f.FillType == state.FillTypeMigrateBaseCurrencyOpen {
			open = f
		}
	}
	if open == nil {
		t.Fatal("missing base-currency open fill")
	}
}

func TestProcessor_BaseCurrencyMigrationWithoutSwapIsFatal(t *testing.T) {
	store := seedStore(t)
	proc := newTestProcessor(t, store, Config{})
	oldID := posID("WETHUSDC", 1)
	newID := posID("WBTCUSDC", 2)
	ctx := context.Background()

	feed(t, proc, openEvents(oldID, 100))

	events := []event.Event{
		&event.Migrated{EventMeta: meta(101, 1), OldPositionID: oldID, NewPositionID: newID},
		&event.PositionUpserted{EventMeta: meta(101, 2), PositionID: newID, Owner: addrOwner},
	}
	var lastErr error
	for _, ev := range events {
		lastErr = proc.Process(ctx, ev)
	}
	if lastErr == nil {
		t.Fatal("expected fatal error for base change without conversion swap")
	}

	// The failure stays confined to that transaction: the source position
	// is untouched.
	oldPos, err := store.Position(ctx, oldID)
	if err != nil {
		t.Fatal(err)
	}
	eq(t, "source collateral intact", oldPos.Collateral, eth(500))
	if !oldPos.Open {
		t.Fatal("source position closed by failed migration")
	}
}
