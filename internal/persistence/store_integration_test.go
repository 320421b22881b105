package persistence_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	"LotLedger/internal/observability"
	"LotLedger/internal/persistence"
	"LotLedger/internal/state"
	"LotLedger/internal/testutil"
)

// ==========================================================================
// Integration tests against a real Postgres. Skipped unless
// INTEGRATION_TEST=1 and the docker-compose.test.yml database is running.
// ==========================================================================

func setupStore(t *testing.T) (*persistence.PostgresStore, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	migrator := persistence.NewMigrator(db, "../../migrations", observability.NewLogger("test"))
	if err := migrator.Up(ctx); err != nil {
		cleanup()
		t.Fatalf("run migrations: %v", err)
	}

	return persistence.NewPostgresStore(db), cleanup
}

func testInstrument() state.Instrument {
	return state.Instrument{
		ID: "WETHUSDC",
		Base: state.Token{
			ChainID:  1,
			Address:  "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
			Symbol:   "WETH",
			Decimals: 18,
		},
		Quote: state.Token{
			ChainID:  1,
			Address:  "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			Symbol:   "USDC",
			Decimals: 6,
		},
	}
}

func TestPositionRoundTrip(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.PutInstrument(ctx, testInstrument()); err != nil {
		t.Fatalf("put instrument: %v", err)
	}

	id := event.PositionID{ChainID: 1, Number: "0x01"}
	pos := state.NewPosition(id, "0xowner", "0xvault", "WETHUSDC", event.Meta{
		BlockNumber:    100,
		BlockTimestamp: 1_700_000_000,
	})
	pos.Collateral = big.NewInt(500_000_000_000_000_000)
	pos.Debt = big.NewInt(800_000_000)
	pos.LongCost = big.NewInt(-1_000_000_000)
	pos.LotCount = 2
	pos.UpdatedBlock = 100

	if err := store.PutPosition(ctx, pos); err != nil {
		t.Fatalf("put position: %v", err)
	}

	got, err := store.Position(ctx, id)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if got.Owner != "0xowner" || got.Proxy != "0xvault" || got.Instrument != "WETHUSDC" {
		t.Errorf("identity fields: owner=%s proxy=%s instrument=%s", got.Owner, got.Proxy, got.Instrument)
	}
	if got.Collateral.Cmp(pos.Collateral) != 0 {
		t.Errorf("collateral: got %s, want %s", got.Collateral, pos.Collateral)
	}
	if got.LongCost.Cmp(pos.LongCost) != 0 {
		t.Errorf("long cost: got %s, want %s", got.LongCost, pos.LongCost)
	}
	if got.LotCount != 2 {
		t.Errorf("lot count: got %d, want 2", got.LotCount)
	}
	if got.MigratedTo != nil {
		t.Errorf("unexpected migration pointer: %v", got.MigratedTo)
	}

	// Upsert with a migration pointer, read it back.
	successor := event.PositionID{ChainID: 1, Number: "0x02"}
	pos.Open = false
	pos.MigratedTo = &successor
	if err := store.PutPosition(ctx, pos); err != nil {
		t.Fatalf("update position: %v", err)
	}
	got, err = store.Position(ctx, id)
	if err != nil {
		t.Fatalf("reload position: %v", err)
	}
	if got.Open {
		t.Error("position still open after close")
	}
	if got.MigratedTo == nil || *got.MigratedTo != successor {
		t.Errorf("migration pointer: got %v, want %s", got.MigratedTo, successor)
	}
}

func TestPositionNotFound(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	_, err := store.Position(context.Background(), event.PositionID{ChainID: 1, Number: "0xmissing"})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLotsOrderedBySideThenIndex(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.PutInstrument(ctx, testInstrument()); err != nil {
		t.Fatalf("put instrument: %v", err)
	}
	id := event.PositionID{ChainID: 1, Number: "0x01"}
	pos := state.NewPosition(id, "0xowner", "0xvault", "WETHUSDC", event.Meta{BlockNumber: 100})
	if err := store.PutPosition(ctx, pos); err != nil {
		t.Fatalf("put position: %v", err)
	}

	// Insert out of order.
	for _, lot := range []ledger.Lot{
		{PositionID: id, Side: ledger.SideShort, Index: 0,
			Size: big.NewInt(-800_000_000), GrossSize: big.NewInt(-800_000_000),
			OpenCost: big.NewInt(400_000_000_000_000_000), GrossOpenCost: big.NewInt(400_000_000_000_000_000),
			CreatedBlock: 100, CreatedTx: "0xaaa"},
		{PositionID: id, Side: ledger.SideLong, Index: 1,
			Size: big.NewInt(100), GrossSize: big.NewInt(100),
			OpenCost: big.NewInt(-200), GrossOpenCost: big.NewInt(-200),
			CreatedBlock: 101, CreatedTx: "0xbbb"},
		{PositionID: id, Side: ledger.SideLong, Index: 0,
			Size: big.NewInt(50), GrossSize: big.NewInt(50),
			OpenCost: big.NewInt(-100), GrossOpenCost: big.NewInt(-100),
			CreatedBlock: 100, CreatedTx: "0xaaa"},
	} {
		if err := store.PutLot(ctx, lot); err != nil {
			t.Fatalf("put lot: %v", err)
		}
	}

	lots, err := store.Lots(ctx, id)
	if err != nil {
		t.Fatalf("load lots: %v", err)
	}
	if len(lots) != 3 {
		t.Fatalf("lot count: got %d, want 3", len(lots))
	}
	if lots[0].Side != ledger.SideLong || lots[0].Index != 0 {
		t.Errorf("lots[0]: %s/%d", lots[0].Side, lots[0].Index)
	}
	if lots[1].Side != ledger.SideLong || lots[1].Index != 1 {
		t.Errorf("lots[1]: %s/%d", lots[1].Side, lots[1].Index)
	}
	if lots[2].Side != ledger.SideShort {
		t.Errorf("lots[2]: %s/%d", lots[2].Side, lots[2].Index)
	}
	if lots[2].Size.Cmp(big.NewInt(-800_000_000)) != 0 {
		t.Errorf("short size: got %s", lots[2].Size)
	}

	if err := store.DeleteLot(ctx, lots[1].ID()); err != nil {
		t.Fatalf("delete lot: %v", err)
	}
	lots, err = store.Lots(ctx, id)
	if err != nil {
		t.Fatalf("reload lots: %v", err)
	}
	if len(lots) != 2 {
		t.Fatalf("lot count after delete: got %d, want 2", len(lots))
	}
}

func TestFillItemWriteOnce(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id := event.PositionID{ChainID: 1, Number: "0x01"}
	item := &state.FillItem{
		ID:          uuid.New(),
		PositionID:  id,
		TradedBy:    "0xtrader",
		ChainID:     1,
		BlockNumber: 100,
		Timestamp:   1_700_000_000,
		TxHash:      "0xabc",
		FillType:    state.FillTypeOpened,

		CollateralDelta:      big.NewInt(500_000_000_000_000_000),
		DebtDelta:            big.NewInt(800_000_000),
		LendingProfitSettled: big.NewInt(0),
		DebtCostSettled:      big.NewInt(0),
		Fee:                  big.NewInt(5_000_000),
		FeeCcy:               event.CurrencyQuote,
		FeeBase:              big.NewInt(0),
		FeeQuote:             big.NewInt(5_000_000),
		Cashflow:             big.NewInt(200_000_000),
		CashflowToken:        "0xusdc",
		CashflowQuote:        big.NewInt(195_000_000),
		CashflowBase:         big.NewInt(0),
		Price:                big.NewInt(2_000_000_000),
		PriceSource:          state.PriceSourceSwap,
		FillPrice:            big.NewInt(2_000_000_000),
		RealizedPnLBase:      big.NewInt(0),
		RealizedPnLQuote:     big.NewInt(0),

		GrossCollateralBefore: big.NewInt(0),
		GrossCollateralAfter:  big.NewInt(500_000_000_000_000_000),
		CollateralBefore:      big.NewInt(0),
		CollateralAfter:       big.NewInt(500_000_000_000_000_000),
		GrossDebtBefore:       big.NewInt(0),
		GrossDebtAfter:        big.NewInt(800_000_000),
		DebtBefore:            big.NewInt(0),
		DebtAfter:             big.NewInt(800_000_000),
	}

	if err := store.PutFillItem(ctx, item); err != nil {
		t.Fatalf("put fill item: %v", err)
	}
	if err := store.PutFillItem(ctx, item); err == nil {
		t.Fatal("second write of the same fill item succeeded")
	}

	got, err := store.FillItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("load fill item: %v", err)
	}
	if got.FillType != state.FillTypeOpened || got.PriceSource != state.PriceSourceSwap {
		t.Errorf("tags: fill_type=%v price_source=%v", got.FillType, got.PriceSource)
	}
	if got.CashflowQuote.Cmp(item.CashflowQuote) != 0 {
		t.Errorf("cashflow quote: got %s, want %s", got.CashflowQuote, item.CashflowQuote)
	}
	if got.PositionID != id {
		t.Errorf("position id: got %s, want %s", got.PositionID, id)
	}

	items, err := store.FillItems(ctx, id)
	if err != nil {
		t.Fatalf("load fill items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("fill items: got %d, want 1", len(items))
	}
}

func TestEventLogDeduplication(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	migrator := persistence.NewMigrator(db, "../../migrations", observability.NewLogger("test"))
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	writer := persistence.NewEventLogWriter(db)
	rows := []persistence.EventRow{
		{
			EventID:        "1:100:0xabc:0:Collateral",
			ChainID:        1,
			BlockNumber:    100,
			BlockTimestamp: 1_700_000_000,
			TxHash:         "0xabc",
			LogIndex:       0,
			EventType:      "Collateral",
			Payload:        []byte(`{"event_type":"Collateral"}`),
			ReceivedAt:     time.Now(),
		},
	}
	if err := writer.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	// Replay of the same row is a no-op.
	if err := writer.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("replay batch: %v", err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	seen, err := checker.SeenEvent("1:100:0xabc:0:Collateral")
	if err != nil {
		t.Fatalf("seen event: %v", err)
	}
	if !seen {
		t.Error("written event not reported as seen")
	}
	seen, err = checker.SeenEvent("1:100:0xabc:1:Debt")
	if err != nil {
		t.Fatalf("seen event: %v", err)
	}
	if seen {
		t.Error("unwritten event reported as seen")
	}
}

