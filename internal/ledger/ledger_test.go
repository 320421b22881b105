package ledger_test

import (
	"math/big"
	"testing"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
)

var testPos = event.PositionID{ChainID: 42161, Number: "0x1"}

func meta(block uint64) ledger.LotMeta {
	return ledger.LotMeta{
		PositionID: testPos,
		Block:      block,
		Timestamp:  1_700_000_000 + int64(block)*12,
		TxHash:     "0xabc",
	}
}

func bi(v int64) *big.Int { return big.NewInt(v) }

// eth is a wei-scale amount: n * 10^18.
func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// usd is a 6-decimal stable amount: n * 10^6.
func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func longLot(t *testing.T, idx int, size, cost *big.Int) ledger.Lot {
	t.Helper()
	return ledger.Lot{
		PositionID:    testPos,
		Side:          ledger.SideLong,
		Index:         idx,
		Size:          new(big.Int).Set(size),
		GrossSize:     new(big.Int).Set(size),
		OpenCost:      new(big.Int).Set(cost),
		GrossOpenCost: new(big.Int).Set(cost),
		CreatedBlock:  uint64(100 + idx),
	}
}

func shortLot(t *testing.T, idx int, size, cost *big.Int) ledger.Lot {
	t.Helper()
	return ledger.Lot{
		PositionID:    testPos,
		Side:          ledger.SideShort,
		Index:         idx,
		Size:          new(big.Int).Neg(size),
		GrossSize:     new(big.Int).Neg(size),
		OpenCost:      new(big.Int).Set(cost),
		GrossOpenCost: new(big.Int).Set(cost),
		CreatedBlock:  uint64(100 + idx),
	}
}

func eq(t *testing.T, got, want *big.Int, what string) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Errorf("%s: got %s, want %s", what, got, want)
	}
}

// ============================================================================
// Test: CloseSize (FIFO consumption)
// ============================================================================

func TestCloseSize_FIFONotProportional(t *testing.T) {
	lots := []ledger.Lot{
		longLot(t, 0, bi(10), bi(-100)),
		longLot(t, 1, bi(20), bi(-200)),
		longLot(t, 2, bi(30), bi(-300)),
	}

	ledger.CloseSize(lots, bi(-25), 500)

	// Oldest lot fully consumed, second partially, third untouched.
	eq(t, lots[0].Size, bi(0), "lot0 size")
	eq(t, lots[0].OpenCost, bi(0), "lot0 cost")
	if lots[0].ClosedBlock != 500 {
		t.Errorf("lot0 closed block: got %d, want 500", lots[0].ClosedBlock)
	}
	eq(t, lots[1].Size, bi(5), "lot1 size")
	eq(t, lots[1].OpenCost, bi(-50), "lot1 cost")
	if lots[1].ClosedBlock != 0 {
		t.Errorf("lot1 should remain open, closed at %d", lots[1].ClosedBlock)
	}
	eq(t, lots[2].Size, bi(30), "lot2 size")
	eq(t, lots[2].OpenCost, bi(-300), "lot2 cost")
}

func TestCloseSize_ConsumesAcrossLots(t *testing.T) {
	lots := []ledger.Lot{
		longLot(t, 0, bi(10), bi(-100)),
		longLot(t, 1, bi(20), bi(-200)),
		longLot(t, 2, bi(30), bi(-300)),
	}

	released := ledger.CloseSize(lots, bi(-55), 501)

	eq(t, lots[0].Size, bi(0), "lot0 size")
	eq(t, lots[1].Size, bi(0), "lot1 size")
	eq(t, lots[2].Size, bi(5), "lot2 size")
	// Released cost is sign-flipped basis: 100 + 200 + 250.
	eq(t, released, bi(550), "released cost")
}

func TestCloseSize_ShortSide(t *testing.T) {
	lots := []ledger.Lot{
		shortLot(t, 0, usd(800), eth(40)),
	}

	released := ledger.CloseSize(lots, usd(800), 502)

	eq(t, lots[0].Size, bi(0), "short lot size")
	eq(t, lots[0].OpenCost, bi(0), "short lot cost")
	eq(t, released, new(big.Int).Neg(eth(40)), "released cost")
}

func TestCloseSize_SkipsClosedLots(t *testing.T) {
	closed := longLot(t, 0, bi(0), bi(0))
	lots := []ledger.Lot{
		closed,
		longLot(t, 1, bi(20), bi(-200)),
	}

	ledger.CloseSize(lots, bi(-5), 503)

	eq(t, lots[1].Size, bi(15), "lot1 size")
}

func TestCloseSize_ZeroSizeClosedLotsHaveZeroCost(t *testing.T) {
	lots := []ledger.Lot{
		longLot(t, 0, bi(7), bi(-333)),
		longLot(t, 1, bi(3), bi(-111)),
	}

	ledger.CloseSize(lots, bi(-10), 504)

	for i, l := range lots {
		if l.Size.Sign() != 0 {
			t.Fatalf("lot%d not fully closed: size=%s", i, l.Size)
		}
		if l.OpenCost.Sign() != 0 {
			t.Errorf("lot%d: fully closed lot carries cost %s", i, l.OpenCost)
		}
	}
}

// ============================================================================
// Test: interest allocation
// ============================================================================

func TestAllocateFundingCost_ExactSum(t *testing.T) {
	cases := []struct {
		name  string
		costs []int64
		want  []int64
	}{
		{"two lots", []int64{30, 70}, []int64{30, 70}},
		{"uneven split", []int64{33, 67}, []int64{33, 67}},
		{"remainder to last", []int64{1, 1, 1}, []int64{33, 33, 34}},
		{"single lot", []int64{55}, []int64{100}},
		{"zero-cost lot", []int64{0, 50}, []int64{0, 100}},
		{"all zero costs", []int64{0, 0}, []int64{0, 100}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lots := make([]ledger.Lot, len(tc.costs))
			for i, c := range tc.costs {
				lots[i] = longLot(t, i, bi(10), bi(c))
			}

			ledger.AllocateFundingCost(lots, bi(100))

			total := big.NewInt(0)
			for i, l := range lots {
				inc := new(big.Int).Sub(l.OpenCost, bi(tc.costs[i]))
				eq(t, inc, bi(tc.want[i]), "increase")
				total.Add(total, inc)
			}
			eq(t, total, bi(100), "allocated total")
		})
	}
}

func TestAllocateFundingProfit_GrowsSizesExactly(t *testing.T) {
	lots := []ledger.Lot{
		longLot(t, 0, bi(30), bi(-300)),
		longLot(t, 1, bi(70), bi(-700)),
	}

	ledger.AllocateFundingProfit(lots, bi(11))

	// 11*30/100 = 3 truncated; remainder 8 to the last lot.
	eq(t, lots[0].Size, bi(33), "lot0 size")
	eq(t, lots[1].Size, bi(78), "lot1 size")
	// Gross sizes never move on interest allocation.
	eq(t, lots[0].GrossSize, bi(30), "lot0 gross size")
	eq(t, lots[1].GrossSize, bi(70), "lot1 gross size")
}

func TestAllocate_ZeroAmountIsNoop(t *testing.T) {
	lots := []ledger.Lot{longLot(t, 0, bi(30), bi(-300))}

	ledger.AllocateFundingCost(lots, bi(0))
	ledger.AllocateFundingProfit(lots, bi(0))

	eq(t, lots[0].Size, bi(30), "size")
	eq(t, lots[0].OpenCost, bi(-300), "cost")
}

func TestAllocate_SkipsClosedLots(t *testing.T) {
	lots := []ledger.Lot{
		longLot(t, 0, bi(0), bi(0)),
		longLot(t, 1, bi(50), bi(-500)),
	}

	ledger.AllocateFundingCost(lots, bi(100))

	eq(t, lots[0].OpenCost, bi(0), "closed lot cost")
	eq(t, lots[1].OpenCost, bi(-400), "open lot cost")
}

// ============================================================================
// Test: UpdateLots
// ============================================================================

func TestUpdateLots_OpenBothSides(t *testing.T) {
	res, err := ledger.UpdateLots(
		nil,
		eth(40), usd(800),
		bi(0), bi(0),
		ledger.SideCosts{Long: new(big.Int).Neg(usd(1000)), Short: eth(40)},
		meta(600),
	)
	if err != nil {
		t.Fatalf("UpdateLots: %v", err)
	}

	long, short := ledger.BySide(res.Lots)
	if len(long) != 1 || len(short) != 1 {
		t.Fatalf("lot counts: long=%d short=%d, want 1/1", len(long), len(short))
	}
	eq(t, long[0].Size, eth(40), "long size")
	eq(t, long[0].GrossSize, eth(40), "long gross size")
	eq(t, long[0].OpenCost, new(big.Int).Neg(usd(1000)), "long cost")
	eq(t, short[0].Size, new(big.Int).Neg(usd(800)), "short size")
	eq(t, short[0].OpenCost, eth(40), "short cost")

	eq(t, res.Before.NetCollateral, bi(0), "before collateral")
	eq(t, res.After.NetCollateral, eth(40), "after collateral")
	eq(t, res.After.NetDebt, usd(800), "after debt")
	eq(t, res.RealizedQuote, bi(0), "realized quote")
	eq(t, res.RealizedBase, bi(0), "realized base")
}

func TestUpdateLots_RoundTripFullClose(t *testing.T) {
	opened, err := ledger.UpdateLots(
		nil,
		eth(40), usd(800),
		bi(0), bi(0),
		ledger.SideCosts{Long: new(big.Int).Neg(usd(1000)), Short: eth(40)},
		meta(600),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	closed, err := ledger.UpdateLots(
		opened.Lots,
		new(big.Int).Neg(eth(40)), new(big.Int).Neg(usd(800)),
		bi(0), bi(0),
		// Reverse at a better price: releasing the collateral recovers
		// 1200 quote against the 1000 originally paid.
		ledger.SideCosts{Long: usd(1200), Short: new(big.Int).Neg(eth(40))},
		meta(700),
	)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// Released long cost is 1000; closing fill cost 1200.
	eq(t, closed.RealizedQuote, new(big.Int).Neg(usd(200)), "realized quote")
	eq(t, closed.RealizedBase, bi(0), "realized base")
	eq(t, closed.After.NetCollateral, bi(0), "post-close collateral")
	eq(t, closed.After.NetDebt, bi(0), "post-close debt")

	openCount := 0
	for _, l := range closed.Lots {
		if l.Open() {
			openCount++
		}
		if l.Size.Sign() == 0 && l.OpenCost.Sign() != 0 {
			t.Errorf("closed lot with cost %s", l.OpenCost)
		}
	}
	if openCount != 0 {
		t.Errorf("open lots after full close: %d, want 0", openCount)
	}
}

func TestUpdateLots_ZeroDeltasTouchNothing(t *testing.T) {
	initial, err := ledger.UpdateLots(
		nil, eth(10), usd(100), bi(0), bi(0),
		ledger.SideCosts{Long: new(big.Int).Neg(usd(250)), Short: eth(10)},
		meta(600),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	res, err := ledger.UpdateLots(
		initial.Lots, bi(0), bi(0), bi(0), bi(0),
		ledger.SideCosts{Long: bi(0), Short: bi(0)},
		meta(601),
	)
	if err != nil {
		t.Fatalf("noop: %v", err)
	}
	if len(res.Lots) != len(initial.Lots) {
		t.Errorf("lot count changed on zero deltas: %d -> %d", len(initial.Lots), len(res.Lots))
	}
}

func TestUpdateLots_InterestDirections(t *testing.T) {
	opened, err := ledger.UpdateLots(
		nil, eth(40), usd(800), bi(0), bi(0),
		ledger.SideCosts{Long: new(big.Int).Neg(usd(1000)), Short: eth(40)},
		meta(600),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Settle one ether of lending profit and 50 quote of debt cost.
	res, err := ledger.UpdateLots(
		opened.Lots, bi(0), bi(0), eth(1), usd(50),
		ledger.SideCosts{Long: bi(0), Short: bi(0)},
		meta(650),
	)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	long, short := ledger.BySide(res.Lots)

	// Lending profit enlarges long sizes and contracts short costs.
	eq(t, long[0].Size, eth(41), "long size after profit")
	eq(t, short[0].OpenCost, eth(39), "short cost after profit")
	// Debt cost enlarges short sizes (magnitude) and contracts long costs.
	eq(t, short[0].Size, new(big.Int).Neg(usd(850)), "short size after cost")
	eq(t, long[0].OpenCost, new(big.Int).Neg(usd(950)), "long cost after cost")
	// Gross fields carry principal only.
	eq(t, long[0].GrossSize, eth(40), "long gross size")
	eq(t, short[0].GrossOpenCost, eth(40), "short gross cost")

	// Net aggregates move with the settlement, gross do not.
	eq(t, res.After.NetCollateral, eth(41), "net collateral")
	eq(t, res.After.GrossCollateral, eth(40), "gross collateral")
	eq(t, res.After.NetDebt, usd(850), "net debt")
	eq(t, res.After.GrossDebt, usd(800), "gross debt")
}

func TestUpdateLots_PartialCloseRealizes(t *testing.T) {
	opened, err := ledger.UpdateLots(
		nil, eth(40), usd(800), bi(0), bi(0),
		ledger.SideCosts{Long: new(big.Int).Neg(usd(1000)), Short: eth(40)},
		meta(600),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Close half the collateral, recovering 520 quote.
	res, err := ledger.UpdateLots(
		opened.Lots, new(big.Int).Neg(eth(20)), bi(0), bi(0), bi(0),
		ledger.SideCosts{Long: usd(520), Short: bi(0)},
		meta(700),
	)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// Half the basis (500) released against 520 recovered.
	eq(t, res.RealizedQuote, new(big.Int).Neg(usd(20)), "realized quote")
	eq(t, res.After.NetCollateral, eth(20), "remaining collateral")

	long, _ := ledger.BySide(res.Lots)
	eq(t, long[0].OpenCost, new(big.Int).Neg(usd(500)), "remaining long cost")
}

func TestUpdateLots_DoesNotMutateInput(t *testing.T) {
	opened, err := ledger.UpdateLots(
		nil, eth(40), usd(800), bi(0), bi(0),
		ledger.SideCosts{Long: new(big.Int).Neg(usd(1000)), Short: eth(40)},
		meta(600),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	input := ledger.CloneLots(opened.Lots)
	_, err = ledger.UpdateLots(
		opened.Lots, new(big.Int).Neg(eth(40)), new(big.Int).Neg(usd(800)),
		bi(0), bi(0),
		ledger.SideCosts{Long: usd(1000), Short: new(big.Int).Neg(eth(40))},
		meta(700),
	)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	for i := range input {
		if input[i].Size.Cmp(opened.Lots[i].Size) != 0 {
			t.Errorf("input lot %d mutated: size %s -> %s", i, input[i].Size, opened.Lots[i].Size)
		}
	}
}

// ============================================================================
// Test: NetAggregates
// ============================================================================

func TestNetAggregates_AbsoluteDebtSums(t *testing.T) {
	lots := []ledger.Lot{
		longLot(t, 0, eth(10), new(big.Int).Neg(usd(100))),
		longLot(t, 1, eth(5), new(big.Int).Neg(usd(60))),
		shortLot(t, 0, usd(200), eth(8)),
		shortLot(t, 1, usd(50), eth(2)),
	}

	agg := ledger.NetAggregates(lots)
	eq(t, agg.NetCollateral, eth(15), "net collateral")
	eq(t, agg.GrossCollateral, eth(15), "gross collateral")
	eq(t, agg.NetDebt, usd(250), "net debt")
	eq(t, agg.GrossDebt, usd(250), "gross debt")
}
