// Package persistence is the Postgres backing for the ledger: the entity
// store, the raw event log, and schema migrations.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	"LotLedger/internal/state"
)

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PostgresStore implements state.Store on Postgres. Amounts live in
// NUMERIC(78,0) columns, wide enough for any uint256, and cross the driver
// boundary as decimal strings.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// --- Positions ---

const positionColumns = `
	chain_id, number, owner, proxy, instrument, open,
	collateral, debt, lending_profit_to_settle, debt_cost_to_settle,
	fees_base, fees_quote, cashflow_base, cashflow_quote,
	realized_pnl_base, realized_pnl_quote,
	lot_count, long_cost, short_cost,
	migrated_to_chain_id, migrated_to_number,
	created_block, created_at, updated_block`

func (s *PostgresStore) Position(ctx context.Context, id event.PositionID) (*state.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions WHERE chain_id = $1 AND number = $2
	`, id.ChainID, id.Number)

	var (
		pos                 state.Position
		collateral, debt    string
		lendingProfit       string
		debtCost            string
		feesBase, feesQuote string
		cfBase, cfQuote     string
		pnlBase, pnlQuote   string
		longCost, shortCost string
		migChainID          sql.NullInt64
		migNumber           sql.NullString
	)
	err := row.Scan(
		&pos.ID.ChainID, &pos.ID.Number, &pos.Owner, &pos.Proxy, &pos.Instrument, &pos.Open,
		&collateral, &debt, &lendingProfit, &debtCost,
		&feesBase, &feesQuote, &cfBase, &cfQuote,
		&pnlBase, &pnlQuote,
		&pos.LotCount, &longCost, &shortCost,
		&migChainID, &migNumber,
		&pos.CreatedBlock, &pos.CreatedAt, &pos.UpdatedBlock,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s: %w", id, state.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}

	for _, bind := range []struct {
		dst **big.Int
		src string
	}{
		{&pos.Collateral, collateral}, {&pos.Debt, debt},
		{&pos.LendingProfitToSettle, lendingProfit}, {&pos.DebtCostToSettle, debtCost},
		{&pos.FeesBase, feesBase}, {&pos.FeesQuote, feesQuote},
		{&pos.CashflowBase, cfBase}, {&pos.CashflowQuote, cfQuote},
		{&pos.RealizedPnLBase, pnlBase}, {&pos.RealizedPnLQuote, pnlQuote},
		{&pos.LongCost, longCost}, {&pos.ShortCost, shortCost},
	} {
		v, err := parseNumeric(bind.src)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", id, err)
		}
		*bind.dst = v
	}

	if migChainID.Valid && migNumber.Valid {
		pos.MigratedTo = &event.PositionID{ChainID: migChainID.Int64, Number: migNumber.String}
	}
	return &pos, nil
}

func (s *PostgresStore) PutPosition(ctx context.Context, pos *state.Position) error {
	var (
		migChainID sql.NullInt64
		migNumber  sql.NullString
	)
	if pos.MigratedTo != nil {
		migChainID = sql.NullInt64{Int64: pos.MigratedTo.ChainID, Valid: true}
		migNumber = sql.NullString{String: pos.MigratedTo.Number, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (chain_id, number) DO UPDATE SET
			owner = EXCLUDED.owner,
			proxy = EXCLUDED.proxy,
			instrument = EXCLUDED.instrument,
			open = EXCLUDED.open,
			collateral = EXCLUDED.collateral,
			debt = EXCLUDED.debt,
			lending_profit_to_settle = EXCLUDED.lending_profit_to_settle,
			debt_cost_to_settle = EXCLUDED.debt_cost_to_settle,
			fees_base = EXCLUDED.fees_base,
			fees_quote = EXCLUDED.fees_quote,
			cashflow_base = EXCLUDED.cashflow_base,
			cashflow_quote = EXCLUDED.cashflow_quote,
			realized_pnl_base = EXCLUDED.realized_pnl_base,
			realized_pnl_quote = EXCLUDED.realized_pnl_quote,
			lot_count = EXCLUDED.lot_count,
			long_cost = EXCLUDED.long_cost,
			short_cost = EXCLUDED.short_cost,
			migrated_to_chain_id = EXCLUDED.migrated_to_chain_id,
			migrated_to_number = EXCLUDED.migrated_to_number,
			updated_block = EXCLUDED.updated_block
	`,
		pos.ID.ChainID, pos.ID.Number, pos.Owner, pos.Proxy, pos.Instrument, pos.Open,
		numeric(pos.Collateral), numeric(pos.Debt),
		numeric(pos.LendingProfitToSettle), numeric(pos.DebtCostToSettle),
		numeric(pos.FeesBase), numeric(pos.FeesQuote),
		numeric(pos.CashflowBase), numeric(pos.CashflowQuote),
		numeric(pos.RealizedPnLBase), numeric(pos.RealizedPnLQuote),
		pos.LotCount, numeric(pos.LongCost), numeric(pos.ShortCost),
		migChainID, migNumber,
		pos.CreatedBlock, pos.CreatedAt, pos.UpdatedBlock,
	)
	if err != nil {
		return fmt.Errorf("put position %s: %w", pos.ID, err)
	}
	return nil
}

// --- Lots ---

func (s *PostgresStore) Lots(ctx context.Context, id event.PositionID) ([]ledger.Lot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT side, slot_index, size, gross_size, open_cost, gross_open_cost,
		       created_block, created_at, created_tx, closed_block
		FROM lots
		WHERE chain_id = $1 AND position_number = $2
		ORDER BY side, slot_index
	`, id.ChainID, id.Number)
	if err != nil {
		return nil, fmt.Errorf("load lots %s: %w", id, err)
	}
	defer rows.Close()

	var out []ledger.Lot
	for rows.Next() {
		lot := ledger.Lot{PositionID: id}
		var size, grossSize, openCost, grossOpenCost string
		if err := rows.Scan(
			&lot.Side, &lot.Index, &size, &grossSize, &openCost, &grossOpenCost,
			&lot.CreatedBlock, &lot.CreatedAt, &lot.CreatedTx, &lot.ClosedBlock,
		); err != nil {
			return nil, fmt.Errorf("scan lot for %s: %w", id, err)
		}
		if lot.Size, err = parseNumeric(size); err != nil {
			return nil, err
		}
		if lot.GrossSize, err = parseNumeric(grossSize); err != nil {
			return nil, err
		}
		if lot.OpenCost, err = parseNumeric(openCost); err != nil {
			return nil, err
		}
		if lot.GrossOpenCost, err = parseNumeric(grossOpenCost); err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutLot(ctx context.Context, lot ledger.Lot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lots (chain_id, position_number, side, slot_index,
		                  size, gross_size, open_cost, gross_open_cost,
		                  created_block, created_at, created_tx, closed_block)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chain_id, position_number, side, slot_index) DO UPDATE SET
			size = EXCLUDED.size,
			gross_size = EXCLUDED.gross_size,
			open_cost = EXCLUDED.open_cost,
			gross_open_cost = EXCLUDED.gross_open_cost,
			created_block = EXCLUDED.created_block,
			created_at = EXCLUDED.created_at,
			created_tx = EXCLUDED.created_tx,
			closed_block = EXCLUDED.closed_block
	`,
		lot.PositionID.ChainID, lot.PositionID.Number, lot.Side, lot.Index,
		numeric(lot.Size), numeric(lot.GrossSize),
		numeric(lot.OpenCost), numeric(lot.GrossOpenCost),
		lot.CreatedBlock, lot.CreatedAt, lot.CreatedTx, lot.ClosedBlock,
	)
	if err != nil {
		return fmt.Errorf("put lot %s/%s/%d: %w", lot.PositionID, lot.Side, lot.Index, err)
	}
	return nil
}

func (s *PostgresStore) DeleteLot(ctx context.Context, id ledger.LotID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM lots
		WHERE chain_id = $1 AND position_number = $2 AND side = $3 AND slot_index = $4
	`, id.PositionID.ChainID, id.PositionID.Number, id.Side, id.Index)
	if err != nil {
		return fmt.Errorf("delete lot %s/%s/%d: %w", id.PositionID, id.Side, id.Index, err)
	}
	return nil
}

// --- Fill items ---

const fillColumns = `
	id, chain_id, position_number, traded_by, block_number, timestamp, tx_hash,
	fill_type, collateral_delta, debt_delta,
	lending_profit_settled, debt_cost_settled,
	fee, fee_ccy, fee_base, fee_quote,
	cashflow, cashflow_token, cashflow_quote, cashflow_base,
	price, price_source, fill_price,
	realized_pnl_base, realized_pnl_quote,
	gross_collateral_before, gross_collateral_after,
	collateral_before, collateral_after,
	gross_debt_before, gross_debt_after,
	debt_before, debt_after`

func (s *PostgresStore) FillItem(ctx context.Context, id uuid.UUID) (*state.FillItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+fillColumns+` FROM fill_items WHERE id = $1
	`, id)
	item, err := scanFillItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fill item %s: %w", id, state.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load fill item %s: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) PutFillItem(ctx context.Context, item *state.FillItem) error {
	// Plain INSERT: the primary key enforces write-once.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fill_items (`+fillColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
		        $27, $28, $29, $30, $31, $32, $33)
	`,
		item.ID, item.ChainID, item.PositionID.Number, item.TradedBy,
		item.BlockNumber, item.Timestamp, item.TxHash,
		item.FillType, numeric(item.CollateralDelta), numeric(item.DebtDelta),
		numeric(item.LendingProfitSettled), numeric(item.DebtCostSettled),
		numeric(item.Fee), item.FeeCcy, numeric(item.FeeBase), numeric(item.FeeQuote),
		numeric(item.Cashflow), item.CashflowToken,
		numeric(item.CashflowQuote), numeric(item.CashflowBase),
		numeric(item.Price), item.PriceSource, numeric(item.FillPrice),
		numeric(item.RealizedPnLBase), numeric(item.RealizedPnLQuote),
		numeric(item.GrossCollateralBefore), numeric(item.GrossCollateralAfter),
		numeric(item.CollateralBefore), numeric(item.CollateralAfter),
		numeric(item.GrossDebtBefore), numeric(item.GrossDebtAfter),
		numeric(item.DebtBefore), numeric(item.DebtAfter),
	)
	if err != nil {
		return fmt.Errorf("put fill item %s: %w", item.ID, err)
	}
	return nil
}

func (s *PostgresStore) FillItems(ctx context.Context, id event.PositionID) ([]*state.FillItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fillColumns+` FROM fill_items
		WHERE chain_id = $1 AND position_number = $2
		ORDER BY block_number, timestamp
	`, id.ChainID, id.Number)
	if err != nil {
		return nil, fmt.Errorf("load fill items %s: %w", id, err)
	}
	defer rows.Close()

	var out []*state.FillItem
	for rows.Next() {
		item, err := scanFillItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan fill item for %s: %w", id, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanFillItem(scan func(dest ...interface{}) error) (*state.FillItem, error) {
	var (
		item state.FillItem
		nums [24]string
	)
	err := scan(
		&item.ID, &item.ChainID, &item.PositionID.Number, &item.TradedBy,
		&item.BlockNumber, &item.Timestamp, &item.TxHash,
		&item.FillType, &nums[0], &nums[1],
		&nums[2], &nums[3],
		&nums[4], &item.FeeCcy, &nums[5], &nums[6],
		&nums[7], &item.CashflowToken, &nums[8], &nums[9],
		&nums[10], &item.PriceSource, &nums[11],
		&nums[12], &nums[13],
		&nums[14], &nums[15],
		&nums[16], &nums[17],
		&nums[18], &nums[19],
		&nums[20], &nums[21],
	)
	if err != nil {
		return nil, err
	}
	item.PositionID.ChainID = item.ChainID

	for i, dst := range []**big.Int{
		&item.CollateralDelta, &item.DebtDelta,
		&item.LendingProfitSettled, &item.DebtCostSettled,
		&item.Fee, &item.FeeBase, &item.FeeQuote,
		&item.Cashflow, &item.CashflowQuote, &item.CashflowBase,
		&item.Price, &item.FillPrice,
		&item.RealizedPnLBase, &item.RealizedPnLQuote,
		&item.GrossCollateralBefore, &item.GrossCollateralAfter,
		&item.CollateralBefore, &item.CollateralAfter,
		&item.GrossDebtBefore, &item.GrossDebtAfter,
		&item.DebtBefore, &item.DebtAfter,
	} {
		v, err := parseNumeric(nums[i])
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	return &item, nil
}

// --- Instruments and tokens ---

func (s *PostgresStore) Instrument(ctx context.Context, id string) (state.Instrument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT i.id,
		       b.chain_id, b.address, b.symbol, b.decimals,
		       q.chain_id, q.address, q.symbol, q.decimals
		FROM instruments i
		JOIN tokens b ON b.chain_id = i.base_chain_id AND b.address = i.base_address
		JOIN tokens q ON q.chain_id = i.quote_chain_id AND q.address = i.quote_address
		WHERE i.id = $1
	`, id)

	var inst state.Instrument
	err := row.Scan(
		&inst.ID,
		&inst.Base.ChainID, &inst.Base.Address, &inst.Base.Symbol, &inst.Base.Decimals,
		&inst.Quote.ChainID, &inst.Quote.Address, &inst.Quote.Symbol, &inst.Quote.Decimals,
	)
	if err == sql.ErrNoRows {
		return state.Instrument{}, fmt.Errorf("instrument %s: %w", id, state.ErrNotFound)
	}
	if err != nil {
		return state.Instrument{}, fmt.Errorf("load instrument %s: %w", id, err)
	}
	return inst, nil
}

func (s *PostgresStore) PutInstrument(ctx context.Context, instrument state.Instrument) error {
	if err := s.PutToken(ctx, instrument.Base); err != nil {
		return err
	}
	if err := s.PutToken(ctx, instrument.Quote); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments (id, base_chain_id, base_address, quote_chain_id, quote_address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			base_chain_id = EXCLUDED.base_chain_id,
			base_address = EXCLUDED.base_address,
			quote_chain_id = EXCLUDED.quote_chain_id,
			quote_address = EXCLUDED.quote_address
	`, instrument.ID,
		instrument.Base.ChainID, event.NormalizeAddr(instrument.Base.Address),
		instrument.Quote.ChainID, event.NormalizeAddr(instrument.Quote.Address),
	)
	if err != nil {
		return fmt.Errorf("put instrument %s: %w", instrument.ID, err)
	}
	return nil
}

func (s *PostgresStore) Token(ctx context.Context, id state.TokenID) (state.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chain_id, address, symbol, decimals
		FROM tokens WHERE chain_id = $1 AND address = $2
	`, id.ChainID, event.NormalizeAddr(id.Address))

	var tok state.Token
	err := row.Scan(&tok.ChainID, &tok.Address, &tok.Symbol, &tok.Decimals)
	if err == sql.ErrNoRows {
		return state.Token{}, fmt.Errorf("token %s@%d: %w", id.Address, id.ChainID, state.ErrNotFound)
	}
	if err != nil {
		return state.Token{}, fmt.Errorf("load token %s@%d: %w", id.Address, id.ChainID, err)
	}
	return tok, nil
}

func (s *PostgresStore) PutToken(ctx context.Context, token state.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (chain_id, address, symbol, decimals)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals
	`, token.ChainID, event.NormalizeAddr(token.Address), token.Symbol, token.Decimals)
	if err != nil {
		return fmt.Errorf("put token %s@%d: %w", token.Address, token.ChainID, err)
	}
	return nil
}

// --- numeric helpers ---

// numeric renders a big.Int for a NUMERIC(78,0) parameter; nil becomes zero.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", s)
	}
	return v, nil
}
