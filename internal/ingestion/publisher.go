package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LotLedger/internal/chain"
	"LotLedger/internal/state"
)

// FillStreamName is the outbound JetStream stream carrying committed fills.
const FillStreamName = "LOTLEDGER_FILLS"

// FillSubjectRoot prefixes outbound fill subjects:
// ledger.fills.<chainId>.<fillType>
const FillSubjectRoot = "ledger.fills"

// FillPublisher broadcasts committed fills to NATS for downstream consumers
// (PnL dashboards, tax reporting). Fills are published after persistence; a
// publish failure is logged and skipped, consumers reconcile from the store.
type FillPublisher struct {
	js     jetstream.JetStream
	fills  <-chan *state.FillItem
	tokens chain.TokenReader // optional, resolves cashflow token symbols
	log    zerolog.Logger
}

func NewFillPublisher(js jetstream.JetStream, fills <-chan *state.FillItem, tokens chain.TokenReader, log zerolog.Logger) *FillPublisher {
	return &FillPublisher{
		js:     js,
		fills:  fills,
		tokens: tokens,
		log:    log.With().Str("component", "fill_publisher").Logger(),
	}
}

// fillJSON is the outbound wire form. Amounts are decimal strings, same
// convention as the inbound envelope.
type fillJSON struct {
	ID          string `json:"id"`
	PositionID  string `json:"position_id"`
	ChainID     int64  `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   int64  `json:"timestamp"`
	TxHash      string `json:"tx_hash"`

	FillType    string `json:"fill_type"`
	TradedBy    string `json:"traded_by"`
	PriceSource string `json:"price_source"`

	CollateralDelta string `json:"collateral_delta"`
	DebtDelta       string `json:"debt_delta"`

	Cashflow            string `json:"cashflow"`
	CashflowToken       string `json:"cashflow_token,omitempty"`
	CashflowTokenSymbol string `json:"cashflow_token_symbol,omitempty"`
	CashflowQuote       string `json:"cashflow_quote"`
	CashflowBase        string `json:"cashflow_base"`
	Price            string `json:"price"`
	FillPrice        string `json:"fill_price"`
	RealizedPnLQuote string `json:"realized_pnl_quote"`
	RealizedPnLBase  string `json:"realized_pnl_base"`
}

// Run drains the fill channel until it closes or the context is cancelled.
func (fp *FillPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-fp.fills:
			if !ok {
				return nil
			}
			if err := fp.publish(ctx, item); err != nil {
				fp.log.Warn().
					Err(err).
					Str("fill", item.ID.String()).
					Msg("outbound fill publish failed")
			}
		}
	}
}

func (fp *FillPublisher) publish(ctx context.Context, item *state.FillItem) error {
	data, err := json.Marshal(fillJSON{
		ID:          item.ID.String(),
		PositionID:  item.PositionID.String(),
		ChainID:     item.ChainID,
		BlockNumber: item.BlockNumber,
		Timestamp:   item.Timestamp,
		TxHash:      item.TxHash,

		FillType:    item.FillType.String(),
		TradedBy:    item.TradedBy,
		PriceSource: item.PriceSource.String(),

		CollateralDelta: item.CollateralDelta.String(),
		DebtDelta:       item.DebtDelta.String(),

		Cashflow:            item.Cashflow.String(),
		CashflowToken:       item.CashflowToken,
		CashflowTokenSymbol: fp.tokenSymbol(ctx, item),
		CashflowQuote:       item.CashflowQuote.String(),
		CashflowBase:        item.CashflowBase.String(),
		Price:            item.Price.String(),
		FillPrice:        item.FillPrice.String(),
		RealizedPnLQuote: item.RealizedPnLQuote.String(),
		RealizedPnLBase:  item.RealizedPnLBase.String(),
	})
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}

	subject := fmt.Sprintf("%s.%d.%s", FillSubjectRoot, item.ChainID, item.FillType)
	_, err = fp.js.Publish(ctx, subject, data)
	return err
}

// tokenSymbol resolves the cashflow token's symbol, best effort. Unknown
// tokens publish with the address only.
func (fp *FillPublisher) tokenSymbol(ctx context.Context, item *state.FillItem) string {
	if fp.tokens == nil || item.CashflowToken == "" {
		return ""
	}
	tok, err := fp.tokens.Token(ctx, item.ChainID, item.CashflowToken)
	if err != nil {
		return ""
	}
	return tok.Symbol
}

// EnsureFillStream creates or updates the outbound fill stream.
func EnsureFillStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      FillStreamName,
		Subjects:  []string{FillSubjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create fill stream: %w", err)
	}
	log.Info().Str("stream", FillStreamName).Msg("ensured outbound fill stream")
	return nil
}
