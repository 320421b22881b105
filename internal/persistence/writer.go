package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventRow is a row in the event_log table: one accepted domain event with
// its raw envelope, kept for replay and restart-level deduplication.
type EventRow struct {
	EventID        string
	ChainID        int64
	BlockNumber    uint64
	BlockTimestamp int64
	TxHash         string
	LogIndex       uint32
	EventType      string
	Payload        []byte // raw envelope JSON as received
	ReceivedAt     time.Time
}

// EventLogWriter appends event rows using multi-row INSERT batches.
// ON CONFLICT DO NOTHING makes replays after a NATS redelivery harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch appends a batch of event rows in one statement.
func (w *EventLogWriter) WriteBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO event_log
		(event_id, chain_id, block_number, block_timestamp, tx_hash, log_index, event_type, payload, received_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.EventID, r.ChainID, r.BlockNumber, r.BlockTimestamp,
			r.TxHash, r.LogIndex, r.EventType, r.Payload, r.ReceivedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}
