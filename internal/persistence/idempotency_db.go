package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the durable tier of deduplication: it
// answers from the event log, which outlives both the process and the LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// SeenEvent reports whether the event id already exists in the event log.
// The lookup is bounded: a slow or unavailable database must not stall
// ingestion, so a timeout reads as "not seen" with the error surfaced.
func (pic *PostgresIdempotencyChecker) SeenEvent(eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log WHERE event_id = $1 LIMIT 1`,
		eventID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
