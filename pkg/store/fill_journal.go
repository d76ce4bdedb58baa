package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// FillJournal persists every fill consumed from the bus so historical state
// reconstruction can re-fold them in sequence order.
type FillJournal struct {
	db *sql.DB
}

// NewFillJournal creates the journal and runs migrations.
func NewFillJournal(db *sql.DB) (*FillJournal, error) {
	j := &FillJournal{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS fills (
		seq INTEGER PRIMARY KEY,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		shadow INTEGER NOT NULL DEFAULT 0,
		ts DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills(ts);`
	if _, err := j.db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("store: fill journal migrate: %w", err)
	}
	return j, nil
}

// Append records one fill. Duplicate sequence numbers are rejected by the
// primary key, which makes redelivery from the bus harmless.
func (j *FillJournal) Append(ctx context.Context, fill contracts.FillEvent) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO fills (seq, venue, symbol, side, quantity, price, shadow, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.Seq, fill.Venue, fill.Symbol, fill.Side, fill.Quantity, fill.Price,
		boolToInt(fill.Shadow), formatTime(fill.Timestamp),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("store: append fill: %w", err)
	}
	return nil
}

// Between returns fills with from < ts <= to, in sequence order.
func (j *FillJournal) Between(ctx context.Context, from, to time.Time) ([]contracts.FillEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, venue, symbol, side, quantity, price, shadow, ts
		FROM fills WHERE ts > ? AND ts <= ? ORDER BY seq ASC`,
		formatTime(from), formatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query fills: %w", err)
	}
	defer rows.Close()

	var out []contracts.FillEvent
	for rows.Next() {
		var f contracts.FillEvent
		var shadow int
		var ts string
		if err := rows.Scan(&f.Seq, &f.Venue, &f.Symbol, &f.Side, &f.Quantity, &f.Price, &shadow, &ts); err != nil {
			return nil, fmt.Errorf("store: scan fill: %w", err)
		}
		f.Shadow = shadow != 0
		f.Timestamp = parseTime(ts)
		out = append(out, f)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
