package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// Snapshot is one periodic serialization of the world state, keyed by a
// monotonic sequence. Historical reconstruction starts from the nearest
// snapshot at or before the requested timestamp.
type Snapshot struct {
	Seq       uint64               `json:"seq"`
	TakenAt   time.Time            `json:"taken_at"`
	State     contracts.WorldState `json:"state"`
	StateHash string               `json:"state_hash"`
}

// SnapshotStore persists world-state snapshots for the replay engine.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates the store and runs migrations.
func NewSnapshotStore(db *sql.DB) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY,
		taken_at DATETIME NOT NULL,
		state JSON NOT NULL,
		state_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("store: snapshot migrate: %w", err)
	}
	return s, nil
}

// Save appends a snapshot. Sequence numbers must be strictly increasing;
// the primary key enforces uniqueness.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot %d: %w", snap.Seq, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (seq, taken_at, state, state_hash) VALUES (?, ?, ?, ?)`,
		snap.Seq, formatTime(snap.TakenAt), string(stateJSON), snap.StateHash,
	)
	if err != nil {
		return fmt.Errorf("store: insert snapshot %d: %w", snap.Seq, err)
	}
	return nil
}

// Latest returns the highest-sequence snapshot, or ErrNotFound when the
// table is empty. The snapshotter uses it to resume its sequence on restart.
func (s *SnapshotStore) Latest(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, taken_at, state, state_hash FROM snapshots
		 ORDER BY seq DESC LIMIT 1`)
	return scanSnapshot(row)
}

// NearestBefore returns the latest snapshot taken at or before t, or
// ErrNotFound when none exists.
func (s *SnapshotStore) NearestBefore(ctx context.Context, t time.Time) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, taken_at, state, state_hash FROM snapshots
		 WHERE taken_at <= ? ORDER BY taken_at DESC, seq DESC LIMIT 1`,
		formatTime(t),
	)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var (
		seq       uint64
		takenAt   string
		stateJSON string
		stateHash string
	)
	if err := row.Scan(&seq, &takenAt, &stateJSON, &stateHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan snapshot: %w", err)
	}

	snap := &Snapshot{Seq: seq, TakenAt: parseTime(takenAt), StateHash: stateHash}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return nil, fmt.Errorf("store: decode snapshot %d: %w", seq, err)
	}
	return snap, nil
}
