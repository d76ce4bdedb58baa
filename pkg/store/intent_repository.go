// Package store provides the durable write-through stores of the control
// plane: the intent repository and the world-state snapshot store, both on
// sqlite. Store failures never block the in-memory state machine; callers log
// and continue, then reconcile on restart via hydration.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when an insert collides on id or idempotency key.
var ErrDuplicate = fmt.Errorf("store: duplicate intent")

// ErrNotFound is returned when no record matches.
var ErrNotFound = fmt.Errorf("store: intent not found")

// ErrBadTransition is returned for non-monotonic status updates and for
// attempts to resolve an already-terminal record.
var ErrBadTransition = fmt.Errorf("store: illegal status transition")

// IntentRepository persists intent records write-through from the intent
// service.
type IntentRepository struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and migrates it.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite allows one writer; serialize at the pool level.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewIntentRepository creates the repository and runs migrations.
func NewIntentRepository(db *sql.DB) (*IntentRepository, error) {
	r := &IntentRepository{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *IntentRepository) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		params JSON,
		operator_id TEXT NOT NULL,
		reason TEXT,
		submitted_at DATETIME,
		accepted_at DATETIME,
		resolved_at DATETIME,
		ttl_seconds INTEGER NOT NULL DEFAULT 30,
		signature TEXT NOT NULL,
		state_hash TEXT,
		status TEXT NOT NULL,
		danger_level TEXT,
		receipt JSON
	);
	CREATE INDEX IF NOT EXISTS idx_intents_submitted ON intents(submitted_at DESC);
	CREATE INDEX IF NOT EXISTS idx_intents_type ON intents(type);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Insert stores a freshly accepted record. Fails with ErrDuplicate on id or
// idempotency_key collision.
func (r *IntentRepository) Insert(ctx context.Context, rec *contracts.IntentRecord) error {
	query := `INSERT INTO intents (
		id, idempotency_key, type, params, operator_id, reason, submitted_at,
		accepted_at, resolved_at, ttl_seconds, signature, state_hash, status,
		danger_level, receipt
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	paramsJSON, _ := json.Marshal(rec.Params)
	receiptJSON := receiptToJSON(rec.Receipt)

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.IdempotencyKey, string(rec.Type), string(paramsJSON),
		rec.OperatorID, rec.Reason, formatTime(rec.SubmittedAt),
		formatTime(rec.AcceptedAt), formatTimePtr(rec.ResolvedAt),
		rec.TTLSeconds, rec.Signature, rec.StateHash, string(rec.Status),
		string(rec.DangerLevel), receiptJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: insert intent %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateStatus moves a record along the lifecycle DAG. Rejects non-monotonic
// transitions with ErrBadTransition.
func (r *IntentRepository) UpdateStatus(ctx context.Context, id string, next contracts.IntentStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: read status of %s: %w", id, err)
	}
	if !contracts.CanTransition(contracts.IntentStatus(current), next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, current, next)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE intents SET status = ? WHERE id = ?`, string(next), id); err != nil {
		return fmt.Errorf("store: update status of %s: %w", id, err)
	}
	return tx.Commit()
}

// Resolve writes the terminal status and receipt in one shot. A second call
// for the same id fails: terminal records are immutable.
func (r *IntentRepository) Resolve(ctx context.Context, id string, terminal contracts.IntentStatus, receipt *contracts.IntentReceipt, resolvedAt time.Time) error {
	if !terminal.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrBadTransition, terminal)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: read status of %s: %w", id, err)
	}
	if contracts.IntentStatus(current).Terminal() {
		return fmt.Errorf("%w: %s already terminal (%s)", ErrBadTransition, id, current)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE intents SET status = ?, receipt = ?, resolved_at = ? WHERE id = ?`,
		string(terminal), receiptToJSON(receipt), formatTime(resolvedAt), id,
	)
	if err != nil {
		return fmt.Errorf("store: resolve %s: %w", id, err)
	}
	return tx.Commit()
}

// FindByID fetches one record.
func (r *IntentRepository) FindByID(ctx context.Context, id string) (*contracts.IntentRecord, error) {
	return r.queryOne(ctx, selectClause+` WHERE id = ?`, id)
}

// FindByIdempotencyKey fetches the record a duplicate submission collapses to.
func (r *IntentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*contracts.IntentRecord, error) {
	return r.queryOne(ctx, selectClause+` WHERE idempotency_key = ?`, key)
}

// FindRecent returns up to limit records, newest first, optionally filtered
// by type.
func (r *IntentRepository) FindRecent(ctx context.Context, limit int, typ contracts.IntentType) ([]*contracts.IntentRecord, error) {
	if typ != "" {
		return r.queryMany(ctx, selectClause+` WHERE type = ? ORDER BY submitted_at DESC LIMIT ?`, string(typ), limit)
	}
	return r.queryMany(ctx, selectClause+` ORDER BY submitted_at DESC LIMIT ?`, limit)
}

// FindFiltered returns records matching the given type and/or status.
func (r *IntentRepository) FindFiltered(ctx context.Context, typ contracts.IntentType, status contracts.IntentStatus, limit int) ([]*contracts.IntentRecord, error) {
	switch {
	case typ != "" && status != "":
		return r.queryMany(ctx, selectClause+` WHERE type = ? AND status = ? ORDER BY submitted_at DESC LIMIT ?`, string(typ), string(status), limit)
	case typ != "":
		return r.queryMany(ctx, selectClause+` WHERE type = ? ORDER BY submitted_at DESC LIMIT ?`, string(typ), limit)
	case status != "":
		return r.queryMany(ctx, selectClause+` WHERE status = ? ORDER BY submitted_at DESC LIMIT ?`, string(status), limit)
	}
	return r.FindRecent(ctx, limit, "")
}

const selectClause = `SELECT id, idempotency_key, type, params, operator_id, reason,
	submitted_at, accepted_at, resolved_at, ttl_seconds, signature, state_hash,
	status, danger_level, receipt FROM intents`

func (r *IntentRepository) queryOne(ctx context.Context, query string, args ...any) (*contracts.IntentRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanIntentRow(rows)
}

func (r *IntentRepository) queryMany(ctx context.Context, query string, args ...any) ([]*contracts.IntentRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*contracts.IntentRecord
	for rows.Next() {
		rec, err := scanIntentRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func scanIntentRow(rows *sql.Rows) (*contracts.IntentRecord, error) {
	var (
		id, idemKey, typ, operatorID, status string
		paramsJSON, reason, submittedAt      sql.NullString
		acceptedAt, resolvedAt               sql.NullString
		ttlSeconds                           int
		signature                            string
		stateHash, dangerLevel, receiptJSON  sql.NullString
	)
	if err := rows.Scan(&id, &idemKey, &typ, &paramsJSON, &operatorID, &reason,
		&submittedAt, &acceptedAt, &resolvedAt, &ttlSeconds, &signature,
		&stateHash, &status, &dangerLevel, &receiptJSON); err != nil {
		return nil, err
	}

	rec := &contracts.IntentRecord{
		ID:             id,
		IdempotencyKey: idemKey,
		Type:           contracts.IntentType(typ),
		OperatorID:     operatorID,
		Reason:         reason.String,
		SubmittedAt:    parseTime(submittedAt.String),
		AcceptedAt:     parseTime(acceptedAt.String),
		TTLSeconds:     ttlSeconds,
		Signature:      signature,
		StateHash:      stateHash.String,
		Status:         contracts.IntentStatus(status),
		DangerLevel:    contracts.DangerLevel(dangerLevel.String),
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		t := parseTime(resolvedAt.String)
		rec.ResolvedAt = &t
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &rec.Params)
	}
	if receiptJSON.Valid && receiptJSON.String != "" && receiptJSON.String != "null" {
		var receipt contracts.IntentReceipt
		if err := json.Unmarshal([]byte(receiptJSON.String), &receipt); err == nil {
			rec.Receipt = &receipt
		}
	}
	return rec, nil
}

func receiptToJSON(r *contracts.IntentReceipt) string {
	if r == nil {
		return ""
	}
	b, _ := json.Marshal(r)
	return string(b)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func isUniqueViolation(err error) bool {
	// modernc sqlite surfaces constraint failures as plain error strings.
	return strings.Contains(err.Error(), "constraint failed")
}
