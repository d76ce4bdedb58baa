// Package audit provides the append-only, hash-chained audit log. Every
// state-changing action (intents, overrides, breaker trips, resumes) produces
// one entry; rejected actions produce none. Entries are written as JSON lines,
// retained in memory for historical replay, and mirrored to the event bus.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
	"github.com/Mycelia-Labs/mycelia/core/pkg/canonicalize"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// Publisher is the slice of the bus the audit log needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Log is the append-only audit log. Single writer; readers get copies.
type Log struct {
	mu      sync.Mutex
	writer  io.Writer
	entries []contracts.AuditEvent
	seq     uint64
	prev    string
	pub     Publisher
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithPublisher mirrors every entry to evt.audit.operator.v1.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.pub = p }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// NewLog creates a Log writing JSON lines to w. A nil writer keeps entries
// in memory only.
func NewLog(w io.Writer, opts ...Option) *Log {
	l := &Log{
		writer: w,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one state-changing action, chaining it to the previous entry.
func (l *Log) Append(ctx context.Context, eventType, actorID, action string, details map[string]any) (*contracts.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := contracts.AuditEvent{
		Seq:       l.seq,
		EventType: eventType,
		ActorID:   actorID,
		Action:    action,
		Timestamp: l.clock().UTC(),
		Details:   details,
		PrevHash:  l.prev,
	}
	hash, err := entryHash(&entry)
	if err != nil {
		l.seq--
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = hash
	l.prev = hash
	l.entries = append(l.entries, entry)

	if l.writer != nil {
		line, err := json.Marshal(entry)
		if err == nil {
			_, err = l.writer.Write(append(line, '\n'))
		}
		if err != nil {
			// The in-memory chain stays authoritative; a sink failure is
			// logged, not propagated.
			l.logger.Error("audit sink write failed", "seq", entry.Seq, "error", err)
		}
	}

	if l.pub != nil {
		if err := l.pub.Publish(ctx, bus.SubjectAuditOperator, entry); err != nil {
			l.logger.Warn("audit mirror publish failed", "seq", entry.Seq, "error", err)
		}
	}
	return &entry, nil
}

// EventsBetween returns all entries with Timestamp in (from, to], in sequence
// order. Used by the replay engine.
func (l *Log) EventsBetween(from, to time.Time) []contracts.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []contracts.AuditEvent
	for _, e := range l.entries {
		if e.Timestamp.After(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Verify walks the whole chain and reports the first broken link, if any.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return verifyChain(l.entries)
}

// Restore seeds the log with previously persisted entries, verifying the
// chain first. New appends continue the chain from the last restored hash.
// Restore must run before the first Append.
func (l *Log) Restore(entries []contracts.AuditEvent) error {
	if err := verifyChain(entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq != 0 {
		return fmt.Errorf("audit: restore after append")
	}
	l.entries = append(l.entries, entries...)
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Seq
		l.prev = entries[n-1].Hash
	}
	return nil
}

// Load reads a JSONL audit stream, verifies the hash chain, and returns the
// entries. A broken chain fails the load.
func Load(r io.Reader) ([]contracts.AuditEvent, error) {
	dec := json.NewDecoder(r)
	var entries []contracts.AuditEvent
	for dec.More() {
		var e contracts.AuditEvent
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("audit: decode entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := verifyChain(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func verifyChain(entries []contracts.AuditEvent) error {
	prev := ""
	for i := range entries {
		e := entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("audit: chain broken at seq %d: prev_hash mismatch", e.Seq)
		}
		want, err := entryHash(&e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("audit: entry %d tampered: hash mismatch", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

func entryHash(e *contracts.AuditEvent) (string, error) {
	unhashed := *e
	unhashed.Hash = ""
	return canonicalize.CanonicalHash(unhashed)
}
