package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/store"
)

// SnapshotSink persists periodic world snapshots.
type SnapshotSink interface {
	Save(ctx context.Context, snap store.Snapshot) error
	Latest(ctx context.Context) (*store.Snapshot, error)
}

// Snapshotter captures the live world state on an interval so replays
// start from a nearby anchor instead of folding the full history.
type Snapshotter struct {
	world    interface{ Snapshot() (contracts.WorldState, string) }
	sink     SnapshotSink
	interval time.Duration
	log      *slog.Logger
	nextSeq  uint64
	lastHash string
	now      func() time.Time
}

// NewSnapshotter builds a snapshotter; call Run to start the loop.
func NewSnapshotter(world interface{ Snapshot() (contracts.WorldState, string) }, sink SnapshotSink, interval time.Duration, log *slog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Snapshotter{
		world:    world,
		sink:     sink,
		interval: interval,
		log:      log.With("component", "snapshotter"),
		nextSeq:  1,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, taking a snapshot every interval.
// It resumes the sequence from the latest persisted snapshot on start.
func (s *Snapshotter) Run(ctx context.Context) {
	if last, err := s.sink.Latest(ctx); err == nil && last != nil {
		s.nextSeq = last.Seq + 1
		s.lastHash = last.StateHash
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Capture(ctx)
		}
	}
}

// Capture takes one snapshot now. Unchanged state is skipped so a quiet
// system does not accumulate identical rows.
func (s *Snapshotter) Capture(ctx context.Context) {
	ws, hash := s.world.Snapshot()
	if hash == s.lastHash {
		return
	}
	snap := store.Snapshot{
		Seq:       s.nextSeq,
		TakenAt:   s.now().UTC(),
		State:     ws,
		StateHash: hash,
	}
	if err := s.sink.Save(ctx, snap); err != nil {
		s.log.Error("snapshot save failed", "seq", snap.Seq, "error", err)
		return
	}
	s.nextSeq++
	s.lastHash = hash
	s.log.Debug("snapshot taken", "seq", snap.Seq, "state_hash", hash)
}
