// Package ingest consumes execution events from the bus and folds them into
// the control plane: fills move positions and equity, and every fill is
// journaled for deterministic replay.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Mycelia-Labs/mycelia/core/pkg/bus"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
)

// Journal persists fills for the replay engine.
type Journal interface {
	Append(ctx context.Context, fill contracts.FillEvent) error
}

// FillConsumer is the durable bus consumer for execution fills.
type FillConsumer struct {
	world   *state.Manager
	journal Journal
	log     *slog.Logger
	sub     bus.Subscription
}

// NewFillConsumer creates the consumer; call Start to attach it to the bus.
func NewFillConsumer(world *state.Manager, journal Journal, log *slog.Logger) *FillConsumer {
	if log == nil {
		log = slog.Default()
	}
	return &FillConsumer{world: world, journal: journal, log: log.With("component", "fill-consumer")}
}

// Start joins the durable fill consumer group across all venues.
func (c *FillConsumer) Start(b bus.Bus) error {
	sub, err := b.SubscribeDurable(bus.SubjectFillPrefix+".*", "core-fills", "fill-consumer", c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop detaches from the bus.
func (c *FillConsumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *FillConsumer) handle(ctx context.Context, subject string, payload []byte) error {
	var fill contracts.FillEvent
	if err := json.Unmarshal(payload, &fill); err != nil {
		return bus.DecodeError(err)
	}

	// Journal first: a fill that moved state but missed the journal would
	// break replay determinism. The primary key dedupes redeliveries.
	if err := c.journal.Append(ctx, fill); err != nil {
		return err
	}
	c.world.ApplyFill(fill)

	c.log.Debug("fill applied",
		"subject", subject,
		"venue", fill.Venue,
		"symbol", fill.Symbol,
		"side", fill.Side,
		"quantity", fill.Quantity,
		"shadow", fill.Shadow,
	)
	return nil
}
