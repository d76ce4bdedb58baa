package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamBus implements Bus over NATS JetStream. All control-plane subjects
// live on a single stream; durable subscriptions are queue groups sharing a
// consumer name, so each event is processed once per group.
type JetStreamBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	logger *slog.Logger
}

// JetStreamConfig configures the broker connection.
type JetStreamConfig struct {
	URL        string
	StreamName string
	// Subjects bound to the stream; defaults to the control-plane prefixes.
	Subjects []string
}

// NewJetStreamBus connects to NATS and ensures the control-plane stream exists.
func NewJetStreamBus(cfg JetStreamConfig) (*JetStreamBus, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = "MYCELIA_CONTROL"
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{"cmd.>", "evt.>", "dlq.>"}
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	// Idempotent stream provisioning.
	_, err = js.StreamInfo(cfg.StreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  cfg.Subjects,
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: ensure stream %s: %w", cfg.StreamName, err)
	}

	return &JetStreamBus{
		nc:     nc,
		js:     js,
		stream: cfg.StreamName,
		logger: slog.Default().With("component", "bus"),
	}, nil
}

// Publish marshals the payload and returns after the broker acks the write.
func (b *JetStreamBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal for %s: %w", subject, err)
	}
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers an ephemeral push subscription.
func (b *JetStreamBus) Subscribe(subject, component string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		b.dispatch(context.Background(), component, msg, h, false)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// SubscribeDurable joins the named queue group with explicit acks. Handler
// invocations are serialized per group member (MaxAckPending 1).
func (b *JetStreamBus) SubscribeDurable(subject, durable, component string, h Handler) (Subscription, error) {
	sub, err := b.js.QueueSubscribe(subject, durable, func(msg *nats.Msg) {
		b.dispatch(context.Background(), component, msg, h, true)
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxAckPending(1),
		nats.BindStream(b.stream),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: durable subscribe %s/%s: %w", subject, durable, err)
	}
	return sub, nil
}

// dispatch runs the handler and resolves ack/nak/DLQ.
//
// Decode failures are poison pills: ack so they are never redelivered, then
// forward to dlq.<component> with the original subject and the decode error.
// Transient handler failures nak for redelivery with back-off.
func (b *JetStreamBus) dispatch(ctx context.Context, component string, msg *nats.Msg, h Handler, durable bool) {
	err := h(ctx, msg.Subject, msg.Data)
	if err == nil {
		if durable {
			_ = msg.Ack()
		}
		return
	}

	if errors.Is(err, ErrDecode) {
		if durable {
			_ = msg.Ack()
		}
		b.forwardToDLQ(ctx, component, msg.Subject, msg.Data, err)
		return
	}

	b.logger.Warn("handler failed, requeueing",
		"subject", msg.Subject, "component", component, "error", err)
	if durable {
		_ = msg.NakWithDelay(2 * time.Second)
	}
}

func (b *JetStreamBus) forwardToDLQ(ctx context.Context, component, subject string, payload []byte, cause error) {
	rec := DLQRecord{
		OriginalSubject: subject,
		Payload:         payload,
		Error:           strings.TrimSpace(cause.Error()),
	}
	if err := b.Publish(ctx, DLQSubject(component), rec); err != nil {
		b.logger.Error("dlq forward failed", "subject", subject, "component", component, "error", err)
	}
}

// Close drains the connection.
func (b *JetStreamBus) Close() {
	_ = b.nc.Drain()
}
