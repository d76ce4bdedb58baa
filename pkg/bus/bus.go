// Package bus provides the publish/subscribe client used by every component
// to exchange events: at-least-once delivery over named subjects, durable
// consumer groups with explicit ack, and DLQ routing for undecodable payloads.
package bus

import (
	"context"
	"errors"
	"fmt"
)

// Wire-stable subject names. These are shared with the execution pipeline and
// must not change without a version bump in the subject itself.
const (
	SubjectPlaceOrderPrefix = "cmd.execution.place.v1" // + .<venue>.<account>.<symbol>
	SubjectFillPrefix       = "evt.execution.fill.v1"  // + .<venue>
	SubjectHalt             = "cmd.sys.halt.v1"
	SubjectReconcile        = "cmd.sys.reconcile.v1"
	SubjectAuditOperator    = "evt.audit.operator.v1"
	SubjectConfigChanged    = "evt.config.changed.v1"
	SubjectBreakerTripped   = "evt.breaker.tripped.v1"
	SubjectIntentLifecycle  = "evt.intent.lifecycle.v1"
)

// PlaceOrderSubject builds the per-venue order subject.
func PlaceOrderSubject(venue, account, symbol string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPlaceOrderPrefix, venue, account, symbol)
}

// FillSubject builds the per-venue fill subject.
func FillSubject(venue string) string {
	return fmt.Sprintf("%s.%s", SubjectFillPrefix, venue)
}

// DLQSubject builds the dead-letter subject for a component.
func DLQSubject(component string) string {
	return "dlq." + component
}

// ErrDecode marks a payload the handler could not decode. The bus acks the
// message and forwards it to the component's DLQ instead of redelivering.
var ErrDecode = errors.New("bus: payload decode failure")

// DecodeError wraps a decode failure so the DLQ record can carry the cause.
func DecodeError(err error) error {
	return fmt.Errorf("%w: %w", ErrDecode, err)
}

// Handler processes one message. Returning an error wrapped with ErrDecode
// routes the message to the DLQ; any other error triggers redelivery.
type Handler func(ctx context.Context, subject string, payload []byte) error

// Subscription is a handle to an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport contract. Publish returns only after the broker has
// durably accepted the message. Handlers of one durable group member are
// invoked one at a time; ordering holds per subject partition.
type Bus interface {
	Publish(ctx context.Context, subject string, payload any) error
	// Subscribe registers an ephemeral subscription.
	Subscribe(subject string, component string, h Handler) (Subscription, error)
	// SubscribeDurable joins a named consumer group with explicit ack.
	SubscribeDurable(subject, durable string, component string, h Handler) (Subscription, error)
	Close()
}

// DLQRecord is what lands on dlq.<component> when decoding fails.
type DLQRecord struct {
	OriginalSubject string `json:"original_subject"`
	Payload         []byte `json:"payload"`
	Error           string `json:"error"`
}
