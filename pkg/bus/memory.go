package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node runs. It preserves
// the transport contract: per-subscriber serialized delivery, durable groups
// deliver each message to exactly one member, decode failures route to DLQ.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	groups map[string][]*memorySub // durable name -> members, round-robin
	next   map[string]int
	closed bool
	logger *slog.Logger
}

type memorySub struct {
	bus       *MemoryBus
	pattern   string
	component string
	handler   Handler
	mu        sync.Mutex // serializes handler invocations
	active    bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		groups: make(map[string][]*memorySub),
		next:   make(map[string]int),
		logger: slog.Default().With("component", "bus"),
	}
}

// Publish delivers synchronously to every matching subscriber. Synchronous
// delivery makes test assertions deterministic and still models durable
// acceptance: the call returns once every group member has processed.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal for %s: %w", subject, err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus: closed")
	}
	var targets []*memorySub
	for _, s := range b.subs {
		if s.active && subjectMatches(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	for durable, members := range b.groups {
		live := members[:0:0]
		for _, m := range members {
			if m.active && subjectMatches(m.pattern, subject) {
				live = append(live, m)
			}
		}
		if len(live) == 0 {
			continue
		}
		idx := b.next[durable] % len(live)
		targets = append(targets, live[idx])
	}
	b.mu.RUnlock()

	b.mu.Lock()
	for durable := range b.groups {
		b.next[durable]++
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(ctx, subject, data)
	}
	return nil
}

func (s *memorySub) deliver(ctx context.Context, subject string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.handler(ctx, subject, data); err != nil {
		if errors.Is(err, ErrDecode) {
			s.bus.forwardToDLQ(ctx, s.component, subject, data, err)
			return
		}
		s.bus.logger.Warn("handler failed", "subject", subject, "component", s.component, "error", err)
	}
}

func (b *MemoryBus) forwardToDLQ(ctx context.Context, component, subject string, payload []byte, cause error) {
	dlq := DLQSubject(component)
	if subject == dlq || strings.HasPrefix(subject, "dlq.") {
		return // never loop a DLQ message back into a DLQ
	}
	_ = b.Publish(ctx, dlq, DLQRecord{
		OriginalSubject: subject,
		Payload:         payload,
		Error:           cause.Error(),
	})
}

// Subscribe registers an ephemeral subscription.
func (b *MemoryBus) Subscribe(subject, component string, h Handler) (Subscription, error) {
	s := &memorySub{bus: b, pattern: subject, component: component, handler: h, active: true}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// SubscribeDurable joins the named group; each message goes to one member.
func (b *MemoryBus) SubscribeDurable(subject, durable, component string, h Handler) (Subscription, error) {
	s := &memorySub{bus: b, pattern: subject, component: component, handler: h, active: true}
	b.mu.Lock()
	b.groups[durable] = append(b.groups[durable], s)
	b.mu.Unlock()
	return s, nil
}

// Unsubscribe deactivates the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	return nil
}

// Close stops all delivery.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// subjectMatches implements NATS-style wildcard matching: "*" matches one
// token, ">" matches the remainder.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return true
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
