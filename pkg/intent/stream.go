package intent

import (
	"encoding/json"
	"sync"
)

// Stream event names, mirrored to SSE frames by the API layer.
const (
	EventAccepted  = "intent_accepted"
	EventExecuting = "intent_executing"
	EventVerified  = "intent_verified"
	EventFailed    = "intent_failed"
	EventExpired   = "intent_expired"
)

// Event is one published intent mutation. IDs increase monotonically across
// the whole stream and give readers a total order over published mutations.
type Event struct {
	ID   uint64          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Stream is the bounded retained event buffer behind the SSE endpoint.
// Slow consumers are dropped and must reconnect with Last-Event-ID.
type Stream struct {
	mu      sync.Mutex
	nextID  uint64
	buf     []Event // ring, oldest first
	maxSize int
	subs    map[chan Event]struct{}
}

// NewStream creates a stream retaining at most maxSize events.
func NewStream(maxSize int) *Stream {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Stream{
		maxSize: maxSize,
		subs:    make(map[chan Event]struct{}),
	}
}

// Publish assigns the next monotonic ID, retains the event, and fans it out.
// A subscriber whose channel is full is dropped on the spot.
func (s *Stream) Publish(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	s.nextID++
	ev := Event{ID: s.nextID, Name: name, Data: data}
	s.buf = append(s.buf, ev)
	if len(s.buf) > s.maxSize {
		s.buf = s.buf[len(s.buf)-s.maxSize:]
	}
	var dropped []chan Event
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			dropped = append(dropped, ch)
		}
	}
	for _, ch := range dropped {
		delete(s.subs, ch)
		close(ch)
	}
	s.mu.Unlock()
	return ev, nil
}

// Subscribe returns a live event channel and its cancel function. The channel
// closes when cancelled or when the subscriber falls too far behind.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns every retained event with ID > after, plus whether the
// retention window still covers the requested position. When it does not, the
// caller must signal catchup_incomplete and the client falls back to REST.
func (s *Stream) ReplaySince(after uint64) ([]Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	complete := true
	if len(s.buf) > 0 && s.buf[0].ID > after+1 {
		complete = false
	}
	if len(s.buf) == 0 && s.nextID > after {
		complete = false
	}

	var out []Event
	for _, ev := range s.buf {
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	return out, complete
}

// LastID returns the most recently assigned event ID.
func (s *Stream) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}
