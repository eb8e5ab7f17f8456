package event

import (
	"context"
	"sync"
	"time"
)

// Recorder is a Handler that keeps every event it receives and fans them out
// to subscribers. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	subs   map[*Subscriber]struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		subs: make(map[*Subscriber]struct{}),
	}
}

// HandleEvent records e and delivers it to every open subscriber.
func (r *Recorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	for s := range r.subs {
		s.push(e)
	}
}

// Events returns a copy of every event recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t have been recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Subscribe returns a Subscriber that receives every event recorded after
// this call.
func (r *Recorder) Subscribe() *Subscriber {
	s := &Subscriber{
		recorder: r,
		notify:   make(chan struct{}, 1),
	}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *Recorder) unsubscribe(s *Subscriber) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

// Subscriber is a cursor over events recorded after it was created.
type Subscriber struct {
	recorder *Recorder

	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
}

func (s *Subscriber) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops queued events until one matches pred. Events that don't match
// are consumed.
func (s *Subscriber) next(pred func(Event) bool) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		e := s.queue[0]
		s.queue = s.queue[1:]
		if pred == nil || pred(e) {
			return e, true
		}
	}
	return Event{}, false
}

// WaitFor blocks until an event matching pred is received or ctx is done.
// Non-matching events received along the way are discarded.
func (s *Subscriber) WaitFor(ctx context.Context, pred func(Event) bool) (Event, error) {
	for {
		if e, ok := s.next(pred); ok {
			return e, nil
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// WaitForEvent is WaitFor with a timeout. It reports false if no matching
// event arrived in time.
func (s *Subscriber) WaitForEvent(timeout time.Duration, pred func(Event) bool) (Event, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	e, err := s.WaitFor(ctx, pred)
	return e, err == nil
}

// All drains the events currently buffered and returns those matching pred.
func (s *Subscriber) All(pred func(Event) bool) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.queue {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	s.queue = nil
	return out
}

// Close detaches the subscriber from its recorder.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.recorder.unsubscribe(s)
}

// OfType returns a predicate matching events of any of the given types.
func OfType(types ...Type) func(Event) bool {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// ForConnection returns a predicate matching events of type t for connection id.
func ForConnection(t Type, id uint64) func(Event) bool {
	return func(e Event) bool {
		return e.Type == t && e.ConnectionID == id
	}
}
