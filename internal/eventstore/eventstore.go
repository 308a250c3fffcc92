// Package eventstore buffers the messages sent to a client over its SSE
// stream so a reconnecting client can replay what it missed. The buffer is
// bounded per session; when it fills, the oldest events fall off and a
// replay from before the window reports a gap instead of silently skipping.
package eventstore

import (
	"fmt"
	"sync"
)

// Event is one stored stream message.
type Event struct {
	// ID is the SSE event id: zero-padded so ids sort lexicographically
	// in the order they were assigned.
	ID string
	// Data is the serialized JSON-RPC message.
	Data []byte
}

// ErrEvicted reports a replay cursor that points before the retained
// window: the events after it are partially gone and the client must
// re-establish state instead of replaying.
type ErrEvicted struct {
	LastEventID string
}

func (e *ErrEvicted) Error() string {
	return fmt.Sprintf("events after %q were evicted from the replay window", e.LastEventID)
}

// ErrUnknownEventID reports a cursor that was never assigned by this store.
type ErrUnknownEventID struct {
	LastEventID string
}

func (e *ErrUnknownEventID) Error() string {
	return fmt.Sprintf("unknown event id %q", e.LastEventID)
}

// Store is a bounded per-session event buffer. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	max    int
	next   uint64
	events []Event
	// lowest is the sequence number of events[0], or next when empty.
	lowest uint64
	// known tracks ids ever assigned, to tell an evicted cursor from a
	// fabricated one.
	assigned map[string]uint64
}

// New creates a store retaining at most max events. max must be positive.
func New(max int) *Store {
	if max <= 0 {
		max = 1
	}
	return &Store{
		max:      max,
		next:     1,
		lowest:   1,
		assigned: make(map[string]uint64),
	}
}

// Append stores data and returns the assigned event id. The oldest event
// is evicted when the buffer is full.
func (s *Store) Append(data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := formatID(s.next)
	s.assigned[id] = s.next
	s.events = append(s.events, Event{ID: id, Data: data})
	s.next++

	if len(s.events) > s.max {
		evicted := s.events[0]
		delete(s.assigned, evicted.ID)
		s.events = s.events[1:]
		s.lowest++
	}
	return id
}

// ReplayAfter returns copies of all events after the given cursor, oldest
// first. An empty cursor replays the whole retained window.
func (s *Store) ReplayAfter(lastEventID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastEventID == "" {
		return s.copyFrom(0), nil
	}

	seq, ok := s.assigned[lastEventID]
	if !ok {
		if isEvictedID(lastEventID, s.lowest) {
			return nil, &ErrEvicted{LastEventID: lastEventID}
		}
		return nil, &ErrUnknownEventID{LastEventID: lastEventID}
	}
	return s.copyFrom(int(seq - s.lowest + 1)), nil
}

// Len reports the number of retained events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *Store) copyFrom(idx int) []Event {
	if idx >= len(s.events) {
		return nil
	}
	out := make([]Event, len(s.events)-idx)
	copy(out, s.events[idx:])
	return out
}

func formatID(seq uint64) string {
	return fmt.Sprintf("%012d", seq)
}

// isEvictedID reports whether an unrecognized cursor parses as a sequence
// number below the retained window, meaning it was real once and has been
// evicted.
func isEvictedID(id string, lowest uint64) bool {
	var seq uint64
	if _, err := fmt.Sscanf(id, "%d", &seq); err != nil {
		return false
	}
	return seq > 0 && seq < lowest && formatID(seq) == id
}
