package aggregate

import "sync"

// Tracker is an ordered buffer of events shared by a root and its children.
type Tracker struct {
	mu     sync.Mutex
	events []Event
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Append adds an event to the end of the buffer.
func (t *Tracker) Append(e Event) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Drain returns all buffered events in append order and empties the buffer.
func (t *Tracker) Drain() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := t.events
	t.events = nil
	return events
}

// Len returns the number of buffered events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}
