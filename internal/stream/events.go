package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultEventLogSize is the number of raw frames an EventLog keeps by default.
const DefaultEventLogSize = 50

// Event is one raw inbound frame as received.
type Event struct {
	Type       string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// EventLog keeps the most recent inbound frames for display. Frames are not
// interpreted; every frame the session accepts is recorded.
type EventLog struct {
	mu     sync.Mutex
	size   int
	events []Event // oldest first
}

// NewEventLog creates a log holding at most size events. A size of zero
// disables recording.
func NewEventLog(size int) *EventLog {
	if size < 0 {
		size = 0
	}
	return &EventLog{size: size}
}

// Add records an event, dropping the oldest one when full.
func (l *EventLog) Add(e Event) {
	if l.size == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == l.size {
		copy(l.events, l.events[1:])
		l.events = l.events[:l.size-1]
	}
	l.events = append(l.events, e)
}

// Recent returns the recorded events, newest first.
func (l *EventLog) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(l.events))
	for i, e := range l.events {
		out[len(l.events)-1-i] = e
	}
	return out
}

// Clear drops all recorded events.
func (l *EventLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// Len returns the number of recorded events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
