// Package telemetry aggregates system-wide metrics and fans runtime events
// out to registered observers.
package telemetry

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped for a subscriber that falls this far behind; publishers
// never block on observers.
const subscriberBufferSize = 64

// Kind classifies a runtime event.
type Kind string

const (
	KindSensorFailure   Kind = "sensor_failure"
	KindControlFailure  Kind = "control_function_failure"
	KindCommandRejected Kind = "command_rejected"
	KindExecuteFailure  Kind = "execute_failure"
	KindOverrun         Kind = "overrun"
	KindLoopHalted      Kind = "loop_halted"
	KindWatchdogTimeout Kind = "watchdog_timeout"
	KindEmergencyStop   Kind = "emergency_stop"
	KindShutdownTimeout Kind = "shutdown_timeout"
)

// Event is one runtime occurrence: a failure, an overrun, a watchdog trip.
type Event struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	Source string    `json:"source"` // offending module or loop name
	Err    error     `json:"-"`
}

// NewEvent stamps an event with a ULID and the current time.
func NewEvent(kind Kind, source string, err error) Event {
	return Event{
		ID:     ulid.Make().String(),
		Time:   time.Now(),
		Kind:   kind,
		Source: source,
		Err:    err,
	}
}

// Broker fans events out to subscribers. Safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and an unsubscribe
// function. After Close the returned channel is immediately closed.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers ev to all subscribers, dropping it for any whose buffer
// is full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking loop execution.
		}
	}
}

// Close shuts the broker down; all subscriber channels are closed and
// further publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
