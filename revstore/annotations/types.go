// Package annotations records timed events from index maintenance and
// branching so they can be printed or inspected in tests.
package annotations

import (
	"sync"
	"time"
)

// Event name constants following hierarchical naming pattern
const (
	// Index lifecycle
	IndexBuilt         = "index/built"
	IndexRolledForward = "index/rolled-forward"
	IndexRebuilt       = "index/rebuilt"
	IndexVerified      = "index/verified"
	IndexSaved         = "index/saved"
	IndexLoadFailed    = "index/load-failed"

	// Branching
	RCBRescan       = "rcb/rescan"
	RCBReincarnated = "rcb/reincarnated"
)

// Event represents a single annotation event.
type Event struct {
	Name    string                 // Event name using hierarchical constants above
	Start   time.Time              // Start timestamp
	End     time.Time              // End timestamp
	Latency time.Duration          // Duration (End - Start)
	Data    map[string]interface{} // Additional event-specific data
}

// Handler processes annotation events as they occur.
type Handler func(event Event)

// Collector accumulates events. A nil *Collector is valid and drops
// everything, so components can hold one unconditionally.
type Collector struct {
	enabled bool
	handler Handler
	keep    bool

	mu     sync.Mutex
	events []Event
}

// NewCollector creates a collector that forwards events to handler
func NewCollector(handler Handler) *Collector {
	return &Collector{
		enabled: handler != nil,
		handler: handler,
	}
}

// NewRecorder creates a collector that keeps every event in memory, for
// inspection through Events.
func NewRecorder() *Collector {
	return &Collector{enabled: true, keep: true}
}

// Add records a new event.
// Thread-safe for concurrent access.
func (c *Collector) Add(event Event) {
	if c == nil || !c.enabled {
		return
	}

	if c.keep {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
	}

	// Call handler outside the lock to avoid deadlocks
	if c.handler != nil {
		c.handler(event)
	}
}

// AddTiming records an event that started at start and ends now.
func (c *Collector) AddTiming(name string, start time.Time, data map[string]interface{}) {
	if c == nil || !c.enabled {
		return
	}

	end := time.Now()
	c.Add(Event{
		Name:    name,
		Start:   start,
		End:     end,
		Latency: end.Sub(start),
		Data:    data,
	})
}

// Events returns a copy of the recorded events
func (c *Collector) Events() []Event {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns how many recorded events carry name
func (c *Collector) Count(name string) int {
	n := 0
	for _, e := range c.Events() {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Reset clears recorded events
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}
