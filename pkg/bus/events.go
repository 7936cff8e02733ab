package bus

import (
	"context"
	"maps"
	"sync"
	"time"
)

type EventType string

const (
	EventReceived         EventType = "event_received"
	EventDropped          EventType = "event_dropped"
	EventExtractionFailed EventType = "extraction_failed"
	EventPublished        EventType = "work_published"
	EventDuplicate        EventType = "work_duplicate"
	EventPublishFailed    EventType = "publish_failed"
	EventResultRouted     EventType = "result_routed"
	EventResultDeferred   EventType = "result_deferred"
	EventResultDiscarded  EventType = "result_discarded"
)

type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Channel   string    `json:"channel,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Counters tallies events by type for status reporting.
type Counters struct {
	mu     sync.RWMutex
	counts map[EventType]int64
	last   time.Time
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[EventType]int64)}
}

// Run consumes events until the channel closes or ctx ends.
func (c *Counters) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.Record(event)
		}
	}
}

func (c *Counters) Record(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[event.Type]++
	if event.At.After(c.last) {
		c.last = event.At
	}
}

// Snapshot returns a copy of the counts and the time of the newest event.
func (c *Counters) Snapshot() (map[EventType]int64, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.counts), c.last
}
