// Package timing records the named phases of a single request.
package timing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/types"
)

// Event names recorded by the transport.
const (
	Queued               = "Queued"
	QueuedForRedirection = "Queued For Redirection"
	ProxyNegotiation     = "Proxy Negotiation"
	DNSLookup            = "DNS Lookup"
	TCPConnection        = "TCP Connection"
	TLSNegotiation       = "TLS Negotiation"
	RequestSent          = "Request Sent"
	WaitingTTFB          = "Waiting (TTFB)"
	Headers              = "Headers"
	LoadingFromCache     = "Loading From Cache"
	WritingToCache       = "Writing To Cache"
	ResponseReceived     = "Response Received"
	QueuedForDispatch    = "Queued For Dispatch"
	Finished             = "Finished"
	Callback             = "Callback"
)

// Event is one named phase. When is the time the phase ended.
type Event struct {
	Name     string
	When     time.Time
	Duration time.Duration
}

// Empty is returned by the Find methods when no event matches.
var Empty = Event{}

// IsEmpty reports whether e is the Empty sentinel.
func (e Event) IsEmpty() bool {
	return e.Name == "" && e.When.IsZero() && e.Duration == 0
}

func (e Event) String() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Duration)
}

// Collector is an append-only, ordered list of events for one request.
// It is safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	clock  types.Clock
	start  time.Time
	events []Event
}

// NewCollector starts a collector at the clock's current time. A nil clock
// uses the wall clock.
func NewCollector(c types.Clock) *Collector {
	if c == nil {
		c = clock.Real{}
	}
	return &Collector{clock: c, start: c.Now()}
}

// Add records name with the time elapsed since the previous event, or
// since the collector started if there is none.
func (c *Collector) Add(name string) {
	c.AddDuration(name, 0)
}

// AddDuration records name with a duration measured elsewhere. A zero
// duration is computed as in Add.
func (c *Collector) AddDuration(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if d == 0 {
		d = now.Sub(c.lastLocked())
	}
	c.events = append(c.events, Event{Name: name, When: now, Duration: d})
}

// AddEvent records an event exactly as given.
func (c *Collector) AddEvent(name string, when time.Time, d time.Duration) {
	c.mu.Lock()
	c.events = append(c.events, Event{Name: name, When: when, Duration: d})
	c.mu.Unlock()
}

func (c *Collector) lastLocked() time.Time {
	if n := len(c.events); n > 0 {
		return c.events[n-1].When
	}
	return c.start
}

// FindFirst returns the earliest event called name, or Empty.
func (c *Collector) FindFirst(name string) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Name == name {
			return e
		}
	}
	return Empty
}

// FindLast returns the latest event called name, or Empty.
func (c *Collector) FindLast(name string) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Name == name {
			return c.events[i]
		}
	}
	return Empty
}

// Events returns a copy of the recorded events in insertion order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Start returns when the collector was created.
func (c *Collector) Start() time.Time {
	return c.start
}

// Total returns the time from Start to the latest recorded event.
func (c *Collector) Total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var latest time.Time
	for _, e := range c.events {
		if e.When.After(latest) {
			latest = e.When
		}
	}
	if latest.IsZero() {
		return 0
	}
	return latest.Sub(c.start)
}

func (c *Collector) String() string {
	events := c.Events()
	var b strings.Builder
	fmt.Fprintf(&b, "[Timing start=%s total=%s", c.start.Format(time.RFC3339Nano), c.Total())
	for _, e := range events {
		b.WriteString(", ")
		b.WriteString(e.String())
	}
	b.WriteByte(']')
	return b.String()
}

// Export adds every event to span, stamped with its own time.
func (c *Collector) Export(span trace.Span) {
	if span == nil || !span.IsRecording() {
		return
	}
	for _, e := range c.Events() {
		span.AddEvent(e.Name,
			trace.WithTimestamp(e.When),
			trace.WithAttributes(attribute.Int64("duration_us", e.Duration.Microseconds())))
	}
	span.SetAttributes(attribute.Int64("timing.total_us", c.Total().Microseconds()))
}
