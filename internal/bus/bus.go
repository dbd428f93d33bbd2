// Package bus is the typed event channel between the ad engine, the
// performance tracker, and the experiment manager. A single Publish call
// delivers one event to every subscriber in registration order, so two
// aggregates subscribed to the same bus always observe the same event set.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventAdLoaded           EventType = "ad_loaded"
	EventViewableImpression EventType = "viewable_impression"
	EventAdClick            EventType = "ad_click"
	EventAdError            EventType = "ad_error"
	EventParticipation      EventType = "experiment_participation"
	EventMetric             EventType = "experiment_metric"
	EventConversion         EventType = "experiment_conversion"
	EventExperimentEnded    EventType = "experiment_ended"
	EventVariantApplied     EventType = "variant_applied"
	EventPerformanceReport  EventType = "performance_report"
)

// Event is one fact about an ad unit or an experiment.
type Event struct {
	Type         EventType
	UnitID       string
	SessionID    string
	ExperimentID string
	VariantID    string
	Value        float64
	At           time.Time
}

type Handler func(Event)

// maxDepth bounds one drain cycle: a handler that publishes from inside
// its own callback chain is serviced from a queue, and a cycle delivers at
// most this many events before dropping the rest. Stops a handler that
// republishes unconditionally from draining forever.
const maxDepth = 64

// Bus delivers events synchronously. Handlers run on the publishing
// goroutine; a handler publishing another event does not recurse. The
// event is queued and drained after the current one finishes, preserving
// the full-mutation-before-yield rule for handler state.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
	log      *zap.Logger

	draining bool
	queue    []Event
	dropped  int
}

func New() *Bus {
	return &Bus{log: zap.NewNop()}
}

// SetLogger attaches a logger for overflow reporting.
func (b *Bus) SetLogger(log *zap.Logger) {
	if log == nil {
		return
	}
	b.mu.Lock()
	b.log = log
	b.mu.Unlock()
}

// Dropped reports the cumulative number of events discarded by overflow.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribe registers fn. Order of registration is delivery order.
func (b *Bus) Subscribe(fn Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// Publish delivers evt to every subscriber. Re-entrant calls from inside a
// handler are queued, not recursed.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.Lock()
	if b.draining {
		b.queue = append(b.queue, evt)
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.queue = append(b.queue, evt)
	b.mu.Unlock()

	delivered := 0
	for {
		b.mu.Lock()
		if delivered >= maxDepth && len(b.queue) > 0 {
			// The undelivered tail may include events from concurrent
			// publishers, not just the runaway handler, so account for the
			// loss instead of dropping silently.
			n := len(b.queue)
			b.dropped += n
			log := b.log
			b.queue = nil
			b.draining = false
			b.mu.Unlock()
			log.Warn("event queue overflow, events dropped", zap.Int("count", n))
			return
		}
		if len(b.queue) == 0 {
			b.queue = nil
			b.draining = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		delivered++
		handlers := make([]Handler, len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.Unlock()

		for _, fn := range handlers {
			fn(next)
		}
	}
}
