package hub

import (
	"sync/atomic"
	"time"

	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/queue"
)

// Default queue capacities
const (
	DefaultDisplayCapacity = 1200
	DefaultLogCapacity     = 5000
)

// Observer receives fan-out events, typically for metrics
type Observer interface {
	Published()
	Evicted(queue string)
	Logged()
}

// Hub fans each decoded record out exactly once to the display queue and,
// while logging is enabled, as a flattened row to the log queue. Both
// queues evict their oldest entry instead of blocking the producer.
type Hub struct {
	Display *queue.Ring[models.TelemetryRecord]
	Log     *queue.Ring[models.LogRow]

	loggingEnabled atomic.Bool
	csvEnabled     atomic.Bool

	now      func() time.Time
	observer Observer
}

// New creates a hub with the given queue capacities. CSV output starts
// enabled and logging starts disabled.
func New(displayCapacity, logCapacity int) *Hub {
	h := &Hub{
		Display: queue.NewRing[models.TelemetryRecord](displayCapacity),
		Log:     queue.NewRing[models.LogRow](logCapacity),
		now:     time.Now,
	}
	h.csvEnabled.Store(true)
	return h
}

// SetObserver installs an event observer. Call before publishing.
func (h *Hub) SetObserver(o Observer) {
	h.observer = o
}

// SetClock replaces the clock used to stamp log rows
func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

// SetLoggingEnabled toggles whether rows are queued for the log writer
func (h *Hub) SetLoggingEnabled(on bool) { h.loggingEnabled.Store(on) }

// LoggingEnabled reports the logging toggle
func (h *Hub) LoggingEnabled() bool { return h.loggingEnabled.Load() }

// SetCSVEnabled toggles the log-to-disk output
func (h *Hub) SetCSVEnabled(on bool) { h.csvEnabled.Store(on) }

// CSVEnabled reports the log-to-disk toggle
func (h *Hub) CSVEnabled() bool { return h.csvEnabled.Load() }

// Publish delivers rec to every active queue
func (h *Hub) Publish(rec models.TelemetryRecord) {
	if h.Display.Push(rec) {
		h.evicted("display")
	}

	if h.loggingEnabled.Load() && h.csvEnabled.Load() {
		if h.Log.Push(models.FlattenRecord(rec, h.now())) {
			h.evicted("log")
		}
		if h.observer != nil {
			h.observer.Logged()
		}
	}

	if h.observer != nil {
		h.observer.Published()
	}
}

func (h *Hub) evicted(name string) {
	if h.observer != nil {
		h.observer.Evicted(name)
	}
}
