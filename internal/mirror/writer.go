package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Well-known keys under the mirror root
const (
	KeyPickup  = "PickUpBlock"
	KeyDrop    = "DropBlock"
	KeyBattery = "Battery"

	DefaultRoot         = "/AUTOBOT/AUTOBOT"
	DefaultPollInterval = 500 * time.Millisecond
	// NoValue is shown for an action the store does not hold
	NoValue = "-"
)

// SignalSink receives pickup/drop values read from the store
type SignalSink interface {
	SetPickup(v string)
	SetDrop(v string)
}

// Observer receives mirror outcomes
type Observer interface {
	MirrorPolled()
	MirrorWritten(key string)
	MirrorFailed(op string)
}

// Config tunes the writer
type Config struct {
	Root         string
	PollInterval time.Duration
	// Timeout bounds each store call
	Timeout time.Duration
}

// Writer keeps the display's pickup/drop values in step with the remote
// store and publishes the battery percentage back to it. Store failures are
// logged and never block the caller of ObserveBattery.
type Writer struct {
	store Store
	sink  SignalSink
	cfg   Config
	log   zerolog.Logger

	observer Observer

	battery chan int64

	lastPickup  string
	lastDrop    string
	lastBattery string
	polled      bool
}

// NewWriter creates a writer pushing store values into sink. sink may be nil.
func NewWriter(store Store, sink SignalSink, cfg Config, log zerolog.Logger) *Writer {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Writer{
		store:   store,
		sink:    sink,
		cfg:     cfg,
		log:     log.With().Str("component", "mirror").Str("root", cfg.Root).Logger(),
		battery: make(chan int64, 1),
	}
}

// SetObserver registers outcome callbacks. Call before Run.
func (w *Writer) SetObserver(o Observer) { w.observer = o }

// ObserveBattery hands the latest battery percentage to the writer. It never
// blocks; an unconsumed older value is replaced.
func (w *Writer) ObserveBattery(percent int64) {
	for i := 0; i < 2; i++ {
		select {
		case w.battery <- percent:
			return
		default:
		}
		select {
		case <-w.battery:
		default:
		}
	}
}

// Run polls the store and publishes battery updates until ctx is cancelled
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		case pct := <-w.battery:
			w.publishBattery(ctx, pct)
		}
	}
}

func (w *Writer) poll(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	values, err := w.store.Get(cctx, w.cfg.Root)
	if err != nil && !errors.Is(err, ErrNotFound) {
		if ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("mirror read failed")
			w.failed("get")
		}
		return
	}
	if w.observer != nil {
		w.observer.MirrorPolled()
	}

	pickup := valueText(values[KeyPickup])
	drop := valueText(values[KeyDrop])

	if !w.polled || pickup != w.lastPickup {
		w.lastPickup = pickup
		if w.sink != nil {
			w.sink.SetPickup(pickup)
		}
		w.log.Debug().Str("pickup", pickup).Msg("pickup changed")
	}
	if !w.polled || drop != w.lastDrop {
		w.lastDrop = drop
		if w.sink != nil {
			w.sink.SetDrop(drop)
		}
		w.log.Debug().Str("drop", drop).Msg("drop changed")
	}
	w.polled = true
}

func (w *Writer) publishBattery(ctx context.Context, percent int64) {
	text := BatteryText(percent)
	if text == w.lastBattery {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if err := w.store.Set(cctx, Join(w.cfg.Root, KeyBattery), text); err != nil {
		w.log.Warn().Err(err).Str("battery", text).Msg("battery update failed")
		w.failed("set")
		return
	}
	w.lastBattery = text
	if w.observer != nil {
		w.observer.MirrorWritten(KeyBattery)
	}
}

func (w *Writer) failed(op string) {
	if w.observer != nil {
		w.observer.MirrorFailed(op)
	}
}

// BatteryText renders a percentage the way the store holds it, e.g. "42%"
func BatteryText(percent int64) string {
	return fmt.Sprintf("%d%%", percent)
}

func valueText(v any) string {
	switch x := v.(type) {
	case nil:
		return NoValue
	case string:
		if x == "" {
			return NoValue
		}
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}
