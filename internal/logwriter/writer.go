package logwriter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/queue"
)

// Defaults for Config
const (
	DefaultBatchSize     = 600
	DefaultFlushInterval = time.Second
	DefaultPollInterval  = 50 * time.Millisecond
)

// Config sets the flush policy
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Trigger names why a flush happened
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerTime     Trigger = "time"
	TriggerRetry    Trigger = "retry"
	TriggerShutdown Trigger = "shutdown"
)

// Observer receives flush outcomes
type Observer interface {
	Flushed(rows int, trigger Trigger)
	FlushFailed(rows int, dropped bool)
}

// Writer drains the log queue into a Sink. Rows are flushed in batches of
// exactly BatchSize as soon as that many are buffered, and whatever is
// buffered is flushed once FlushInterval has passed since the last flush.
// A batch the sink rejects is retried once on the next cycle, then dropped.
type Writer struct {
	q    *queue.Ring[models.LogRow]
	sink Sink
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	observer Observer

	buf       []models.LogRow
	retry     []models.LogRow
	lastFlush time.Time // last write attempt, successful or not
	done      chan struct{}
}

// New creates a writer draining q into sink
func New(q *queue.Ring[models.LogRow], sink Sink, cfg Config, log zerolog.Logger) *Writer {
	cfg = cfg.withDefaults()
	return &Writer{
		q:    q,
		sink: sink,
		cfg:  cfg,
		log:  log.With().Str("component", "logwriter").Str("sink", sink.Name()).Logger(),
		now:  time.Now,
		buf:  make([]models.LogRow, 0, cfg.BatchSize),
		done: make(chan struct{}),
	}
}

// SetClock replaces the wall clock. Tests only.
func (w *Writer) SetClock(now func() time.Time) { w.now = now }

// SetObserver registers flush callbacks. Call before Run.
func (w *Writer) SetObserver(o Observer) { w.observer = o }

// Done is closed once Run has performed its final flush
func (w *Writer) Done() <-chan struct{} { return w.done }

// Buffered returns the rows held in memory awaiting a flush
func (w *Writer) Buffered() int { return len(w.buf) + len(w.retry) }

// Run polls the queue until ctx is cancelled, then drains the queue,
// flushes everything and returns
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	w.lastFlush = w.now()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finish()
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

// cycle runs one poll: retry, drain, size flushes, then the time flush.
// A failed write ends the cycle so no later row reaches the sink ahead of
// the rows awaiting retry.
func (w *Writer) cycle() {
	if len(w.retry) > 0 {
		batch := w.retry
		w.retry = nil
		w.write(batch, TriggerRetry, 2)
	}

	w.buf = w.q.DrainTo(w.buf, 0)

	for len(w.buf) >= w.cfg.BatchSize {
		batch := make([]models.LogRow, w.cfg.BatchSize)
		copy(batch, w.buf)
		w.buf = append(w.buf[:0], w.buf[w.cfg.BatchSize:]...)
		if !w.write(batch, TriggerSize, 1) {
			return
		}
	}

	if len(w.buf) > 0 && w.now().Sub(w.lastFlush) >= w.cfg.FlushInterval {
		batch := w.buf
		w.buf = make([]models.LogRow, 0, w.cfg.BatchSize)
		w.write(batch, TriggerTime, 1)
	}
}

func (w *Writer) finish() {
	w.buf = w.q.DrainTo(w.buf, 0)
	rows := append(w.retry, w.buf...)
	w.retry, w.buf = nil, nil
	if len(rows) == 0 {
		return
	}
	if err := w.sink.WriteRows(rows); err != nil {
		w.fail(rows, 1, err, true)
		return
	}
	w.flushed(len(rows), TriggerShutdown)
}

// write hands batch to the sink and reports whether it was stored. Every
// attempt, failed or not, restarts the flush interval.
func (w *Writer) write(batch []models.LogRow, trigger Trigger, attempt int) bool {
	w.lastFlush = w.now()
	if err := w.sink.WriteRows(batch); err != nil {
		dropped := attempt >= 2
		if !dropped {
			w.retry = append(w.retry, batch...)
		}
		w.fail(batch, attempt, err, dropped)
		return false
	}
	w.flushed(len(batch), trigger)
	return true
}

func (w *Writer) flushed(n int, trigger Trigger) {
	w.log.Debug().Int("rows", n).Str("trigger", string(trigger)).Msg("flushed")
	if w.observer != nil {
		w.observer.Flushed(n, trigger)
	}
}

func (w *Writer) fail(batch []models.LogRow, attempt int, err error, dropped bool) {
	werr := &SinkWriteError{Sink: w.sink.Name(), Rows: len(batch), Attempt: attempt, Err: err}
	if dropped {
		w.log.Error().Err(werr).Msg("log batch dropped")
	} else {
		w.log.Warn().Err(werr).Msg("log flush failed, retrying next cycle")
	}
	if w.observer != nil {
		w.observer.FlushFailed(len(batch), dropped)
	}
}
