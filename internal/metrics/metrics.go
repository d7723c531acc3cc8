package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autobot-telemetry/internal/logwriter"
	"autobot-telemetry/internal/models"
)

// Metrics holds the pipeline's collectors. Every method is safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	packetsPublished prometheus.Counter
	logRowsQueued    prometheus.Counter
	queueEvictions   *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	coercions        *prometheus.CounterVec
	framerOverflows  prometheus.Counter
	linkState        prometheus.Gauge
	linkTransitions  *prometheus.CounterVec
	logFlushes       *prometheus.CounterVec
	logRowsWritten   prometheus.Counter
	logFlushFailures *prometheus.CounterVec
	mirrorPolls      prometheus.Counter
	mirrorWrites     *prometheus.CounterVec
	mirrorErrors     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packetsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autobot_packets_published_total",
			Help: "Decoded packets handed to the distribution hub.",
		}),
		logRowsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autobot_log_rows_queued_total",
			Help: "Flattened rows enqueued for the durable log.",
		}),
		queueEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_queue_evictions_total",
			Help: "Oldest items discarded because a queue was full.",
		}, []string{"queue"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autobot_decode_errors_total",
			Help: "Packets rejected by the decoder.",
		}),
		coercions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_field_coercions_total",
			Help: "Fields replaced by their default because the value could not be coerced.",
		}, []string{"field"}),
		framerOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autobot_framer_overflows_total",
			Help: "Partial packets discarded for exceeding the pending limit.",
		}),
		linkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autobot_link_state",
			Help: "Serial link state (0 disconnected, 1 connecting, 2 connected).",
		}),
		linkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_link_transitions_total",
			Help: "Serial link state transitions by target state.",
		}, []string{"state"}),
		logFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_log_flushes_total",
			Help: "Successful log flushes by trigger.",
		}, []string{"trigger"}),
		logRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autobot_log_rows_written_total",
			Help: "Rows persisted by the log sink.",
		}),
		logFlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_log_flush_failures_total",
			Help: "Failed log flushes; outcome is retry or dropped.",
		}, []string{"outcome"}),
		mirrorPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autobot_mirror_polls_total",
			Help: "Successful reads of the remote mirror.",
		}),
		mirrorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_mirror_writes_total",
			Help: "Values written to the remote mirror by key.",
		}, []string{"key"}),
		mirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_mirror_errors_total",
			Help: "Failed remote mirror operations.",
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autobot_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autobot_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.packetsPublished,
		m.logRowsQueued,
		m.queueEvictions,
		m.decodeErrors,
		m.coercions,
		m.framerOverflows,
		m.linkState,
		m.linkTransitions,
		m.logFlushes,
		m.logRowsWritten,
		m.logFlushFailures,
		m.mirrorPolls,
		m.mirrorWrites,
		m.mirrorErrors,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Published counts a packet handed to the hub
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.packetsPublished.Inc()
}

// Logged counts a row enqueued for the log
func (m *Metrics) Logged() {
	if m == nil {
		return
	}
	m.logRowsQueued.Inc()
}

// Evicted counts a drop-oldest eviction on the named queue
func (m *Metrics) Evicted(queue string) {
	if m == nil {
		return
	}
	m.queueEvictions.WithLabelValues(queue).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) Coerced(field string) {
	if m == nil {
		return
	}
	m.coercions.WithLabelValues(field).Inc()
}

func (m *Metrics) FramerOverflow() {
	if m == nil {
		return
	}
	m.framerOverflows.Inc()
}

// LinkState records a link transition
func (m *Metrics) LinkState(s models.ConnectionState) {
	if m == nil {
		return
	}
	m.linkState.Set(float64(s))
	m.linkTransitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) Flushed(rows int, trigger logwriter.Trigger) {
	if m == nil {
		return
	}
	m.logFlushes.WithLabelValues(string(trigger)).Inc()
	m.logRowsWritten.Add(float64(rows))
}

func (m *Metrics) FlushFailed(rows int, dropped bool) {
	if m == nil {
		return
	}
	outcome := "retry"
	if dropped {
		outcome = "dropped"
	}
	m.logFlushFailures.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MirrorPolled() {
	if m == nil {
		return
	}
	m.mirrorPolls.Inc()
}

func (m *Metrics) MirrorWritten(key string) {
	if m == nil {
		return
	}
	m.mirrorWrites.WithLabelValues(key).Inc()
}

func (m *Metrics) MirrorFailed(op string) {
	if m == nil {
		return
	}
	m.mirrorErrors.WithLabelValues(op).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to websocket upgrades. A hijacked request
// is recorded as 101.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(s.ResponseWriter).Hijack()
	if err == nil {
		s.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// WrapHandler records request counts and latency under route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
