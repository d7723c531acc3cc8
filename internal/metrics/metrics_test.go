package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"autobot-telemetry/internal/logwriter"
	"autobot-telemetry/internal/models"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Published()
	m.Published()
	m.Evicted("display")
	m.LinkState(models.Connected)
	m.Flushed(600, logwriter.TriggerSize)
	m.Flushed(1, logwriter.TriggerTime)
	m.FlushFailed(5, true)

	if got := testutil.ToFloat64(m.packetsPublished); got != 2 {
		t.Errorf("published = %v", got)
	}
	if got := testutil.ToFloat64(m.queueEvictions.WithLabelValues("display")); got != 1 {
		t.Errorf("evictions = %v", got)
	}
	if got := testutil.ToFloat64(m.linkState); got != 2 {
		t.Errorf("link state = %v", got)
	}
	if got := testutil.ToFloat64(m.logRowsWritten); got != 601 {
		t.Errorf("rows written = %v", got)
	}
	if got := testutil.ToFloat64(m.logFlushFailures.WithLabelValues("dropped")); got != 1 {
		t.Errorf("dropped = %v", got)
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Published()
	m.Evicted("log")
	m.LinkState(models.Disconnected)
	m.MirrorFailed("get")
	m.WrapHandler("x", http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.DecodeError()
	h := m.WrapHandler("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "autobot_decode_errors_total 1") {
		t.Errorf("decode counter missing from exposition")
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("/metrics", "200")); got != 1 {
		t.Errorf("http requests = %v", got)
	}
}

func TestWrapHandlerAllowsWebsocketUpgrade(t *testing.T) {
	m := New()
	upgrader := websocket.Upgrader{}
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	})

	srv := httptest.NewServer(m.WrapHandler("/ws", ws))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "hello" {
		t.Fatalf("read = %q, %v", msg, err)
	}
	conn.Close()

	waitCount := func() float64 {
		return testutil.ToFloat64(m.httpRequests.WithLabelValues("/ws", "101"))
	}
	for i := 0; i < 100 && waitCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if got := waitCount(); got != 1 {
		t.Errorf("upgraded requests = %v, want 1", got)
	}
}
