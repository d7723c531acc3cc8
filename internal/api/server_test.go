package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"autobot-telemetry/internal/config"
	"autobot-telemetry/internal/db"
	"autobot-telemetry/internal/link"
	"autobot-telemetry/internal/metrics"
	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/pipeline"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *meta           `json:"meta"`
}

type fixture struct {
	p      *pipeline.Pipeline
	db     *db.Database
	server *Server
	opener *link.SimOpener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.Default()
	cfg.Log.CSVPath = ""
	cfg.Link.PollInterval = config.Duration(time.Millisecond)

	opener := link.NewSimOpener()
	opener.Add("SIM0")
	m := metrics.New()
	p, err := pipeline.New(cfg, pipeline.Deps{Opener: opener, DB: database, Metrics: m, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Shutdown() })

	return &fixture{p: p, db: database, server: NewServer(p, m, zerolog.Nop()), opener: opener}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: bad envelope %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("health = %d %+v", rec.Code, env)
	}
	if !strings.Contains(string(env.Data), `"link":"Disconnected"`) {
		t.Errorf("health data = %s", env.Data)
	}
}

func TestConnectDisconnect(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, "POST", "/api/v1/link/connect", `{"port":"NOPE"}`)
	if rec.Code != http.StatusBadGateway || env.Success {
		t.Errorf("unknown port = %d %+v", rec.Code, env)
	}

	rec, _ = f.do(t, "POST", "/api/v1/link/connect", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing port = %d", rec.Code)
	}

	rec, env = f.do(t, "POST", "/api/v1/link/connect", `{"port":"SIM0","baud":9600}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect = %d %s", rec.Code, env.Error)
	}
	var st link.Status
	json.Unmarshal(env.Data, &st)
	if st.State != models.Connected || st.Baud != 9600 || st.Session == "" {
		t.Errorf("status = %+v", st)
	}

	rec, env = f.do(t, "POST", "/api/v1/link/disconnect", "")
	json.Unmarshal(env.Data, &st)
	if rec.Code != http.StatusOK || st.State != models.Disconnected {
		t.Errorf("disconnect = %d %+v", rec.Code, st)
	}
}

func TestToggles(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, "PUT", "/api/v1/logging", `{"enabled":true}`)
	if rec.Code != http.StatusOK || !f.p.Hub.LoggingEnabled() {
		t.Errorf("logging toggle = %d enabled=%v", rec.Code, f.p.Hub.LoggingEnabled())
	}
	rec, _ = f.do(t, "PUT", "/api/v1/csv", `{"enabled":false}`)
	if rec.Code != http.StatusOK || f.p.Hub.CSVEnabled() {
		t.Errorf("csv toggle = %d enabled=%v", rec.Code, f.p.Hub.CSVEnabled())
	}
	rec, _ = f.do(t, "PUT", "/api/v1/csv", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing enabled = %d", rec.Code)
	}

	_, env := f.do(t, "GET", "/api/v1/state", "")
	var st pipeline.State
	json.Unmarshal(env.Data, &st)
	if !st.LoggingEnabled || st.CSVEnabled {
		t.Errorf("state flags = %v %v", st.LoggingEnabled, st.CSVEnabled)
	}
}

func TestTelemetryQueries(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2025, 10, 23, 9, 0, 0, 0, time.Local)
	rows := []models.LogRow{
		models.FlattenRecord(models.TelemetryRecord{Battery: models.Battery{Percent: 90}}, ts),
		models.FlattenRecord(models.TelemetryRecord{Battery: models.Battery{Percent: 20}, Vision: models.Vision{TagID: 3}}, ts.Add(time.Second)),
	}
	if _, err := f.db.InsertRows("abc", rows); err != nil {
		t.Fatal(err)
	}

	rec, env := f.do(t, "GET", "/api/v1/telemetry?session=abc&limit=1", "")
	if rec.Code != http.StatusOK || env.Meta == nil || env.Meta.Total != 1 {
		t.Fatalf("query = %d %+v", rec.Code, env)
	}
	var entries []models.LogEntry
	json.Unmarshal(env.Data, &entries)
	if entries[0].Record.Battery.Percent != 20 {
		t.Errorf("newest first expected, got %+v", entries[0])
	}

	rec, _ = f.do(t, "GET", "/api/v1/telemetry?start_time=garbage", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad start_time = %d", rec.Code)
	}

	rec, env = f.do(t, "GET", "/api/v1/telemetry/latest", "")
	if rec.Code != http.StatusOK {
		t.Errorf("latest = %d", rec.Code)
	}

	_, env = f.do(t, "GET", "/api/v1/telemetry/summary?session=abc", "")
	var sum models.LogSummary
	json.Unmarshal(env.Data, &sum)
	if sum.TotalRecords != 2 || sum.DistinctTags != 1 {
		t.Errorf("summary = %+v", sum)
	}

	_, env = f.do(t, "GET", "/api/v1/stats", "")
	var stats map[string]interface{}
	json.Unmarshal(env.Data, &stats)
	if stats["total_log_records"] != float64(2) || stats["log_queue"] == nil {
		t.Errorf("stats = %v", stats)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "GET", "/health", "")
	rec, _ := f.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `autobot_http_requests_total{route="/health",status="200"} 1`) {
		t.Errorf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestLiveFeed(t *testing.T) {
	f := newFixture(t)
	f.server.LiveInterval = 5 * time.Millisecond
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Type string         `json:"type"`
		Data pipeline.State `json:"data"`
	}
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "state" || frame.Data.DisplayQueue.Cap != 1200 {
		t.Errorf("frame = %+v", frame)
	}
}
