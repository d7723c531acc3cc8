package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type signals struct {
	mu     sync.Mutex
	pickup []string
	drop   []string
}

func (s *signals) SetPickup(v string) { s.mu.Lock(); s.pickup = append(s.pickup, v); s.mu.Unlock() }
func (s *signals) SetDrop(v string)   { s.mu.Lock(); s.drop = append(s.drop, v); s.mu.Unlock() }

type countingStore struct {
	Store
	mu      sync.Mutex
	sets    int
	failGet error
}

func (c *countingStore) Get(ctx context.Context, p string) (map[string]any, error) {
	if c.failGet != nil {
		return nil, c.failGet
	}
	return c.Store.Get(ctx, p)
}

func (c *countingStore) Set(ctx context.Context, p string, v any) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.Store.Set(ctx, p, v)
}

type obs struct{ polled, written, failed int }

func (o *obs) MirrorPolled()            { o.polled++ }
func (o *obs) MirrorWritten(key string) { o.written++ }
func (o *obs) MirrorFailed(op string)   { o.failed++ }

func TestMemoryStoreChildren(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if _, err := m.Get(ctx, DefaultRoot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty get err = %v", err)
	}
	m.Set(ctx, Join(DefaultRoot, KeyPickup), "A1")
	m.Set(ctx, Join(DefaultRoot, "nested/deep"), "x")
	m.Set(ctx, "/OTHER/"+KeyDrop, "B2")

	got, err := m.Get(ctx, DefaultRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[KeyPickup] != "A1" {
		t.Errorf("children = %v", got)
	}
}

func TestPollPushesOnlyChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &signals{}
	w := NewWriter(store, sink, Config{}, zerolog.Nop())

	w.poll(ctx)
	if len(sink.pickup) != 1 || sink.pickup[0] != NoValue || sink.drop[0] != NoValue {
		t.Fatalf("initial push = %v / %v", sink.pickup, sink.drop)
	}

	w.poll(ctx)
	if len(sink.pickup) != 1 || len(sink.drop) != 1 {
		t.Fatalf("unchanged values pushed again: %v / %v", sink.pickup, sink.drop)
	}

	store.Set(ctx, Join(DefaultRoot, KeyPickup), "A1")
	store.Set(ctx, Join(DefaultRoot, KeyDrop), float64(3))
	w.poll(ctx)
	if sink.pickup[len(sink.pickup)-1] != "A1" || sink.drop[len(sink.drop)-1] != "3" {
		t.Errorf("changed values = %v / %v", sink.pickup, sink.drop)
	}
}

func TestPollFailureLeavesDisplay(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(), failGet: errors.New("unreachable")}
	sink := &signals{}
	o := &obs{}
	w := NewWriter(store, sink, Config{}, zerolog.Nop())
	w.SetObserver(o)

	w.poll(context.Background())
	if len(sink.pickup) != 0 || o.failed != 1 || o.polled != 0 {
		t.Errorf("pickup=%v failed=%d polled=%d", sink.pickup, o.failed, o.polled)
	}
}

func TestObserveBatteryLatestWins(t *testing.T) {
	mem := NewMemoryStore()
	store := &countingStore{Store: mem}
	w := NewWriter(store, nil, Config{}, zerolog.Nop())

	w.ObserveBattery(80)
	w.ObserveBattery(79)
	w.ObserveBattery(78)

	pct := <-w.battery
	if pct != 78 {
		t.Fatalf("handed off %d, want 78", pct)
	}
	select {
	case extra := <-w.battery:
		t.Fatalf("stale value %d left behind", extra)
	default:
	}

	ctx := context.Background()
	w.publishBattery(ctx, pct)
	w.publishBattery(ctx, 78)
	if v, _ := mem.Value(Join(DefaultRoot, KeyBattery)); v != "78%" {
		t.Errorf("stored battery = %v", v)
	}
	if store.sets != 1 {
		t.Errorf("sets = %d, want 1 (unchanged value skipped)", store.sets)
	}
}

func TestRunPublishesBattery(t *testing.T) {
	mem := NewMemoryStore()
	w := NewWriter(mem, &signals{}, Config{PollInterval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.ObserveBattery(42)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := mem.Value(Join(DefaultRoot, KeyBattery)); ok && v == "42%" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("battery never mirrored")
}

func TestFirebaseStore(t *testing.T) {
	var mu sync.Mutex
	var putPath, putBody, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.URL.Query().Get("auth")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/AUTOBOT/AUTOBOT.json":
			w.Write([]byte(`{"PickUpBlock":"A1","DropBlock":"-","Battery":"50%"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/denied.json":
			http.Error(w, `{"error":"Permission denied"}`, http.StatusUnauthorized)
		case r.Method == http.MethodGet:
			w.Write([]byte("null"))
		case r.Method == http.MethodPut:
			b, _ := io.ReadAll(r.Body)
			putPath, putBody = r.URL.Path, string(b)
			w.Write(b)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	f := NewFirebaseStore(srv.URL+"/", "secret", time.Second)
	defer f.Close()

	got, err := f.Get(ctx, DefaultRoot)
	if err != nil {
		t.Fatal(err)
	}
	if got[KeyPickup] != "A1" || auth != "secret" {
		t.Errorf("get = %v auth=%q", got, auth)
	}

	if _, err := f.Get(ctx, "/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
	if _, err := f.Get(ctx, "/denied"); err == nil {
		t.Error("expected error for 401")
	}

	if err := f.Set(ctx, Join(DefaultRoot, KeyBattery), "64%"); err != nil {
		t.Fatal(err)
	}
	var body string
	json.Unmarshal([]byte(putBody), &body)
	if putPath != "/AUTOBOT/AUTOBOT/Battery.json" || body != "64%" {
		t.Errorf("put %s %s", putPath, putBody)
	}
}

func TestMQTTCache(t *testing.T) {
	s := &MQTTStore{cfg: MQTTConfig{Prefix: "autobot/"}, cache: make(map[string]any)}
	s.handle("autobot/AUTOBOT/AUTOBOT/PickUpBlock", []byte(`"C4"`))
	s.handle("autobot/AUTOBOT/AUTOBOT/DropBlock", []byte(`raw-text`))
	s.handle("autobot/AUTOBOT/AUTOBOT/Battery/history", []byte(`1`))

	got, err := s.Get(context.Background(), DefaultRoot)
	if err != nil {
		t.Fatal(err)
	}
	if got[KeyPickup] != "C4" || got[KeyDrop] != "raw-text" || len(got) != 2 {
		t.Errorf("cache = %v", got)
	}

	s.handle("autobot/AUTOBOT/AUTOBOT/PickUpBlock", nil)
	got, _ = s.Get(context.Background(), DefaultRoot)
	if _, ok := got[KeyPickup]; ok {
		t.Error("empty retained payload did not clear the key")
	}

	if err := s.Set(context.Background(), "/x", 1); err == nil {
		t.Error("Set without a client should fail")
	}
}

func TestDialMQTTTimeoutStopsRetrying(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	start := time.Now()
	_, err = DialMQTT(MQTTConfig{Broker: addr, ClientID: "test", Prefix: "autobot", Timeout: 200 * time.Millisecond}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected dial to an absent broker to fail")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("dial took %v", time.Since(start))
	}

	// Nothing may come back for this address once the dial gave up.
	l, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("address reused: %v", err)
	}
	defer l.Close()
	l.(*net.TCPListener).SetDeadline(time.Now().Add(3 * time.Second))
	if conn, err := l.Accept(); err == nil {
		conn.Close()
		t.Error("client kept reconnecting after the dial timed out")
	}
}
