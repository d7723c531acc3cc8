package link

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autobot-telemetry/internal/models"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []models.ConnectionState
}

func (r *stateRecorder) record(st Status) {
	r.mu.Lock()
	r.states = append(r.states, st.State)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectionState(nil), r.states...)
}

func newTestManager(o Opener) *Manager {
	return NewManager(o, Config{PollInterval: time.Millisecond, Grace: 100 * time.Millisecond}, zerolog.Nop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectFailureThenSuccess(t *testing.T) {
	opener := NewSimOpener()
	opener.FailOpen("FAKE", errors.New("no such device"))
	opener.Add("SIM0")

	m := newTestManager(opener)
	rec := &stateRecorder{}
	m.OnChange(rec.record)

	err := m.Connect("FAKE", 9600, nil)
	var openErr *LinkOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Connect(FAKE) error = %v, want *LinkOpenError", err)
	}
	if openErr.Port != "FAKE" || openErr.Baud != 9600 {
		t.Errorf("open error = %+v", openErr)
	}
	if m.State() != models.Disconnected {
		t.Fatalf("state = %v after failed open", m.State())
	}
	got := rec.get()
	if len(got) != 2 || got[0] != models.Connecting || got[1] != models.Disconnected {
		t.Fatalf("transitions = %v, want [Connecting Disconnected]", got)
	}
	if m.Status().Message == "" {
		t.Error("failed open should leave a status message")
	}

	if err := m.Connect("SIM0", 115200, nil); err != nil {
		t.Fatalf("Connect(SIM0): %v", err)
	}
	if m.State() != models.Connected {
		t.Fatalf("state = %v, want Connected", m.State())
	}
	if m.Status().Session == "" {
		t.Error("connected status has no session id")
	}
	m.Disconnect()
}

func TestReadLoopDeliversChunks(t *testing.T) {
	opener := NewSimOpener()
	port := opener.Add("SIM0")
	m := newTestManager(opener)

	var mu sync.Mutex
	var received []byte
	err := m.Connect("SIM0", 115200, func(chunk []byte) {
		mu.Lock()
		received = append(received, chunk...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	port.Feed([]byte("hello\n"))
	port.Feed([]byte("world\n"))
	waitFor(t, "bytes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(received) == "hello\nworld\n"
	})
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	opener := NewSimOpener()
	opener.Add("SIM0")
	opener.Add("SIM1")
	m := newTestManager(opener)

	if err := m.Connect("SIM0", 9600, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect("SIM1", 9600, nil); err != nil {
		t.Fatalf("second connect returned %v", err)
	}
	if opener.Opens() != 1 {
		t.Errorf("opens = %d, want 1", opener.Opens())
	}
	if m.Status().Port != "SIM0" {
		t.Errorf("port = %q, want SIM0", m.Status().Port)
	}
	m.Disconnect()
}

func TestDisconnectIsIdempotent(t *testing.T) {
	opener := NewSimOpener()
	port := opener.Add("SIM0")
	m := newTestManager(opener)

	m.Disconnect()
	if m.State() != models.Disconnected {
		t.Fatalf("state = %v", m.State())
	}

	if err := m.Connect("SIM0", 9600, nil); err != nil {
		t.Fatal(err)
	}
	m.Disconnect()
	m.Disconnect()

	if !port.Closed() {
		t.Error("port not closed after disconnect")
	}
	if m.State() != models.Disconnected {
		t.Errorf("state = %v", m.State())
	}

	// Reconnect after disconnect is allowed.
	if err := m.Connect("SIM0", 9600, nil); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	m.Disconnect()
}

func TestIOErrorForcesDisconnected(t *testing.T) {
	opener := NewSimOpener()
	port := opener.Add("SIM0")
	m := newTestManager(opener)

	if err := m.Connect("SIM0", 9600, nil); err != nil {
		t.Fatal(err)
	}
	port.Fail(errors.New("cable pulled"))

	waitFor(t, "disconnect after I/O error", func() bool { return m.State() == models.Disconnected })
	if !port.Closed() {
		t.Error("port not closed after I/O error")
	}
	if opener.Opens() != 1 {
		t.Errorf("manager retried on its own: opens = %d", opener.Opens())
	}

	waitFor(t, "read loop exit", func() bool {
		return m.Connect("SIM0", 9600, nil) == nil && m.State() == models.Connected
	})
	m.Disconnect()
}

func TestSecondLoopPreventedUntilFirstExits(t *testing.T) {
	opener := NewSimOpener()
	port := opener.Add("SIM0")
	m := NewManager(opener, Config{PollInterval: time.Millisecond, Grace: 20 * time.Millisecond}, zerolog.Nop())

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	err := m.Connect("SIM0", 9600, func([]byte) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	if err != nil {
		t.Fatal(err)
	}
	port.Feed([]byte("x"))
	<-entered

	// The loop is stuck in the consumer and cannot observe the stop signal.
	m.Disconnect()
	if m.State() != models.Disconnected {
		t.Fatalf("state = %v after grace expiry", m.State())
	}
	if err := m.Connect("SIM0", 9600, nil); !errors.Is(err, ErrLoopActive) {
		t.Fatalf("Connect with live loop = %v, want ErrLoopActive", err)
	}

	close(release)
	waitFor(t, "connect after loop exit", func() bool {
		return m.Connect("SIM0", 9600, nil) == nil && m.State() == models.Connected
	})
	m.Disconnect()
}

func TestReaderPortSignalsExhaustion(t *testing.T) {
	p := NewReaderPort(stringsReader("a\nb\n"), 2)
	buf := make([]byte, 16)
	var got []byte
	for i := 0; i < 10; i++ {
		n, err := p.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if n > 2 {
			t.Fatalf("chunk of %d bytes exceeds cap", n)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "a\nb\n" {
		t.Errorf("read %q", got)
	}
	select {
	case <-p.Done():
	default:
		t.Error("Done not closed at EOF")
	}
	p.Close()
	if _, err := p.Read(buf); !errors.Is(err, ErrPortClosed) {
		t.Errorf("read after close = %v", err)
	}
}
