package link

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autobot-telemetry/internal/models"
)

// Defaults for Config
const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultGrace        = 150 * time.Millisecond
	DefaultBufferSize   = 4096
)

// Config tunes the read loop
type Config struct {
	// PollInterval is how long the loop sleeps after a read returned nothing
	PollInterval time.Duration
	// Grace bounds how long Disconnect waits for the loop to exit
	Grace time.Duration
	// BufferSize is the read buffer length
	BufferSize int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// Status is a point-in-time view of the link
type Status struct {
	State   models.ConnectionState `json:"state"`
	Port    string                 `json:"port,omitempty"`
	Baud    int                    `json:"baud,omitempty"`
	Session string                 `json:"session,omitempty"`
	Message string                 `json:"message,omitempty"`
	Since   time.Time              `json:"since"`
}

// ChunkFunc consumes bytes read from the link. It runs on the read loop and
// must not retain the slice.
type ChunkFunc func(chunk []byte)

type session struct {
	id   string
	port Port
	name string
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *session) signal() {
	s.once.Do(func() { close(s.stop) })
}

// Manager owns the serial link: it opens it, runs the single read loop,
// and closes it on request or on I/O failure. The state cycles
// Disconnected -> Connecting -> Connected -> Disconnected; reconnecting is
// always an explicit Connect call.
type Manager struct {
	opener Opener
	cfg    Config
	log    zerolog.Logger

	state atomic.Int32

	// ctl serializes Connect and Disconnect
	ctl     sync.Mutex
	current *session

	// linkMu guards the port handle during open, read and close
	linkMu sync.Mutex
	port   Port

	statusMu sync.Mutex
	status   Status

	onChange func(Status)
}

// NewManager creates a disconnected manager
func NewManager(opener Opener, cfg Config, log zerolog.Logger) *Manager {
	m := &Manager{
		opener: opener,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "link").Logger(),
	}
	m.status = Status{State: models.Disconnected, Since: time.Now()}
	return m
}

// OnChange registers a callback invoked after every state transition.
// Call before the first Connect.
func (m *Manager) OnChange(fn func(Status)) {
	m.onChange = fn
}

// State returns the current connection state
func (m *Manager) State() models.ConnectionState {
	return models.ConnectionState(m.state.Load())
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

// Connect opens the named port and starts the read loop, feeding every
// chunk to consume. It is a no-op while connecting or connected. A failed
// open returns a *LinkOpenError and leaves the manager Disconnected.
func (m *Manager) Connect(name string, baud int, consume ChunkFunc) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	if m.State() != models.Disconnected {
		return nil
	}
	if m.current != nil {
		select {
		case <-m.current.done:
			m.current = nil
		default:
			return ErrLoopActive
		}
	}

	m.setStatus(Status{State: models.Connecting, Port: name, Baud: baud})
	m.log.Info().Str("port", name).Int("baud", baud).Msg("connecting")

	m.linkMu.Lock()
	port, err := m.opener.Open(name, baud)
	if err == nil {
		m.port = port
	}
	m.linkMu.Unlock()

	if err != nil {
		openErr := &LinkOpenError{Port: name, Baud: baud, Err: err}
		m.setStatus(Status{State: models.Disconnected, Port: name, Baud: baud, Message: openErr.Error()})
		m.log.Warn().Err(err).Str("port", name).Msg("open failed")
		return openErr
	}

	sess := &session{
		id:   uuid.NewString(),
		port: port,
		name: name,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.current = sess
	m.setStatus(Status{State: models.Connected, Port: name, Baud: baud, Session: sess.id, Message: "connected"})
	m.log.Info().Str("port", name).Str("session", sess.id).Msg("connected")

	go m.readLoop(sess, consume)
	return nil
}

// Disconnect stops the read loop, waits up to the grace period for it to
// exit, then guarantees the link is closed and the state is Disconnected.
// Safe to call from any state, any number of times.
func (m *Manager) Disconnect() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	sess := m.current
	if sess != nil {
		sess.signal()
		timer := time.NewTimer(m.cfg.Grace)
		select {
		case <-sess.done:
		case <-timer.C:
			m.log.Warn().Str("session", sess.id).Dur("grace", m.cfg.Grace).Msg("read loop did not stop within grace period")
		}
		timer.Stop()
	}

	m.closeLink(nil)

	if m.State() != models.Disconnected {
		st := m.Status()
		m.setStatus(Status{State: models.Disconnected, Port: st.Port, Baud: st.Baud, Message: "disconnected"})
		m.log.Info().Str("port", st.Port).Msg("disconnected")
	}
}

// closeLink closes the port if it belongs to sess. A nil sess closes
// whatever port is open.
func (m *Manager) closeLink(sess *session) {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()

	if m.port == nil {
		return
	}
	if sess != nil && m.port != sess.port {
		return
	}
	if err := m.port.Close(); err != nil {
		m.log.Debug().Err(err).Msg("close port")
	}
	m.port = nil
}

func (m *Manager) readLoop(sess *session, consume ChunkFunc) {
	defer close(sess.done)

	buf := make([]byte, m.cfg.BufferSize)
	idle := time.NewTimer(m.cfg.PollInterval)
	defer idle.Stop()

	for {
		select {
		case <-sess.stop:
			m.closeLink(sess)
			return
		default:
		}

		m.linkMu.Lock()
		if m.port != sess.port {
			m.linkMu.Unlock()
			return
		}
		n, err := m.port.Read(buf)
		m.linkMu.Unlock()

		if n > 0 && consume != nil {
			consume(buf[:n])
		}

		if err != nil {
			ioErr := &LinkIOError{Port: sess.name, Err: err}
			m.closeLink(sess)
			m.setStatus(Status{State: models.Disconnected, Port: sess.name, Message: ioErr.Error()})
			m.log.Error().Err(err).Str("port", sess.name).Str("session", sess.id).Msg("link I/O failure")
			return
		}

		if n == 0 {
			idle.Reset(m.cfg.PollInterval)
			select {
			case <-sess.stop:
				m.closeLink(sess)
				return
			case <-idle.C:
			}
		}
	}
}

func (m *Manager) setStatus(st Status) {
	st.Since = time.Now()

	m.statusMu.Lock()
	m.state.Store(int32(st.State))
	m.status = st
	m.statusMu.Unlock()

	if m.onChange != nil {
		m.onChange(st)
	}
}
