// Package pipeline wires the telemetry stages together and owns their
// shared state: the queues, the operational flags, the link and the
// background workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"autobot-telemetry/internal/config"
	"autobot-telemetry/internal/db"
	"autobot-telemetry/internal/display"
	"autobot-telemetry/internal/hub"
	"autobot-telemetry/internal/link"
	"autobot-telemetry/internal/logwriter"
	"autobot-telemetry/internal/metrics"
	"autobot-telemetry/internal/mirror"
	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/parser"
)

// Deps lets callers replace the components New would otherwise build from
// the configuration. Zero fields get the configured default.
type Deps struct {
	Opener  link.Opener
	Sink    logwriter.Sink
	DB      *db.Database
	Store   mirror.Store
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// Pipeline is the shared context for one running ingestion pipeline
type Pipeline struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	Hub     *hub.Hub
	Link    *link.Manager
	Display *display.Refresher

	decoder *parser.Decoder
	writer  *logwriter.Writer
	sink    logwriter.Sink
	db      *db.Database
	ownsDB  bool
	mirror  *mirror.Writer
	store   mirror.Store

	session atomic.Value // string, last non-empty link session

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	closeErr error
}

// New assembles a pipeline. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     cfg,
		log:     deps.Logger.With().Str("component", "pipeline").Logger(),
		metrics: deps.Metrics,
		decoder: parser.NewDecoder(),
	}
	p.session.Store("")

	p.Hub = hub.New(cfg.Queues.DisplayCapacity, cfg.Queues.LogCapacity)
	if deps.Metrics != nil {
		p.Hub.SetObserver(deps.Metrics)
	}
	if deps.Clock != nil {
		p.Hub.SetClock(deps.Clock)
	}
	p.Hub.SetLoggingEnabled(cfg.Log.Enabled)
	p.Hub.SetCSVEnabled(cfg.Log.CSVEnabled)

	p.decoder.OnCoercion = func(e *parser.FieldCoercionError) {
		p.metrics.Coerced(e.Field)
		p.log.Debug().Str("field", e.Field).Interface("value", e.Value).Msg("field defaulted")
	}

	opener := deps.Opener
	if opener == nil {
		opener = link.SerialOpener{}
	}
	p.Link = link.NewManager(opener, link.Config{
		PollInterval: cfg.Link.PollInterval.D(),
		Grace:        cfg.Link.Grace.D(),
		BufferSize:   cfg.Link.BufferSize,
	}, deps.Logger)
	p.Link.OnChange(p.linkChanged)

	p.Display = display.NewRefresher(p.Hub.Display, p.Link, cfg.Display.YawHistory)

	if err := p.buildSink(deps); err != nil {
		return nil, err
	}
	if p.sink != nil {
		p.writer = logwriter.New(p.Hub.Log, p.sink, logwriter.Config{
			BatchSize:     cfg.Log.BatchSize,
			FlushInterval: cfg.Log.FlushInterval.D(),
			PollInterval:  cfg.Log.PollInterval.D(),
		}, deps.Logger)
		if deps.Metrics != nil {
			p.writer.SetObserver(deps.Metrics)
		}
		if deps.Clock != nil {
			p.writer.SetClock(deps.Clock)
		}
	}

	if err := p.buildMirror(deps); err != nil {
		p.closeSinks()
		return nil, err
	}

	return p, nil
}

func (p *Pipeline) buildSink(deps Deps) error {
	if deps.Sink != nil {
		p.sink = deps.Sink
		p.db = deps.DB
		return nil
	}

	var sinks logwriter.MultiSink
	if p.cfg.Log.CSVPath != "" {
		csvSink, err := logwriter.OpenCSV(p.cfg.Log.CSVPath)
		if err != nil {
			return err
		}
		sinks = append(sinks, csvSink)
	}

	switch {
	case deps.DB != nil:
		p.db = deps.DB
		sinks = append(sinks, logwriter.NewSQLiteSink(deps.DB, p.Session))
	case p.cfg.Log.DBPath != "":
		database, err := db.New(p.cfg.Log.DBPath)
		if err != nil {
			sinks.Close()
			return err
		}
		p.db, p.ownsDB = database, true
		sinks = append(sinks, logwriter.NewSQLiteSink(database, p.Session))
	}

	switch len(sinks) {
	case 0:
		p.log.Warn().Msg("no log sink configured, rows will not be persisted")
	case 1:
		p.sink = sinks[0]
	default:
		p.sink = sinks
	}
	return nil
}

func (p *Pipeline) buildMirror(deps Deps) error {
	store := deps.Store
	mc := p.cfg.Mirror
	if store == nil {
		switch mc.Backend {
		case "", config.MirrorNone:
			return nil
		case config.MirrorMemory:
			store = mirror.NewMemoryStore()
		case config.MirrorFirebase:
			store = mirror.NewFirebaseStore(mc.Firebase.URL, mc.Firebase.Auth, mc.Timeout.D())
		case config.MirrorMQTT:
			s, err := mirror.DialMQTT(mirror.MQTTConfig{
				Broker:   mc.MQTT.Broker,
				ClientID: mc.MQTT.ClientID,
				Username: mc.MQTT.Username,
				Password: mc.MQTT.Password,
				Prefix:   mc.MQTT.Prefix,
				Root:     mc.Root,
				QoS:      mc.MQTT.QoS,
				Timeout:  mc.Timeout.D(),
			}, deps.Logger)
			if err != nil {
				return fmt.Errorf("mirror: %w", err)
			}
			store = s
		}
	}

	p.store = store
	p.mirror = mirror.NewWriter(store, p.Display, mirror.Config{
		Root:         mc.Root,
		PollInterval: mc.PollInterval.D(),
		Timeout:      mc.Timeout.D(),
	}, deps.Logger)
	if deps.Metrics != nil {
		p.mirror.SetObserver(deps.Metrics)
	}
	p.Display.SetBatteryObserver(p.mirror)
	return nil
}

// Start launches the log writer and mirror workers, and connects the link
// when the configuration asks for it
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)

	if p.writer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.writer.Run(ctx)
		}()
	}
	if p.mirror != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.mirror.Run(ctx)
		}()
	}

	if p.cfg.Link.AutoConnect && p.cfg.Link.Port != "" {
		if err := p.Connect(p.cfg.Link.Port, p.cfg.Link.Baud); err != nil {
			p.log.Warn().Err(err).Msg("auto-connect failed")
		}
	}
	return nil
}

// RunDisplay ticks the display refresher until ctx is done. Interactive
// front ends call Display.Tick themselves instead.
func (p *Pipeline) RunDisplay(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Display.RefreshInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick runs one display refresh
func (p *Pipeline) Tick() bool {
	return p.Display.Tick()
}

// Connect opens the link and routes its bytes through a fresh framer and
// the decoder into the hub
func (p *Pipeline) Connect(port string, baud int) error {
	if baud <= 0 {
		baud = p.cfg.Link.Baud
	}
	framer := parser.NewFramer()
	return p.Link.Connect(port, baud, func(chunk []byte) {
		before := framer.Overflows()
		framer.Feed(chunk, p.ingest)
		if framer.Overflows() != before {
			p.metrics.FramerOverflow()
			p.log.Warn().Str("port", port).Msg("discarded oversized partial packet")
		}
	})
}

// Disconnect closes the link. Safe in any state.
func (p *Pipeline) Disconnect() {
	p.Link.Disconnect()
}

func (p *Pipeline) ingest(packet string) {
	rec, err := p.decoder.Decode(packet)
	if err != nil {
		p.metrics.DecodeError()
		p.log.Debug().Err(err).Msg("packet discarded")
		return
	}
	p.Hub.Publish(rec)
}

// Ingest pushes one raw packet through the decoder into the hub
func (p *Pipeline) Ingest(packet string) {
	p.ingest(packet)
}

func (p *Pipeline) linkChanged(st link.Status) {
	if st.Session != "" {
		p.session.Store(st.Session)
	}
	p.metrics.LinkState(st.State)
}

// Session returns the most recent link session id, or "" before the first
// connection
func (p *Pipeline) Session() string {
	s, _ := p.session.Load().(string)
	return s
}

// SetLoggingEnabled toggles the durable log
func (p *Pipeline) SetLoggingEnabled(on bool) {
	p.Hub.SetLoggingEnabled(on)
	p.log.Info().Bool("enabled", on).Msg("logging toggled")
}

// SetCSVEnabled toggles the CSV output gate
func (p *Pipeline) SetCSVEnabled(on bool) {
	p.Hub.SetCSVEnabled(on)
	p.log.Info().Bool("enabled", on).Msg("csv output toggled")
}

// Database returns the SQLite log store, or nil when none is configured
func (p *Pipeline) Database() *db.Database {
	return p.db
}

// QueueStats describes a queue's occupancy
type QueueStats struct {
	Len       int    `json:"len"`
	Cap       int    `json:"cap"`
	Pushed    uint64 `json:"pushed"`
	Evictions uint64 `json:"evictions"`
}

// State is a point-in-time view of the whole pipeline
type State struct {
	Link           link.Status      `json:"link"`
	LoggingEnabled bool             `json:"logging_enabled"`
	CSVEnabled     bool             `json:"csv_enabled"`
	DisplayQueue   QueueStats       `json:"display_queue"`
	LogQueue       QueueStats       `json:"log_queue"`
	Display        display.Snapshot `json:"display"`
}

// State gathers the current pipeline state
func (p *Pipeline) State() State {
	d, l := p.Hub.Display, p.Hub.Log
	return State{
		Link:           p.Link.Status(),
		LoggingEnabled: p.Hub.LoggingEnabled(),
		CSVEnabled:     p.Hub.CSVEnabled(),
		DisplayQueue:   QueueStats{Len: d.Len(), Cap: d.Cap(), Pushed: d.Pushed(), Evictions: d.Evictions()},
		LogQueue:       QueueStats{Len: l.Len(), Cap: l.Cap(), Pushed: l.Pushed(), Evictions: l.Evictions()},
		Display:        p.Display.Snapshot(),
	}
}

// ConnectionState reports the link state
func (p *Pipeline) ConnectionState() models.ConnectionState {
	return p.Link.State()
}

// Shutdown stops ingestion and flushes the log: it clears both flags,
// disconnects the link, stops the workers, waits for the final flush and
// closes the sinks and mirror store. Later calls return the first result.
func (p *Pipeline) Shutdown() error {
	p.shutdown.Do(func() {
		p.Hub.SetLoggingEnabled(false)
		p.Hub.SetCSVEnabled(false)
		p.Link.Disconnect()

		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.wg.Wait()

		p.closeErr = p.closeSinks()
		p.log.Info().Msg("pipeline stopped")
	})
	return p.closeErr
}

func (p *Pipeline) closeSinks() error {
	var errs []error
	if p.sink != nil {
		errs = append(errs, p.sink.Close())
	}
	if p.ownsDB && p.db != nil {
		errs = append(errs, p.db.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}
