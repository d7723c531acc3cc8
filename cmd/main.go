package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autobot-telemetry/internal/api"
	"autobot-telemetry/internal/config"
	"autobot-telemetry/internal/db"
	"autobot-telemetry/internal/link"
	"autobot-telemetry/internal/logging"
	"autobot-telemetry/internal/metrics"
	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/parser"
	"autobot-telemetry/internal/pipeline"
	"autobot-telemetry/internal/tui"
)

var (
	configPath string
	dbPath     string
	csvPath    string
	logLevel   string
	logFile    string
	pretty     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autobot",
		Short: "AutoBot telemetry - serial ingestion, live dashboard and durable log",
		Long: `Reads newline-delimited JSON telemetry from the AutoBot over a serial
link, shows it live, logs it to CSV and SQLite and mirrors battery and
pickup/drop state to a remote store.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite log database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&csvPath, "csv", "", "Path to CSV log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable console logs")

	// Add commands
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Log.DBPath = dbPath
	}
	if flags.Changed("csv") {
		cfg.Log.CSVPath = csvPath
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("pretty") {
		cfg.Logging.Pretty = pretty
	}
	return cfg, cfg.Validate()
}

// setupLogger configures zerolog. The returned closer releases the log file.
func setupLogger(cfg *config.Config, defaultFile string) (zerolog.Logger, func(), error) {
	path := logFile
	if path == "" {
		path = defaultFile
	}
	if path == "" {
		logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
		return logger, func() {}, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("open log file: %w", err)
	}
	logger, err := logging.SetupWriter(f, cfg.Logging.Level, false)
	return logger, func() { f.Close() }, err
}

// openDB opens the configured log database for the read-only commands
func openDB(cfg *config.Config) (*db.Database, error) {
	if cfg.Log.DBPath == "" {
		return nil, errors.New("no database configured (use --db or log.db_path)")
	}
	database, err := db.New(cfg.Log.DBPath)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return database, nil
}

func addLinkFlags(cmd *cobra.Command, port *string, baud *int) {
	cmd.Flags().StringVarP(port, "port", "p", "", "Serial port, e.g. /dev/ttyUSB0 or COM3")
	cmd.Flags().IntVarP(baud, "baud", "b", 0, "Baud rate (default from config)")
}

func applyLinkFlags(cmd *cobra.Command, cfg *config.Config, port string, baud int) {
	if cmd.Flags().Changed("port") {
		cfg.Link.Port = port
	}
	if cmd.Flags().Changed("baud") {
		cfg.Link.Baud = baud
	}
}

// dashboardCmd runs the interactive terminal dashboard
func dashboardCmd() *cobra.Command {
	var port string
	var baud int
	var connect bool
	var mirrorBackend string

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Run the live terminal dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyLinkFlags(cmd, cfg, port, baud)
			if cmd.Flags().Changed("mirror") {
				cfg.Mirror.Backend = mirrorBackend
			}
			if cmd.Flags().Changed("connect") {
				cfg.Link.AutoConnect = connect
			}

			// The terminal belongs to the dashboard; logs go to a file
			logger, closeLog, err := setupLogger(cfg, "autobot.log")
			if err != nil {
				return err
			}
			defer closeLog()

			p, err := pipeline.New(cfg, pipeline.Deps{Logger: logger, Metrics: metrics.New()})
			if err != nil {
				return err
			}
			defer p.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := p.Start(ctx); err != nil {
				return err
			}

			model := tui.New(p, cfg.Link.Port, cfg.Link.Baud, cfg.Display.RefreshInterval.D())
			_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				err = nil
			}
			return err
		},
	}

	addLinkFlags(cmd, &port, &baud)
	cmd.Flags().BoolVar(&connect, "connect", false, "Connect to --port on startup")
	cmd.Flags().StringVar(&mirrorBackend, "mirror", "", "Mirror backend: none, memory, firebase, mqtt")
	return cmd
}

// serveCmd runs the pipeline headless behind the HTTP API
func serveCmd() *cobra.Command {
	var port string
	var baud int
	var addr string
	var mirrorBackend string
	var logEnabled bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline headless with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyLinkFlags(cmd, cfg, port, baud)
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("mirror") {
				cfg.Mirror.Backend = mirrorBackend
			}
			if cmd.Flags().Changed("logging") {
				cfg.Log.Enabled = logEnabled
			}
			if cmd.Flags().Changed("port") {
				cfg.Link.AutoConnect = true
			}

			logger, closeLog, err := setupLogger(cfg, "")
			if err != nil {
				return err
			}
			defer closeLog()

			m := metrics.New()
			p, err := pipeline.New(cfg, pipeline.Deps{Logger: logger, Metrics: m})
			if err != nil {
				return err
			}
			defer p.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := p.Start(ctx); err != nil {
				return err
			}
			go p.RunDisplay(ctx)

			server := api.NewServer(p, m, logger)
			httpServer := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			logger.Info().Str("addr", cfg.HTTP.Addr).Str("port", cfg.Link.Port).Msg("AutoBot telemetry API listening")

			errc := make(chan error, 1)
			go func() { errc <- httpServer.ListenAndServe() }()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	addLinkFlags(cmd, &port, &baud)
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config, :8080)")
	cmd.Flags().StringVar(&mirrorBackend, "mirror", "", "Mirror backend: none, memory, firebase, mqtt")
	cmd.Flags().BoolVar(&logEnabled, "logging", false, "Start with logging enabled")
	return cmd
}

// replayCmd feeds a captured serial stream through the pipeline
func replayCmd() *cobra.Command {
	var chunk int
	var logEnabled bool

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Replay a captured serial stream into the log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Log.Enabled = logEnabled
			cfg.Log.CSVEnabled = true
			cfg.Mirror.Backend = config.MirrorNone
			cfg.Link.AutoConnect = false

			logger, closeLog, err := setupLogger(cfg, "")
			if err != nil {
				return err
			}
			defer closeLog()

			ports := make(chan *link.ReaderPort, 1)
			opener := link.FileOpener{ChunkSize: chunk, OnOpen: func(p *link.ReaderPort) { ports <- p }}

			m := metrics.New()
			p, err := pipeline.New(cfg, pipeline.Deps{Opener: opener, Logger: logger, Metrics: m})
			if err != nil {
				return err
			}
			if err := p.Start(context.Background()); err != nil {
				return err
			}

			start := time.Now()
			if err := p.Connect(args[0], cfg.Link.Baud); err != nil {
				p.Shutdown()
				return err
			}
			<-(<-ports).Done()

			if err := p.Shutdown(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			st := p.State()
			fmt.Printf("✓ Replayed %s in %v\n", args[0], elapsed)
			fmt.Printf("  Packets decoded:  %d\n", st.DisplayQueue.Pushed)
			fmt.Printf("  Rows logged:      %d\n", st.LogQueue.Pushed)
			if n := st.LogQueue.Evictions; n > 0 {
				fmt.Printf("  ⚠️  Log rows lost to queue overflow: %d\n", n)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&chunk, "chunk", 256, "Bytes per simulated serial read")
	cmd.Flags().BoolVar(&logEnabled, "logging", true, "Write decoded packets to the configured sinks")
	return cmd
}

// queryCmd queries the stored log
func queryCmd() *cobra.Command {
	var session string
	var startTime string
	var endTime string
	var minTag int64
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the stored telemetry log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			database, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			q := models.LogQuery{
				Session:  session,
				MinTagID: minTag,
				Limit:    limit,
			}

			if startTime != "" {
				t, err := parser.ParseTimestamp(startTime)
				if err != nil {
					return fmt.Errorf("invalid start time: %w", err)
				}
				q.StartTime = t
			}

			if endTime != "" {
				t, err := parser.ParseTimestamp(endTime)
				if err != nil {
					return fmt.Errorf("invalid end time: %w", err)
				}
				q.EndTime = t
			}

			start := time.Now()
			results, err := database.QueryLog(q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				enc.Encode(results)
			default:
				fmt.Printf("Found %d records (query time: %v)\n\n", len(results), elapsed)
				for _, r := range results {
					rec := r.Record
					fmt.Printf("[%s] Enc: %d/%d | Yaw: %7.2f | Batt: %.2fV %d%%",
						r.Timestamp.Format(models.TimestampLayout),
						rec.Encoders.LeftTicks, rec.Encoders.RightTicks,
						rec.IMU.Yaw(), rec.Battery.Voltage, rec.Battery.Percent)
					if rec.Vision.TagID != 0 {
						fmt.Printf(" | Tag %d @ %.2f,%.2f,%.2f", rec.Vision.TagID,
							rec.Vision.Position[0], rec.Vision.Position[1], rec.Vision.Position[2])
					}
					fmt.Println()
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&session, "session", "S", "", "Filter by link session ID")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339 or 2006-01-02 15:04:05)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339 or 2006-01-02 15:04:05)")
	cmd.Flags().Int64Var(&minTag, "min-tag", 0, "Only rows with an AprilTag ID at least this value")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum records to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// statsCmd shows log statistics
func statsCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show telemetry log statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			database, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 AutoBot Telemetry Log Statistics")
			fmt.Println("===================================")
			fmt.Printf("  Log Records:        %v\n", stats["total_log_records"])
			fmt.Printf("  Link Sessions:      %v\n", stats["sessions"])
			fmt.Printf("  Low Battery Rows:   %v\n", stats["low_battery_records"])
			fmt.Printf("  Tag Sightings:      %v\n", stats["tag_sightings"])
			fmt.Printf("  Database:           %s\n", cfg.Log.DBPath)

			start := time.Now()
			summary, err := database.GetSummary(session)
			if err != nil {
				return fmt.Errorf("error getting summary: %w", err)
			}
			if summary.TotalRecords == 0 {
				return nil
			}
			label := session
			if label == "" {
				label = "all sessions"
			}

			fmt.Printf("\n📈 Summary for %s (query: %v)\n", label, time.Since(start))
			fmt.Println("==========================================")
			fmt.Printf("  Total Records:    %d\n", summary.TotalRecords)
			fmt.Printf("  Time Span:        %s → %s\n", summary.FirstTimestamp, summary.LastTimestamp)
			fmt.Printf("  Avg Voltage:      %.2f V\n", summary.AvgVoltage)
			fmt.Printf("  Battery Range:    %d%% - %d%%\n", summary.MinPercent, summary.MaxPercent)
			fmt.Printf("  Distinct Tags:    %d\n", summary.DistinctTags)
			fmt.Printf("  Encoder Travel:   L %d / R %d ticks\n", summary.LeftTickSpan, summary.RightTickSpan)

			return nil
		},
	}

	cmd.Flags().StringVarP(&session, "session", "S", "", "Summarise a single link session")
	return cmd
}

// generateCmd writes a synthetic serial stream
func generateCmd() *cobra.Command {
	var count int
	var output string
	var rate time.Duration
	var seed int64
	var noise float64

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic telemetry stream",
		Long: `Writes newline-delimited telemetry packets in the robot's wire format.
The output can be fed back with 'autobot replay' or written to a virtual
serial port. --noise injects malformed lines to exercise the decoder.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out io.Writer = os.Stdout
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()
				out = file
			}
			w := bufio.NewWriter(out)
			defer w.Flush()

			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			sim := newSimulator(rand.New(rand.NewSource(seed)))

			start := time.Now()
			for i := 0; i < count; i++ {
				if noise > 0 && sim.rng.Float64() < noise {
					fmt.Fprintln(w, `{"enc":{"L":`)
				}
				line, err := parser.Encode(sim.next())
				if err != nil {
					return err
				}
				w.Write(line)
				w.WriteByte('\n')

				if rate > 0 {
					w.Flush()
					time.Sleep(rate)
				}
			}

			if output != "" && output != "-" {
				elapsed := time.Since(start)
				fmt.Fprintf(os.Stderr, "✓ Generated %d packets in %v (%.0f packets/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 1000, "Number of packets to generate")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().DurationVar(&rate, "rate", 0, "Delay between packets, e.g. 20ms (0 writes as fast as possible)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 picks one)")
	cmd.Flags().Float64Var(&noise, "noise", 0, "Probability of emitting a malformed line before a packet")
	return cmd
}

// simulator produces a plausible drive: the robot turns slowly, the wheels
// advance and the battery drains
type simulator struct {
	rng     *rand.Rand
	rec     models.TelemetryRecord
	battery float64
	yaw     float64
	step    int
}

func newSimulator(rng *rand.Rand) *simulator {
	s := &simulator{rng: rng, battery: 100}
	s.rec.Battery.Voltage = 12.6
	return s
}

func (s *simulator) next() models.TelemetryRecord {
	s.step++
	r := &s.rec
	r.Actions = nil

	dl := int64(8 + s.rng.Intn(5))
	dr := int64(8 + s.rng.Intn(5))
	r.Encoders.LeftTicks += dl
	r.Encoders.RightTicks += dr
	r.Encoders.LeftDegrees = math.Mod(float64(r.Encoders.LeftTicks)*0.9, 360)
	r.Encoders.RightDegrees = math.Mod(float64(r.Encoders.RightTicks)*0.9, 360)

	turn := float64(dr-dl) * 0.8
	s.yaw += turn
	r.IMU.Euler = models.Vec3{s.rng.NormFloat64() * 0.5, s.rng.NormFloat64() * 0.5, s.yaw}
	r.IMU.Acceleration = models.Vec3{s.rng.NormFloat64() * 0.02, s.rng.NormFloat64() * 0.02, 1 + s.rng.NormFloat64()*0.01}
	r.IMU.AngularVelocity = models.Vec3{s.rng.NormFloat64(), s.rng.NormFloat64(), turn * 20}

	s.battery = math.Max(0, s.battery-0.01-s.rng.Float64()*0.01)
	r.Battery.Percent = int64(s.battery)
	r.Battery.Voltage = 10.5 + 2.1*s.battery/100

	if s.step%50 < 10 {
		tag := int64(1 + (s.step/50)%8)
		r.Vision = models.Vision{
			TagID:    tag,
			Yaw:      s.rng.NormFloat64() * 5,
			Pitch:    s.rng.NormFloat64() * 2,
			Roll:     s.rng.NormFloat64() * 2,
			Position: models.Vec3{s.rng.Float64() * 0.5, s.rng.Float64()*0.2 - 0.1, 0.3 + s.rng.Float64()},
		}
	} else {
		r.Vision = models.Vision{}
	}

	if s.step%200 == 0 {
		block := fmt.Sprintf("B%d", 1+s.rng.Intn(6))
		if (s.step/200)%2 == 1 {
			r.Actions = &models.Actions{Pickup: &block}
		} else {
			r.Actions = &models.Actions{Drop: &block}
		}
	}
	return *r
}
