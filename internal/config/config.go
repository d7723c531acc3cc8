// Package config loads the pipeline configuration.
//
// Configuration comes from an optional YAML file passed with --config.
// Values missing from the file keep their defaults, and command-line flags
// override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("50ms")
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the top-level configuration
type Config struct {
	Link    LinkConfig    `yaml:"link"`
	Queues  QueueConfig   `yaml:"queues"`
	Display DisplayConfig `yaml:"display"`
	Log     LogConfig     `yaml:"log"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// LinkConfig configures the serial link.
type LinkConfig struct {
	// Port is the serial device, e.g. /dev/ttyUSB0 or COM3
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	// AutoConnect opens the link on startup
	AutoConnect bool `yaml:"auto_connect"`
	// PollInterval is the sleep after an empty read
	PollInterval Duration `yaml:"poll_interval"`
	// Grace bounds how long disconnect waits for the read loop
	Grace      Duration `yaml:"grace"`
	BufferSize int      `yaml:"buffer_size"`
}

// QueueConfig sizes the drop-oldest queues
type QueueConfig struct {
	DisplayCapacity int `yaml:"display_capacity"`
	LogCapacity     int `yaml:"log_capacity"`
}

type DisplayConfig struct {
	RefreshInterval Duration `yaml:"refresh_interval"`
	YawHistory      int      `yaml:"yaw_history"`
}

// LogConfig configures the durable log.
type LogConfig struct {
	// Enabled is the initial logging-enabled flag
	Enabled bool `yaml:"enabled"`
	// CSVEnabled is the initial csv-enabled flag
	CSVEnabled bool `yaml:"csv_enabled"`
	// CSVPath is the CSV file; empty disables the CSV sink
	CSVPath string `yaml:"csv_path"`
	// DBPath is the SQLite file; empty disables the SQLite sink
	DBPath        string   `yaml:"db_path"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	PollInterval  Duration `yaml:"poll_interval"`
}

// Mirror backends
const (
	MirrorNone     = "none"
	MirrorMemory   = "memory"
	MirrorFirebase = "firebase"
	MirrorMQTT     = "mqtt"
)

// MirrorConfig configures the remote mirror.
type MirrorConfig struct {
	// Backend is one of none, memory, firebase, mqtt
	Backend      string         `yaml:"backend"`
	Root         string         `yaml:"root"`
	PollInterval Duration       `yaml:"poll_interval"`
	Timeout      Duration       `yaml:"timeout"`
	Firebase     FirebaseConfig `yaml:"firebase"`
	MQTT         MQTTConfig     `yaml:"mqtt"`
}

type FirebaseConfig struct {
	URL  string `yaml:"url"`
	Auth string `yaml:"auth"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Baud:         115200,
			PollInterval: Duration(10 * time.Millisecond),
			Grace:        Duration(150 * time.Millisecond),
			BufferSize:   4096,
		},
		Queues: QueueConfig{
			DisplayCapacity: 1200,
			LogCapacity:     5000,
		},
		Display: DisplayConfig{
			RefreshInterval: Duration(50 * time.Millisecond),
			YawHistory:      90,
		},
		Log: LogConfig{
			Enabled:       false,
			CSVEnabled:    true,
			CSVPath:       "Autobot_Log.csv",
			DBPath:        "",
			BatchSize:     600,
			FlushInterval: Duration(time.Second),
			PollInterval:  Duration(50 * time.Millisecond),
		},
		Mirror: MirrorConfig{
			Backend:      MirrorNone,
			Root:         "/AUTOBOT/AUTOBOT",
			PollInterval: Duration(500 * time.Millisecond),
			Timeout:      Duration(2 * time.Second),
			MQTT: MQTTConfig{
				ClientID: "autobot-telemetry",
				Prefix:   "autobot",
			},
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFile reads path over the defaults. An empty path returns the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, d Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("link.baud", c.Link.Baud)
	positive("link.buffer_size", c.Link.BufferSize)
	positiveDur("link.poll_interval", c.Link.PollInterval)
	positiveDur("link.grace", c.Link.Grace)
	positive("queues.display_capacity", c.Queues.DisplayCapacity)
	positive("queues.log_capacity", c.Queues.LogCapacity)
	positiveDur("display.refresh_interval", c.Display.RefreshInterval)
	positive("display.yaw_history", c.Display.YawHistory)
	positive("log.batch_size", c.Log.BatchSize)
	positiveDur("log.flush_interval", c.Log.FlushInterval)
	positiveDur("log.poll_interval", c.Log.PollInterval)

	switch c.Mirror.Backend {
	case "", MirrorNone, MirrorMemory:
	case MirrorFirebase:
		if c.Mirror.Firebase.URL == "" {
			errs = append(errs, errors.New("mirror.firebase.url is required for the firebase backend"))
		}
	case MirrorMQTT:
		if c.Mirror.MQTT.Broker == "" {
			errs = append(errs, errors.New("mirror.mqtt.broker is required for the mqtt backend"))
		}
		if c.Mirror.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mirror.mqtt.qos must be 0, 1 or 2, got %d", c.Mirror.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirror.backend %q", c.Mirror.Backend))
	}
	if c.Mirror.Backend != "" && c.Mirror.Backend != MirrorNone {
		positiveDur("mirror.poll_interval", c.Mirror.PollInterval)
	}

	return errors.Join(errs...)
}
