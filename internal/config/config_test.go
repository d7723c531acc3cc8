package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "autobot.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queues.DisplayCapacity != 1200 || cfg.Queues.LogCapacity != 5000 {
		t.Errorf("queues = %+v", cfg.Queues)
	}
	if cfg.Log.Enabled || !cfg.Log.CSVEnabled {
		t.Errorf("initial flags = logging %v csv %v", cfg.Log.Enabled, cfg.Log.CSVEnabled)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	p := writeConfig(t, `
link:
  port: /dev/ttyACM0
  baud: 57600
  grace: 300ms
log:
  batch_size: 100
  flush_interval: 2s
mirror:
  backend: mqtt
  mqtt:
    broker: localhost:1883
`)
	cfg, err := LoadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Link.Port != "/dev/ttyACM0" || cfg.Link.Baud != 57600 {
		t.Errorf("link = %+v", cfg.Link)
	}
	if cfg.Link.Grace.D() != 300*time.Millisecond {
		t.Errorf("grace = %v", cfg.Link.Grace)
	}
	if cfg.Link.PollInterval.D() != 10*time.Millisecond {
		t.Errorf("unset poll interval lost its default: %v", cfg.Link.PollInterval)
	}
	if cfg.Log.BatchSize != 100 || cfg.Log.FlushInterval.D() != 2*time.Second {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Mirror.MQTT.Prefix != "autobot" {
		t.Errorf("mqtt prefix default lost: %q", cfg.Mirror.MQTT.Prefix)
	}
}

func TestLoadFileRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":     "link:\n  grace: soon\n",
		"zero capacity":    "queues:\n  log_capacity: 0\n",
		"unknown backend":  "mirror:\n  backend: carrier-pigeon\n",
		"firebase missing": "mirror:\n  backend: firebase\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Queues.DisplayCapacity = 0
	cfg.Log.BatchSize = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "display_capacity") || !strings.Contains(msg, "batch_size") {
		t.Errorf("error = %v", err)
	}
}

func TestEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil || cfg.HTTP.Addr != ":8080" {
		t.Errorf("cfg = %+v, err = %v", cfg, err)
	}
}
