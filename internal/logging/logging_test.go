package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	var buf bytes.Buffer
	logger, err := SetupWriter(&buf, "warn", false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "link").Msg("shown")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "shown" || line["component"] != "link" || line["level"] != "warn" {
		t.Errorf("line = %v", line)
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	for _, lvl := range []string{"", "loud"} {
		if _, err := SetupWriter(&bytes.Buffer{}, lvl, true); err == nil {
			t.Errorf("level %q accepted", lvl)
		}
	}
}
