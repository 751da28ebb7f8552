package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, "not-a-level", false)

	l.Debug().Msg("hidden")
	l.Info().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug message leaked at info level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("info message missing: %s", out)
	}
}

func TestComponentTag(t *testing.T) {
	var buf bytes.Buffer
	l := Component(newWithWriter(&buf, "debug", false), "ingest")
	l.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"ingest"`) {
		t.Fatalf("missing component field: %s", buf.String())
	}
}

func TestSampledDropsBurst(t *testing.T) {
	var buf bytes.Buffer
	l := Sampled(newWithWriter(&buf, "info", false), 2)
	for i := 0; i < 10; i++ {
		l.Warn().Msg("queue full")
	}

	if n := strings.Count(buf.String(), "queue full"); n != 2 {
		t.Fatalf("expected 2 sampled lines, got %d", n)
	}
}
