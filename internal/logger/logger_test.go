package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo))

	log.Info("fee retained", "request", 7, "amount", 1000)

	line := buf.String()
	if !strings.Contains(line, "[INF] fee retained request=7 amount=1000") {
		t.Errorf("unexpected line: %q", line)
	}

	if !strings.HasSuffix(line, "\n") {
		t.Error("line should end with newline")
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelWarn))

	log.Info("hidden")
	log.Debug("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("records below level were written: %q", buf.String())
	}

	if !strings.Contains(buf.String(), "[WRN] shown") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug)).With("component", "keeper").WithGroup("sweep")

	log.Debug("tick", "expired", 2)

	line := buf.String()
	if !strings.Contains(line, "component=keeper") {
		t.Errorf("With attribute missing: %q", line)
	}

	if !strings.Contains(line, "sweep.expired=2") {
		t.Errorf("group prefix missing: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", in, err)
			continue
		}

		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
