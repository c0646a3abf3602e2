package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_Formats(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatText, FormatDev} {
		var buf bytes.Buffer
		log, err := New(&buf, f, slog.LevelInfo)
		if err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		log.Info("bridge.start", slog.String("addr", ":3003"))
		if !strings.Contains(buf.String(), "bridge.start") {
			t.Fatalf("%s: record not written: %q", f, buf.String())
		}
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "xml", slog.LevelInfo); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("got %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New(&buf, FormatJSON, slog.LevelWarn)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record should be filtered: %q", buf.String())
	}
}
