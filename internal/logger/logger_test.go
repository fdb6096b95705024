package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriterDefaults(t *testing.T) {
	dir := t.TempDir()
	w, err := FileConfig{Path: filepath.Join(dir, "nested", "cw.log")}.Writer()
	if err != nil {
		t.Fatalf("Writer error: %v", err)
	}
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("expected *lumberjack.Logger, got %T", w)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", l)
	}
	_, _ = w.Write([]byte("x\n"))
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "nested", "cw.log")); err != nil {
		t.Fatalf("log file not created: %v", err)
	}

	if w, err := (FileConfig{}).Writer(); w != nil || err != nil {
		t.Fatalf("empty path should yield no writer: %v %v", w, err)
	}
}

func TestNewTextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, c, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "k=1") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNewJSONWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "cw.log")
	log, c, err := New(Config{Level: "debug", Format: "json", File: FileConfig{Path: path}}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.With("session", "s1").Debug("attempt", "n", 2)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("console not json: %v (%q)", err, buf.String())
	}
	if rec["session"] != "s1" || rec["msg"] != "attempt" {
		t.Fatalf("unexpected record: %v", rec)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), `"session":"s1"`) {
		t.Fatalf("file missing record: %q", b)
	}
}

func TestColorHandlerKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(Config{Format: "color"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.With("path", "primary").Error("boom")
	out := buf.String()
	if !strings.HasPrefix(out, "\033[31mERROR\033[0m  ") {
		t.Fatalf("missing color prefix: %q", out)
	}
	if strings.Contains(out, `\x1b`) || !strings.Contains(out, "msg=boom") {
		t.Fatalf("message was escaped: %q", out)
	}
	if !strings.Contains(out, "path=primary") {
		t.Fatalf("attrs lost through WithAttrs: %q", out)
	}
}

func TestColorHandlerLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log.Info("first")
	log.WithGroup("attempt").Warn("second", "n", 3)
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "\033[32mINFO\033[0m  ") || !strings.Contains(lines[0], "msg=first") {
		t.Fatalf("first line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "\033[33mWARN\033[0m  ") || !strings.Contains(lines[1], "attempt.n=3") {
		t.Fatalf("second line: %q", lines[1])
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}, nil); err == nil {
		t.Fatalf("expected level error")
	}
	if _, _, err := New(Config{Format: "xml"}, nil); err == nil {
		t.Fatalf("expected format error")
	}
}
