package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Skryldev/image-pipeline/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warning", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := logging.ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := logging.ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(logging.Config{Level: "info"}, zapcore.AddSync(&buf))
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("fetch finished", zap.String("uri", "https://example.com/a.jpg"))
	_ = logger.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q, want exactly the info entry", lines)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "fetch finished" || entry["uri"] != "https://example.com/a.jpg" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNew_DevelopmentDefaultsToDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(logging.Config{Development: true}, zapcore.AddSync(&buf))
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("decode started")
	_ = logger.Sync()
	if !strings.Contains(buf.String(), "decode started") {
		t.Fatalf("debug entry missing: %q", buf.String())
	}
}

func TestNew_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.log")
	var console bytes.Buffer
	logger, err := logging.NewWithWriter(logging.Config{File: path}, zapcore.AddSync(&console))
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("disk cache miss")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "disk cache miss") || !strings.Contains(console.String(), "disk cache miss") {
		t.Fatal("entry not written to both outputs")
	}
}
