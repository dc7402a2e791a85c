package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestNew_ConsoleAndFile tests that records reach both sinks at the set level
func TestNew_ConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "sync.log")

	logger, closeFn, err := New(Options{Level: "info", File: path, MaxSizeMB: 1, Console: &console})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("page stored", zap.String("table", "items"), zap.Int("count", 3))
	closeFn()

	if strings.Contains(console.String(), "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(console.String(), "page stored") {
		t.Errorf("console output = %q", console.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log file is not JSON: %v (%q)", err, data)
	}
	if record["msg"] != "page stored" || record["table"] != "items" {
		t.Errorf("file record = %v", record)
	}
}

func TestNew_Quiet(t *testing.T) {
	logger, closeFn, err := New(Options{Quiet: true})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer closeFn()
	if logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("quiet logger without a file should discard everything")
	}

	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("New() accepted an invalid level")
	}
}
