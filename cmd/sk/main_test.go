package main

import (
	"testing"
	"time"

	"github.com/skritter/studysync/internal/config"
)

func TestParseWhen(t *testing.T) {
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	got, err := parseWhen("2024-03-05T08:30:00Z", base)
	if err != nil {
		t.Fatalf("parseWhen(RFC3339) failed: %v", err)
	}
	if !got.Equal(time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("parseWhen(RFC3339) = %v", got)
	}

	got, err = parseWhen("in 2 hours", base)
	if err != nil {
		t.Fatalf("parseWhen(in 2 hours) failed: %v", err)
	}
	if !got.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("parseWhen(in 2 hours) = %v, want %v", got, base.Add(2*time.Hour))
	}

	if _, err := parseWhen("zzz", base); err == nil {
		t.Error("parseWhen() accepted gibberish")
	}
}

func TestDaemonSettings(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg.Daemon.AutoSyncThreshold = 25

	got := daemonSettings(cfg)
	if got.SyncInterval != cfg.Daemon.SyncInterval || got.AutoSyncThreshold != 25 || !got.AutoSync {
		t.Errorf("daemonSettings() = %+v", got)
	}
}

func TestWriteOutput_UnknownFormat(t *testing.T) {
	called := false
	if err := writeOutput("xml", statusReport{}, func() { called = true }); err == nil {
		t.Error("writeOutput(xml) should fail")
	}
	if err := writeOutput("text", statusReport{}, func() { called = true }); err != nil || !called {
		t.Errorf("writeOutput(text) = %v, called %v", err, called)
	}
}
