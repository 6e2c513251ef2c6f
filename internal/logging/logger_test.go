// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestLogger_Info verifies JSON output with context fields.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("library refreshed", map[string]interface{}{"inserted": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["message"] != "library refreshed" {
		t.Errorf("message = %v, want %q", entries[0]["message"], "library refreshed")
	}
	if entries[0]["level"] != "info" {
		t.Errorf("level = %v, want info", entries[0]["level"])
	}
	if entries[0]["inserted"] != float64(3) {
		t.Errorf("inserted = %v, want 3", entries[0]["inserted"])
	}
	if _, ok := entries[0]["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_minLevel verifies entries below the minimum level are dropped.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["message"] != "warn" {
		t.Errorf("message = %v, want warn", entries[0]["message"])
	}
}

// TestLogger_Error verifies the error text and code are attached.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.ErrorWithCode("upsert failed", "CONFLICT_VIOLATION", errors.New("UNIQUE constraint failed"),
		map[string]interface{}{"igdb_id": 1942})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["error"] != "UNIQUE constraint failed" {
		t.Errorf("error = %v", entries[0]["error"])
	}
	if entries[0]["code"] != "CONFLICT_VIOLATION" {
		t.Errorf("code = %v", entries[0]["code"])
	}
	if entries[0]["igdb_id"] != float64(1942) {
		t.Errorf("igdb_id = %v", entries[0]["igdb_id"])
	}
}

// TestLogger_WithRun verifies run scoping.
func TestLogger_WithRun(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo).WithRun("run-1")

	logger.Info("fetching owned games")
	logger.Info("fetching metadata", map[string]interface{}{"ids": 12})

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e["run_id"] != "run-1" {
			t.Errorf("run_id = %v, want run-1", e["run_id"])
		}
	}
}

// TestParseLevel verifies level name parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestInit verifies the global logger is replaced.
func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)
	defer Init(&bytes.Buffer{}, LevelInfo)

	Info("global entry")

	if !strings.Contains(buf.String(), "global entry") {
		t.Errorf("global logger output = %q", buf.String())
	}
}

func TestLogger_Printf(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, LevelInfo).Printf("job %s failed: %d", "refresh", 3)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["message"] != "job refresh failed: 3" {
		t.Errorf("entries = %v", entries)
	}
}
