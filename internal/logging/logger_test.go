package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func resetGlobal() {
	global = nil
	once = *new(sync.Once)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %v (%s)", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestInit_firstCallWins(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	var first, second bytes.Buffer
	Init(&first, LevelWarn)
	Init(&second, LevelDebug)

	if Get().out != &first {
		t.Error("second Init() should be ignored")
	}
	if Get().minLevel != LevelWarn {
		t.Errorf("minLevel = %v, want WARN", Get().minLevel)
	}
}

func TestGet_defaultsToStdout(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	if Get().out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", io.ErrUnexpectedEOF)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("levels = %s,%s", entries[0].Level, entries[1].Level)
	}
	if entries[1].Error != io.ErrUnexpectedEOF.Error() {
		t.Errorf("error field = %q", entries[1].Error)
	}
}

func TestLogger_contextMerging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("merged",
		map[string]interface{}{"key": "first", "count": 1},
		map[string]interface{}{"key": "second"},
	)

	entries := decodeLines(t, &buf)
	if entries[0].Context["key"] != "second" {
		t.Errorf("key = %v, want second", entries[0].Context["key"])
	}
	if entries[0].Context["count"] != float64(1) {
		t.Errorf("count = %v, want 1", entries[0].Context["count"])
	}
}

func TestLogger_emptyContextOmitted(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, LevelInfo).Info("message", map[string]interface{}{})

	if strings.Contains(buf.String(), "context") {
		t.Errorf("empty context should be omitted: %s", buf.String())
	}
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("drain failed", "SYNC_FAILED", io.ErrUnexpectedEOF,
		map[string]interface{}{"keys": 3})

	entries := decodeLines(t, &buf)
	if entries[0].Context["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v", entries[0].Context["error_code"])
	}
	if entries[0].Context["keys"] != float64(3) {
		t.Errorf("keys = %v", entries[0].Context["keys"])
	}
}

func TestLogger_concurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("tick", map[string]interface{}{"worker": id})
			}
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 400 {
		t.Errorf("got %d lines, want 400", got)
	}
}

func TestInitFile_writesRotatingFile(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	path := filepath.Join(t.TempDir(), "core.log")
	InitFile(FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1}, LevelInfo)

	Info("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}
