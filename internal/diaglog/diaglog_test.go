package diaglog

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLogWritesNDJSON(t *testing.T) {
	t.Setenv("CALLSYNC_DEBUG", "true")

	tmp := t.TempDir() + "/test.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	entries := []LogEntry{
		{Component: ComponentSession, Event: EventCallStart},
		{Component: ComponentSession, Event: EventCallConnected, CallID: "abc123"},
		{Component: ComponentUploader, Event: EventUploadFailed, Reason: "timeout"},
	}
	for _, e := range entries {
		l.Log(e)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, tmp)
	if len(lines) != len(entries) {
		t.Fatalf("want %d lines, got %d", len(entries), len(lines))
	}
	if lines[1]["call_id"] != "abc123" {
		t.Errorf("call_id not persisted: %v", lines[1])
	}
	if lines[2]["reason"] != "timeout" {
		t.Errorf("reason not persisted: %v", lines[2])
	}
	for i, m := range lines {
		if _, ok := m["ts"]; !ok {
			t.Errorf("line %d missing timestamp", i)
		}
	}
}

func TestLogNoOpWhenDisabled(t *testing.T) {
	t.Setenv("CALLSYNC_DEBUG", "")

	tmp := t.TempDir() + "/never.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Log(LogEntry{Component: ComponentSession, Event: EventCallStart})
	_ = l.Close()

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("expected no log file, stat err: %v", err)
	}
}

func TestLogRedactsSensitivePayload(t *testing.T) {
	t.Setenv("CALLSYNC_DEBUG", "true")

	tmp := t.TempDir() + "/redact.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Log(LogEntry{
		Component: ComponentUploader,
		Event:     EventUploadStart,
		Payload: map[string]interface{}{
			"phone":    "+91 98765 43210",
			"language": "te",
		},
	})
	_ = l.Close()

	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "98765") {
		t.Fatalf("phone number leaked into log: %s", data)
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatalf("expected redaction marker, got: %s", data)
	}
	if !strings.Contains(string(data), `"language":"te"`) {
		t.Fatalf("non-sensitive field dropped: %s", data)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(LogEntry{Component: ComponentSession, Event: EventCallEnd})
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line: %v -> %s", err, scanner.Text())
		}
		lines = append(lines, m)
	}
	return lines
}
