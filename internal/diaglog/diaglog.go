// Package diaglog provides structured NDJSON diagnostic logging for callsync.
// Activated by CALLSYNC_DEBUG=true. When the env var is absent, all Log calls
// are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentSession      = "call-session"
	ComponentRecorder     = "recorder"
	ComponentBridge       = "capture-bridge"
	ComponentUploader     = "uploader"
	ComponentConnectivity = "connectivity"
	ComponentSegments     = "segment-coordinator"
	ComponentStore        = "recording-store"
	ComponentVoiceQuery   = "voice-query"
	ComponentConfig       = "config"
	ComponentDiag         = "callsync-diag"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventCallStart       = "call_start"
	EventCallConnected   = "call_connected"
	EventCallEnd         = "call_end"
	EventCallEndFailed   = "call_end_event_failed"
	EventRecordingStart  = "recording_start"
	EventRecordingStop   = "recording_stop"
	EventRecordingSaved  = "recording_saved"
	EventUploadStart     = "upload_start"
	EventUploadSuccess   = "upload_success"
	EventUploadFailed    = "upload_failed"
	EventHealthCheck     = "health_check"
	EventSegmentSent     = "segment_sent"
	EventVoiceQueryStart = "voice_query_start"
	EventVoiceQueryDone  = "voice_query_done"
	EventStorageError    = "storage_error"
	EventConfigReload    = "config_reload"
	EventBridgeSend      = "bridge_send"
	EventBridgeRecv      = "bridge_recv"
	EventBridgeLost      = "bridge_disconnect"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                // RFC3339Nano
	Component string      `json:"component"`         // see Component* constants
	Event     string      `json:"event"`             // see Event* constants
	CallID    string      `json:"call_id,omitempty"` // present during a connected session
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *capWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newCapWriter(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether CALLSYNC_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("CALLSYNC_DEBUG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
