// Package api is the sole network-facing component. Every backend call goes
// through Client and comes back as a Result; errors never cross this
// boundary. Each operation class carries its own timeout, and a timeout
// cancels the in-flight request via its context.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/agrivoice/callsync/internal/diaglog"
)

// Result is the uniform outcome shape for every backend operation.
type Result struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Message string                 `json:"message,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func failure(message string, err error) Result {
	return Result{Success: false, Message: message, Error: err.Error()}
}

// DeviceInfo identifies the client platform in uploaded metadata.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// HostDeviceInfo describes the running platform.
func HostDeviceInfo(version string) DeviceInfo {
	if version == "" {
		version = diaglog.Version
	}
	return DeviceInfo{Platform: runtime.GOOS, Version: version}
}

// Timeouts carries the per-operation-class request bounds.
type Timeouts struct {
	Health  time.Duration // connectivity probe, kept short
	CallEnd time.Duration
	Query   time.Duration // includes remote transcription latency
	Upload  time.Duration // binary payload
}

// DefaultTimeouts returns the standard 5/10/30/60 second bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Health:  5 * time.Second,
		CallEnd: 10 * time.Second,
		Query:   30 * time.Second,
		Upload:  60 * time.Second,
	}
}

// Client talks to one backend environment.
type Client struct {
	baseURL  string
	http     *http.Client
	timeouts Timeouts
	device   DeviceInfo
	logger   *diaglog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithTimeouts overrides the default per-operation timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) { c.timeouts = t }
}

// WithLogger attaches a diagnostic logger.
func WithLogger(l *diaglog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDeviceInfo overrides the reported device descriptor.
func WithDeviceInfo(d DeviceInfo) Option {
	return func(c *Client) { c.device = d }
}

// NewClient returns a Client for baseURL (trailing slash stripped).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		timeouts: DefaultTimeouts(),
		device:   HostDeviceInfo(""),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceInfo returns the descriptor attached to outgoing metadata.
func (c *Client) DeviceInfo() DeviceInfo {
	return c.device
}

// CheckConnection probes the health endpoint. Any failure, including
// timeout, yields false; it never returns an error.
func (c *Client) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Health)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log(diaglog.EventHealthCheck, "", map[string]interface{}{"ok": false, "error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.log(diaglog.EventHealthCheck, "", map[string]interface{}{"ok": ok, "status": resp.StatusCode})
	return ok
}

// CallEndEvent is the JSON payload for POST /api/calls/end.
type CallEndEvent struct {
	CallID        string                 `json:"callId"`
	UserID        string                 `json:"userId"`
	Duration      int                    `json:"duration"`
	StartTime     string                 `json:"startTime"` // ISO8601
	EndTime       string                 `json:"endTime"`   // ISO8601
	Language      string                 `json:"language"`
	RecordingPath *string                `json:"recordingPath"`
	DeviceInfo    DeviceInfo             `json:"deviceInfo"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// SendCallEndEvent posts the call-end payload. One attempt, no retries.
func (c *Client) SendCallEndEvent(ctx context.Context, event CallEndEvent) Result {
	res := c.postJSON(ctx, "/api/calls/end", event, c.timeouts.CallEnd)
	if res.Success {
		res.Message = "call end event sent"
	}
	return res
}

// QueryRequest is the JSON payload for the text query endpoint.
type QueryRequest struct {
	Query       string `json:"query"`
	Choice      int    `json:"choice"`
	District    string `json:"district"`
	State       string `json:"state"`
	CurrentCrop string `json:"current_crop,omitempty"`
}

// ProcessQuery submits a text question and returns the backend's answer
// payload in Data.
func (c *Client) ProcessQuery(ctx context.Context, q QueryRequest) Result {
	return c.postJSON(ctx, "/query", q, c.timeouts.Query)
}

// GetRecordings lists recordings known to the backend, optionally scoped to
// one user.
func (c *Client) GetRecordings(ctx context.Context, userID string) Result {
	path := "/api/recordings"
	if userID != "" {
		path = "/api/recordings/user/" + userID
	}
	return c.getJSON(ctx, path, c.timeouts.Query)
}

// GetCallHistory fetches past call records.
func (c *Client) GetCallHistory(ctx context.Context, userID string, limit int) Result {
	path := "/api/calls/history"
	sep := "?"
	if userID != "" {
		path += sep + "userId=" + userID
		sep = "&"
	}
	if limit > 0 {
		path += fmt.Sprintf("%slimit=%d", sep, limit)
	}
	return c.getJSON(ctx, path, c.timeouts.Query)
}

// GetAnalytics fetches recording analytics, optionally per user.
func (c *Client) GetAnalytics(ctx context.Context, userID string) Result {
	path := "/api/analytics"
	if userID != "" {
		path = "/api/analytics/user/" + userID
	}
	return c.getJSON(ctx, path, c.timeouts.Query)
}

// GetServerStatus fetches the backend status summary.
func (c *Client) GetServerStatus(ctx context.Context) Result {
	return c.getJSON(ctx, "/api/status", c.timeouts.Health)
}

// ── shared request plumbing ──────────────────────────────────────────────────

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, timeout time.Duration) Result {
	payload, err := json.Marshal(body)
	if err != nil {
		return failure("request encoding failed", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return failure("request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return failure("request build failed", err)
	}
	return c.do(req)
}

// do executes req and folds transport errors, non-2xx statuses and body
// parse failures into a Result.
func (c *Client) do(req *http.Request) Result {
	resp, err := c.http.Do(req)
	if err != nil {
		return failure("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure("response read failed", err)
	}

	data := decodeBody(body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Success: false,
			Data:    data,
			Error:   rejectionMessage(data, resp.StatusCode),
		}
	}
	return Result{Success: true, Data: data}
}

// decodeBody parses a JSON object body; non-object or invalid JSON is kept
// raw under "raw" so callers still see what the backend said.
func decodeBody(body []byte) map[string]interface{} {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err == nil {
		return m
	}
	return map[string]interface{}{"raw": string(truncate(body, 200))}
}

// rejectionMessage extracts the backend's error text from a parseable error
// body, falling back to the HTTP status.
func rejectionMessage(data map[string]interface{}, status int) string {
	for _, key := range []string{"message", "error"} {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("request failed with status %d", status)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func (c *Client) log(event, callID string, payload map[string]interface{}) {
	c.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentUploader,
		Event:     event,
		CallID:    callID,
		Payload:   payload,
	})
}
