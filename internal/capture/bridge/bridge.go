// Package bridge implements capture.Device over a WebSocket connection to an
// external audio-capture daemon. The daemon owns the microphone; this client
// speaks a small JSON request/response protocol with pushed state events,
// correlating responses to requests by id.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/diaglog"
)

// ErrNotConnected is returned when a request is made before Dial or after
// the daemon connection drops.
var ErrNotConnected = errors.New("capture daemon not connected")

// RequestTimeout bounds how long one daemon request may take.
const RequestTimeout = 10 * time.Second

// Wire message. Exactly one of Request, Event, or a response (ID with OK)
// is meaningful per message.
type message struct {
	Type    string          `json:"type"` // "request", "response", "event"
	ID      string          `json:"id,omitempty"`
	Request string          `json:"request,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Daemon request types.
const (
	reqPermission = "RequestPermission"
	reqStart      = "StartCapture"
	reqStop       = "StopCapture"
)

// Client is a capture.Device backed by the daemon at url.
type Client struct {
	url    string
	logger *diaglog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	nextID    int
	pending   map[int]chan *message

	onDisconnected func()
}

// New returns an unconnected Client. Call Dial before use.
func New(url string, logger *diaglog.Logger) *Client {
	return &Client{
		url:     url,
		logger:  logger,
		pending: make(map[int]chan *message),
	}
}

// OnDisconnected registers a callback fired when the daemon link drops.
// Register before Dial.
func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = fn
}

// Dial connects to the daemon and starts the read loop.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial capture daemon: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Close tears the connection down. Pending requests fail with ErrNotConnected.
func (c *Client) Close() {
	c.disconnect(false)
}

// Connected reports whether the daemon link is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RequestPermission implements capture.Device.
func (c *Client) RequestPermission(ctx context.Context) (bool, error) {
	resp, err := c.request(ctx, reqPermission, nil)
	if err != nil {
		return false, err
	}
	var data struct {
		Granted bool `json:"granted"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return false, fmt.Errorf("bad permission response: %w", err)
	}
	return data.Granted, nil
}

// Start implements capture.Device.
func (c *Client) Start(ctx context.Context, mode capture.Mode) error {
	payload := map[string]interface{}{
		"allowsRecording":     mode.AllowsRecording,
		"playsInSilentMode":   mode.PlaysInSilentMode,
		"duckOthers":          mode.DuckOthers,
		"playThroughEarpiece": mode.PlayThroughEarpiece,
	}
	_, err := c.request(ctx, reqStart, payload)
	return err
}

// Stop implements capture.Device. Returns "" when the daemon had nothing
// capturing.
func (c *Client) Stop(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, reqStop, nil)
	if err != nil {
		return "", err
	}
	var data struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("bad stop response: %w", err)
	}
	return data.URI, nil
}

// request sends one daemon request and waits for its correlated response.
func (c *Client) request(ctx context.Context, requestType string, data interface{}) (*message, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	conn := c.conn
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := message{
		Type:    "request",
		ID:      strconv.Itoa(id),
		Request: requestType,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		msg.Data = raw
	}

	c.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     diaglog.EventBridgeSend,
		Payload:   map[string]interface{}{"request": requestType, "id": msg.ID},
	})

	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", requestType, err)
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !resp.OK {
			return nil, fmt.Errorf("%s rejected: %s", requestType, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %s", requestType, RequestTimeout)
	}
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			c.disconnect(true)
			return
		}

		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentBridge,
			Event:     diaglog.EventBridgeRecv,
			Payload:   map[string]interface{}{"type": msg.Type, "id": msg.ID, "event": msg.Event},
		})

		switch msg.Type {
		case "response":
			c.dispatch(&msg)
		case "event":
			// State events are informational; the Recorder tracks capture
			// state itself from request outcomes.
		}
	}
}

func (c *Client) dispatch(msg *message) {
	id, err := strconv.Atoi(msg.ID)
	if err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// disconnect closes the connection and fails all pending requests.
func (c *Client) disconnect(lost bool) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	fn := c.onDisconnected
	c.mu.Unlock()

	if lost {
		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentBridge,
			Event:     diaglog.EventBridgeLost,
			Payload:   map[string]interface{}{"url": c.url},
		})
		if fn != nil {
			fn()
		}
	}
}
