package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/testutil"
)

var _ capture.Device = (*Client)(nil)

var upgrader = websocket.Upgrader{}

// mockDaemon is a scripted capture daemon.
type mockDaemon struct {
	server *httptest.Server

	mu                sync.Mutex
	permissionGranted bool
	rejectStart       string // non-empty: reject StartCapture with this error
	stopURI           string
	starts            []json.RawMessage
	conns             []*websocket.Conn
}

func newMockDaemon(t *testing.T) *mockDaemon {
	t.Helper()
	m := &mockDaemon{permissionGranted: true, stopURI: "/tmp/clip-1.m4a"}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		m.serve(conn)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockDaemon) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// dropConnections closes every accepted connection from the server side.
func (m *mockDaemon) dropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}

func (m *mockDaemon) serve(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "request" {
			continue
		}

		resp := message{Type: "response", ID: msg.ID, OK: true}
		m.mu.Lock()
		switch msg.Request {
		case reqPermission:
			resp.Data, _ = json.Marshal(map[string]bool{"granted": m.permissionGranted})
		case reqStart:
			if m.rejectStart != "" {
				resp.OK = false
				resp.Error = m.rejectStart
			} else {
				m.starts = append(m.starts, msg.Data)
			}
		case reqStop:
			resp.Data, _ = json.Marshal(map[string]string{"uri": m.stopURI})
		default:
			resp.OK = false
			resp.Error = "unknown request"
		}
		m.mu.Unlock()

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func dialClient(t *testing.T, daemon *mockDaemon) *Client {
	t.Helper()
	c := New(daemon.url(), nil)
	testutil.AssertNoError(t, c.Dial(context.Background()), "Dial")
	t.Cleanup(c.Close)
	return c
}

func TestRequestPermission(t *testing.T) {
	daemon := newMockDaemon(t)
	c := dialClient(t, daemon)

	granted, err := c.RequestPermission(context.Background())
	testutil.AssertNoError(t, err, "RequestPermission")
	testutil.AssertTrue(t, granted, "granted")

	daemon.mu.Lock()
	daemon.permissionGranted = false
	daemon.mu.Unlock()

	granted, err = c.RequestPermission(context.Background())
	testutil.AssertNoError(t, err, "RequestPermission denied path")
	testutil.AssertFalse(t, granted, "denied")
}

func TestStartSendsRoutingMode(t *testing.T) {
	daemon := newMockDaemon(t)
	c := dialClient(t, daemon)

	testutil.AssertNoError(t, c.Start(context.Background(), capture.CallMode()), "Start")

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	testutil.AssertEqual(t, 1, len(daemon.starts), "one start request")

	var mode map[string]bool
	testutil.AssertNoError(t, json.Unmarshal(daemon.starts[0], &mode), "decode mode")
	testutil.AssertTrue(t, mode["allowsRecording"], "allowsRecording")
	testutil.AssertTrue(t, mode["playsInSilentMode"], "playsInSilentMode")
	testutil.AssertTrue(t, mode["duckOthers"], "duckOthers")
	testutil.AssertFalse(t, mode["playThroughEarpiece"], "playThroughEarpiece")
}

func TestStartRejected(t *testing.T) {
	daemon := newMockDaemon(t)
	daemon.mu.Lock()
	daemon.rejectStart = "device busy"
	daemon.mu.Unlock()
	c := dialClient(t, daemon)

	err := c.Start(context.Background(), capture.CallMode())
	if err == nil {
		t.Fatal("expected rejection")
	}
	testutil.AssertContains(t, err.Error(), "device busy", "daemon error surfaced")
}

func TestStopReturnsURI(t *testing.T) {
	daemon := newMockDaemon(t)
	c := dialClient(t, daemon)

	uri, err := c.Stop(context.Background())
	testutil.AssertNoError(t, err, "Stop")
	testutil.AssertEqual(t, "/tmp/clip-1.m4a", uri, "capture uri")

	daemon.mu.Lock()
	daemon.stopURI = ""
	daemon.mu.Unlock()

	uri, err = c.Stop(context.Background())
	testutil.AssertNoError(t, err, "Stop while idle")
	testutil.AssertEqual(t, "", uri, "empty uri when nothing captured")
}

func TestRequestBeforeDial(t *testing.T) {
	c := New("ws://127.0.0.1:0", nil)
	_, err := c.RequestPermission(context.Background())
	testutil.AssertErrorIs(t, err, ErrNotConnected, "undialed request")
}

func TestDisconnectFailsPendingAndNotifies(t *testing.T) {
	daemon := newMockDaemon(t)
	c := New(daemon.url(), nil)

	disconnected := make(chan struct{})
	c.OnDisconnected(func() { close(disconnected) })
	testutil.AssertNoError(t, c.Dial(context.Background()), "Dial")

	daemon.dropConnections()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}
	testutil.AssertFalse(t, c.Connected(), "connection marked down")

	_, err := c.Stop(context.Background())
	testutil.AssertErrorIs(t, err, ErrNotConnected, "request after drop")
}

func TestRequestHonorsContext(t *testing.T) {
	// A daemon that accepts but never answers.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	c := New("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	testutil.AssertNoError(t, c.Dial(context.Background()), "Dial")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.RequestPermission(ctx)
	testutil.AssertErrorIs(t, err, context.DeadlineExceeded, "context bound request")
}
