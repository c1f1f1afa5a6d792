// Package segment implements segmented sending: while a call is connected,
// the active capture is periodically cut, persisted as an indexed segment,
// uploaded when the backend is reachable, and a fresh capture started
// immediately. Recording continuity wins over upload completion: a failed
// segment upload never delays the next segment's capture.
package segment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/connectivity"
	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/sched"
	"github.com/agrivoice/callsync/internal/session"
)

var (
	// ErrNotConnected is returned by Start outside a connected call.
	ErrNotConnected = errors.New("no connected call")

	// ErrCaptureBusy is returned when the capture handle is held by a voice
	// query; segment mode cannot begin until it is released.
	ErrCaptureBusy = errors.New("capture handle held by another caller")

	// ErrNotRunning is returned by SendNow when segment mode is off.
	ErrNotRunning = errors.New("segment mode not running")
)

// DefaultInterval is the segment cycle length.
const DefaultInterval = 30 * time.Second

// Coordinator runs the segment cycle for the current call.
type Coordinator struct {
	machine  *session.Machine
	recorder *capture.Recorder
	monitor  *connectivity.Monitor
	sch      sched.Scheduler
	logger   *diaglog.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	handle  sched.Handle
}

// New returns a Coordinator cutting segments every interval. The coordinator
// deactivates itself when the session resets to idle.
func New(m *session.Machine, r *capture.Recorder, mon *connectivity.Monitor, s sched.Scheduler, interval time.Duration, logger *diaglog.Logger) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Coordinator{
		machine:  m,
		recorder: r,
		monitor:  mon,
		sch:      s,
		logger:   logger,
		interval: interval,
	}
	m.OnIdle(c.deactivate)
	return c
}

// Running reports whether segment mode is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start enables segment mode for the connected call. An auto-record capture
// already in progress is adopted as the first segment's capture; a voice
// query holding the handle rejects the start. Begins capturing if nothing
// is recording yet.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.machine.State() != session.StateConnected {
		return ErrNotConnected
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !c.machine.AcquireCapture(session.OwnerSegments) {
		if c.machine.CaptureOwner() != session.OwnerSession {
			return ErrCaptureBusy
		}
		c.machine.ReleaseCapture(session.OwnerSession)
		if !c.machine.AcquireCapture(session.OwnerSegments) {
			return ErrCaptureBusy
		}
	}

	if !c.recorder.Active() {
		if err := c.recorder.Start(ctx); err != nil {
			c.machine.ReleaseCapture(session.OwnerSegments)
			return err
		}
	}

	c.mu.Lock()
	c.running = true
	c.handle = c.sch.Every(c.interval, func() { c.cycle(ctx) })
	c.mu.Unlock()
	return nil
}

// Stop disables segment mode and releases the capture handle. The capture
// in flight keeps running; whatever it holds at call end is saved by the
// session teardown as the whole-call recording, with no segment index.
func (c *Coordinator) Stop() {
	c.deactivate()
}

// SendNow cuts a segment immediately, outside the interval cycle.
func (c *Coordinator) SendNow(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	c.cycle(ctx)
	return nil
}

func (c *Coordinator) deactivate() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
	c.mu.Unlock()

	c.machine.ReleaseCapture(session.OwnerSegments)
}

// cycle is one atomic segment cut: stop capture, persist segment N, restart
// capture for segment N+1, then upload N if reachable. Restart precedes the
// upload so the stop-to-start gap stays as small as possible.
func (c *Coordinator) cycle(ctx context.Context) {
	if c.machine.State() != session.StateConnected {
		c.deactivate()
		return
	}
	sess, ok := c.machine.Session()
	if !ok {
		c.deactivate()
		return
	}

	uri, err := c.recorder.Stop(ctx)
	if err != nil {
		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSegments,
			Event:     diaglog.EventRecordingStop,
			CallID:    sess.CallID,
			Reason:    "segment_stop_failed",
			Payload:   map[string]interface{}{"error": err.Error()},
		})
		return
	}
	if uri == "" {
		// Nothing was capturing. Benign; just arm the next segment.
		c.restart(ctx, sess.CallID)
		return
	}

	idx, ok := c.machine.ClaimSegmentIndex()
	if !ok {
		// Session ended between the state check and the cut; the teardown
		// owns whatever remains.
		return
	}

	rec, err := c.recorder.Finalize(ctx, capture.FinalizeInfo{
		TempURI:      uri,
		Duration:     c.machine.Duration(),
		Language:     sess.Language,
		CallID:       sess.CallID,
		IsSegment:    true,
		SegmentIndex: idx,
	})
	if err != nil {
		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSegments,
			Event:     diaglog.EventStorageError,
			CallID:    sess.CallID,
			Reason:    "segment_finalize_failed",
			Payload:   map[string]interface{}{"segmentIndex": idx, "error": err.Error()},
		})
	}

	c.restart(ctx, sess.CallID)

	if rec != nil && c.monitor.Reachable() {
		c.machine.SyncRecording(ctx, *rec)
	}

	if rec != nil {
		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSegments,
			Event:     diaglog.EventSegmentSent,
			CallID:    sess.CallID,
			Payload: map[string]interface{}{
				"segmentIndex": idx,
				"filename":     rec.Filename,
			},
		})
	}
}

func (c *Coordinator) restart(ctx context.Context, callID string) {
	if c.machine.State() != session.StateConnected {
		return
	}
	if err := c.recorder.Start(ctx); err != nil {
		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSegments,
			Event:     diaglog.EventRecordingStart,
			CallID:    callID,
			Reason:    "segment_restart_failed",
			Payload:   map[string]interface{}{"error": err.Error()},
		})
	}
}
