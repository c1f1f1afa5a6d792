package session

import (
	"context"
	"time"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/store"
)

// End terminates the call. From connecting it is an immediate reset with no
// side effects (no session existed yet). From connected it runs the full
// teardown: stop any active capture, send the call-end event, sync a final
// recording when the backend is reachable, then reset unconditionally.
// Network failures are logged and never block the reset.
func (m *Machine) End(ctx context.Context, endedBy string) {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return
	case StateConnecting:
		if m.connectTimer != nil {
			m.connectTimer.Stop()
			m.connectTimer = nil
		}
		m.state = StateIdle
		m.language = ""
		observers := append([]func(){}, m.onIdle...)
		m.mu.Unlock()
		for _, fn := range observers {
			fn()
		}
		return
	}

	// Connected: freeze the session for teardown, stop timers now so the
	// duration cannot move underneath the call-end event.
	if m.tickHandle != nil {
		m.tickHandle.Stop()
		m.tickHandle = nil
	}
	sess := *m.session
	m.mu.Unlock()

	rec := m.stopAndSaveFinal(ctx, sess)

	m.sendCallEnd(ctx, sess, rec, endedBy)

	// Final recording sync is expendable: only attempted while reachable,
	// and independent of the call-end event's outcome. No monitor means
	// reachability is unknown, treated as unreachable.
	if rec != nil && m.monitor != nil && m.monitor.Reachable() {
		m.SyncRecording(ctx, *rec)
	}

	m.reset()
}

// stopAndSaveFinal stops the recorder if a capture is active and persists it
// as the whole-call recording. Returns nil when nothing was recording or
// the save failed. A capture held by the voice-query orchestrator is not
// ours to stop: that clip is transient and must never land in the store,
// so it is left for its owner to tear down.
func (m *Machine) stopAndSaveFinal(ctx context.Context, sess CallSession) *store.Recording {
	if !m.recorder.Active() {
		return nil
	}
	if m.CaptureOwner() == OwnerVoiceQuery {
		return nil
	}
	uri, err := m.recorder.Stop(ctx)
	if err != nil || uri == "" {
		if err != nil {
			m.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentSession,
				Event:     diaglog.EventRecordingStop,
				CallID:    sess.CallID,
				Reason:    "stop_failed",
				Payload:   map[string]interface{}{"error": err.Error()},
			})
		}
		return nil
	}
	rec, err := m.recorder.Finalize(ctx, capture.FinalizeInfo{
		TempURI:  uri,
		Duration: sess.Duration,
		Language: sess.Language,
		CallID:   sess.CallID,
	})
	if err != nil {
		m.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSession,
			Event:     diaglog.EventStorageError,
			CallID:    sess.CallID,
			Reason:    "finalize_failed",
			Payload:   map[string]interface{}{"error": err.Error()},
		})
		return nil
	}
	return rec
}

// sendCallEnd submits the call-end event. Always attempted, regardless of
// connectivity; failure is logged, not retried, not surfaced.
func (m *Machine) sendCallEnd(ctx context.Context, sess CallSession, rec *store.Recording, endedBy string) {
	metadata := map[string]interface{}{
		"wasRecorded":   rec != nil,
		"endedBy":       endedBy,
		"totalSegments": sess.SegmentCount,
		"hadVoiceQuery": sess.HadVoiceQuery,
	}
	if m.extras != nil {
		for k, v := range m.extras() {
			metadata[k] = v
		}
	}

	var recordingPath *string
	if rec != nil {
		recordingPath = &rec.LocalPath
	}

	event := api.CallEndEvent{
		CallID:        sess.CallID,
		UserID:        m.userID,
		Duration:      sess.Duration,
		StartTime:     sess.StartTime.UTC().Format(time.RFC3339),
		EndTime:       time.Now().UTC().Format(time.RFC3339),
		Language:      sess.Language,
		RecordingPath: recordingPath,
		DeviceInfo:    m.uploader.DeviceInfo(),
		Metadata:      metadata,
	}

	res := m.uploader.SendCallEndEvent(ctx, event)
	if !res.Success {
		m.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSession,
			Event:     diaglog.EventCallEndFailed,
			CallID:    sess.CallID,
			Payload:   map[string]interface{}{"error": res.Error},
		})
	}
}

// reset clears all session-scoped state and notifies idle observers. Runs
// unconditionally at the end of teardown.
func (m *Machine) reset() {
	m.mu.Lock()
	callID := ""
	if m.session != nil {
		callID = m.session.CallID
	}
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.tickHandle != nil {
		m.tickHandle.Stop()
		m.tickHandle = nil
	}
	m.state = StateIdle
	m.session = nil
	m.language = ""
	m.captureOwner = ""
	observers := append([]func(){}, m.onIdle...)
	m.mu.Unlock()

	m.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventCallEnd,
		CallID:    callID,
	})
	for _, fn := range observers {
		fn()
	}
}
