// Package session owns the call lifecycle: the idle/connecting/connected
// state machine, the session object created on connect, the teardown
// sequence, and the retry path for failed uploads. Collaborators observe
// transitions instead of being called inline, so auto-record, segment mode
// and voice queries can each react to the same connected signal.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/connectivity"
	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/sched"
	"github.com/agrivoice/callsync/internal/store"
)

// State is the call lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

// ConnectDelay is the simulated connection setup time.
const ConnectDelay = 2 * time.Second

// ErrNotIdle is returned by Start when a call is already in progress.
var ErrNotIdle = errors.New("call already in progress")

// CallSession is one connected call's identity and timing. Snapshot copies
// are handed to observers; the machine owns the live value.
type CallSession struct {
	CallID        string
	StartTime     time.Time
	Language      string
	Duration      int // seconds, ticked while connected
	Muted         bool
	SegmentCount  int
	HadVoiceQuery bool

	nextSegmentIndex int
}

// Options wires a Machine's collaborators.
type Options struct {
	Recorder  *capture.Recorder
	Store     *store.Store
	Uploader  *api.Client
	Monitor   *connectivity.Monitor
	Scheduler sched.Scheduler
	Logger    *diaglog.Logger

	UserID     string
	AutoRecord bool
	// MetadataExtras supplies extra call-end metadata (profile fields).
	// Optional.
	MetadataExtras func() map[string]interface{}
}

// Machine is the call session state machine.
type Machine struct {
	recorder *capture.Recorder
	store    *store.Store
	uploader *api.Client
	monitor  *connectivity.Monitor
	sch      sched.Scheduler
	logger   *diaglog.Logger

	userID string
	extras func() map[string]interface{}

	mu           sync.Mutex
	state        State
	session      *CallSession
	language     string
	autoRecord   bool
	connectTimer sched.Handle
	tickHandle   sched.Handle
	captureOwner string

	onConnected []func(CallSession)
	onIdle      []func()
}

// New returns an idle Machine.
func New(opts Options) *Machine {
	return &Machine{
		recorder:   opts.Recorder,
		store:      opts.Store,
		uploader:   opts.Uploader,
		monitor:    opts.Monitor,
		sch:        opts.Scheduler,
		logger:     opts.Logger,
		userID:     opts.UserID,
		extras:     opts.MetadataExtras,
		autoRecord: opts.AutoRecord,
		state:      StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the current session, or false when no call
// has connected.
func (m *Machine) Session() (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return CallSession{}, false
	}
	return *m.session, true
}

// SetAutoRecord toggles automatic recording on connect.
func (m *Machine) SetAutoRecord(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRecord = v
}

// SetMuted flips the session mute flag. No-op outside a connected call.
func (m *Machine) SetMuted(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Muted = v
	}
}

// OnConnected registers an observer of the connected transition. Observers
// receive a session snapshot and run outside the machine lock. Register
// before Start.
func (m *Machine) OnConnected(fn func(CallSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnIdle registers an observer of the reset-to-idle transition.
func (m *Machine) OnIdle(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdle = append(m.onIdle, fn)
}

// BindAutoRecord wires the side-effect rule that entering connected starts
// the recorder. The stop half lives in teardown, which stops any capture
// owned by the session or segment mode.
func (m *Machine) BindAutoRecord(ctx context.Context) {
	m.OnConnected(func(CallSession) {
		m.mu.Lock()
		auto := m.autoRecord
		m.mu.Unlock()
		if !auto {
			return
		}
		if !m.AcquireCapture(OwnerSession) {
			return
		}
		if err := m.recorder.Start(ctx); err != nil {
			m.ReleaseCapture(OwnerSession)
			m.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentSession,
				Event:     diaglog.EventRecordingStart,
				Reason:    "auto_record_failed",
				Payload:   map[string]interface{}{"error": err.Error()},
			})
		}
	})
}

// Start moves idle → connecting and schedules the connected transition
// after the fixed delay. The session id does not exist yet; only connected
// calls acquire one.
func (m *Machine) Start(language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrNotIdle
	}
	m.state = StateConnecting
	m.language = language
	m.session = nil
	m.connectTimer = m.sch.After(ConnectDelay, m.connect)

	m.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventCallStart,
		Payload:   map[string]interface{}{"language": language},
	})
	return nil
}

// connect fires when the simulated connection delay elapses.
func (m *Machine) connect() {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.session = &CallSession{
		CallID:    uuid.NewString(),
		StartTime: time.Now(),
		Language:  m.language,
	}
	m.tickHandle = m.sch.Every(time.Second, m.tick)
	snapshot := *m.session
	observers := append([]func(CallSession){}, m.onConnected...)
	m.mu.Unlock()

	m.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventCallConnected,
		CallID:    snapshot.CallID,
	})
	for _, fn := range observers {
		fn(snapshot)
	}
}

func (m *Machine) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected && m.session != nil {
		m.session.Duration++
	}
}

// Duration returns the current session duration in seconds.
func (m *Machine) Duration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return 0
	}
	return m.session.Duration
}

// ClaimSegmentIndex hands out the next monotonic segment index for the
// current session. Indices are never reused, even when an upload fails.
func (m *Machine) ClaimSegmentIndex() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.session == nil {
		return 0, false
	}
	idx := m.session.nextSegmentIndex
	m.session.nextSegmentIndex++
	m.session.SegmentCount++
	return idx, true
}

// MarkVoiceQuery records that a voice query happened during this session.
func (m *Machine) MarkVoiceQuery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.HadVoiceQuery = true
	}
}

// UserID returns the identity attached to uploads and events.
func (m *Machine) UserID() string {
	return m.userID
}
