// Package voicequery captures a short clip mid-call and submits it to the
// speech endpoint for a spoken answer. The clip is transient: it rides the
// shared capture handle for a bounded duration and is never added to the
// recording store.
package voicequery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/sched"
	"github.com/agrivoice/callsync/internal/session"
)

var (
	// ErrNotConnected is returned by Ask outside a connected call.
	ErrNotConnected = errors.New("no connected call")

	// ErrQueryInFlight is returned while a previous Ask has not finished.
	ErrQueryInFlight = errors.New("voice query already in flight")

	// ErrCaptureBusy means the capture handle is held elsewhere (auto-record
	// or segment mode). The caller must stop that first.
	ErrCaptureBusy = errors.New("capture handle held by another caller")

	// ErrNoAudio means the clip window closed with nothing captured.
	ErrNoAudio = errors.New("no audio captured")
)

// DefaultClipDuration bounds how long a query clip records.
const DefaultClipDuration = 8 * time.Second

// Context is the contextual detail sent alongside the clip.
type Context struct {
	District          string
	State             string
	Choice            int
	CurrentCrop       string
	PreferredLanguage string
}

// Answer is the speech endpoint's reply.
type Answer struct {
	TranscribedText  string
	Answer           string
	DetectedLanguage string
}

// Orchestrator runs one voice query at a time against the current call.
type Orchestrator struct {
	machine  *session.Machine
	recorder *capture.Recorder
	client   *api.Client
	sch      sched.Scheduler
	logger   *diaglog.Logger
	clip     time.Duration

	mu       sync.Mutex
	inFlight bool
}

// New returns an Orchestrator recording clips of the given duration.
func New(m *session.Machine, r *capture.Recorder, c *api.Client, s sched.Scheduler, clip time.Duration, logger *diaglog.Logger) *Orchestrator {
	if clip <= 0 {
		clip = DefaultClipDuration
	}
	return &Orchestrator{machine: m, recorder: r, client: c, sch: s, logger: logger, clip: clip}
}

// InFlight reports whether a query is currently being captured or submitted.
func (o *Orchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight
}

// Ask records a clip, submits it with qc, and returns the spoken answer.
// Blocks for the clip duration plus the network round trip. The session's
// voice-query flag is set on success so call-end metadata reflects it.
func (o *Orchestrator) Ask(ctx context.Context, qc Context) (*Answer, error) {
	if o.machine.State() != session.StateConnected {
		return nil, ErrNotConnected
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, ErrQueryInFlight
	}
	o.inFlight = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	if !o.machine.AcquireCapture(session.OwnerVoiceQuery) {
		return nil, ErrCaptureBusy
	}
	defer o.machine.ReleaseCapture(session.OwnerVoiceQuery)

	sess, _ := o.machine.Session()
	o.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentVoiceQuery,
		Event:     diaglog.EventVoiceQueryStart,
		CallID:    sess.CallID,
	})

	uri, err := o.captureClip(ctx)
	if err != nil {
		return nil, err
	}
	if uri == "" {
		return nil, ErrNoAudio
	}

	res := o.client.SendVoiceQuery(ctx, api.VoiceQuery{
		AudioPath:         uri,
		District:          qc.District,
		State:             qc.State,
		Choice:            qc.Choice,
		CurrentCrop:       qc.CurrentCrop,
		PreferredLanguage: qc.PreferredLanguage,
	})
	if !res.Success {
		o.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentVoiceQuery,
			Event:     diaglog.EventVoiceQueryDone,
			CallID:    sess.CallID,
			Reason:    "query_failed",
			Payload:   map[string]interface{}{"error": res.Error},
		})
		return nil, errors.New(res.Error)
	}
	va, ok := api.DecodeVoiceAnswer(res)
	if !ok {
		return nil, errors.New("unrecognized voice-query response")
	}

	o.machine.MarkVoiceQuery()
	o.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentVoiceQuery,
		Event:     diaglog.EventVoiceQueryDone,
		CallID:    sess.CallID,
		Payload:   map[string]interface{}{"detectedLanguage": va.DetectedLanguage},
	})
	return &Answer{
		TranscribedText:  va.TranscribedText,
		Answer:           va.NativeAnswer,
		DetectedLanguage: va.DetectedLanguage,
	}, nil
}

// captureClip records for the clip window and returns the temp URI.
func (o *Orchestrator) captureClip(ctx context.Context) (string, error) {
	if err := o.recorder.Start(ctx); err != nil {
		return "", err
	}

	done := make(chan struct{})
	h := o.sch.After(o.clip, func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		h.Stop()
		_, _ = o.recorder.Stop(ctx)
		return "", ctx.Err()
	}

	return o.recorder.Stop(ctx)
}
