package voicequery_test

import (
	"context"
	"testing"
	"time"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/session"
	"github.com/agrivoice/callsync/internal/store"
	"github.com/agrivoice/callsync/internal/voicequery"
	"github.com/agrivoice/callsync/testutil"
)

type fixture struct {
	orch    *voicequery.Orchestrator
	machine *session.Machine
	device  *testutil.FakeDevice
	store   *store.Store
	backend *testutil.Backend
	sch     *testutil.FakeScheduler
}

func newFixture(t *testing.T, autoRecord bool) *fixture {
	t.Helper()

	backend := testutil.NewBackend(t)
	client := api.NewClient(backend.URL())

	kv, err := store.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	st := store.New(kv, nil)
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	device := testutil.NewFakeDevice(t)
	rec := capture.NewRecorder(device, st, t.TempDir(), nil)

	sch := testutil.NewFakeScheduler()
	m := session.New(session.Options{
		Recorder:   rec,
		Store:      st,
		Uploader:   client,
		Scheduler:  sch,
		UserID:     "user_123",
		AutoRecord: autoRecord,
	})
	if autoRecord {
		m.BindAutoRecord(context.Background())
	}

	orch := voicequery.New(m, rec, client, sch, 8*time.Second, nil)
	return &fixture{orch: orch, machine: m, device: device, store: st, backend: backend, sch: sch}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	testutil.AssertNoError(t, f.machine.Start("te"), "Start call")
	f.sch.Advance(2 * time.Second)
}

// waitPending blocks until the scheduler holds at least n live timers, so a
// background Ask has reached its clip wait before the test advances time.
func waitPending(t *testing.T, sch *testutil.FakeScheduler, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sch.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clip timer never registered (pending=%d)", sch.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAskRequiresConnectedCall(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.orch.Ask(context.Background(), voicequery.Context{})
	testutil.AssertErrorIs(t, err, voicequery.ErrNotConnected, "idle ask")
}

func TestAskRejectedWhileRecordingOwned(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)
	testutil.AssertEqual(t, session.OwnerSession, f.machine.CaptureOwner(), "auto-record holds capture")

	_, err := f.orch.Ask(context.Background(), voicequery.Context{})
	testutil.AssertErrorIs(t, err, voicequery.ErrCaptureBusy, "busy ask")
	testutil.AssertFalse(t, f.orch.InFlight(), "in-flight cleared after rejection")
}

func TestAskCapturesAndAnswers(t *testing.T) {
	f := newFixture(t, false)
	f.connect(t)

	type result struct {
		answer *voicequery.Answer
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := f.orch.Ask(context.Background(), voicequery.Context{
			District:          "Guntur",
			State:             "Andhra Pradesh",
			Choice:            1,
			CurrentCrop:       "rice",
			PreferredLanguage: "te",
		})
		ch <- result{a, err}
	}()

	waitPending(t, f.sch, 2) // duration tick + clip timer
	f.sch.Advance(8 * time.Second)

	res := <-ch
	testutil.AssertNoError(t, res.err, "Ask")
	testutil.AssertEqual(t, "apply nitrogen in split doses", res.answer.Answer, "native answer")
	testutil.AssertEqual(t, "my paddy leaves are turning yellow", res.answer.TranscribedText, "transcription")
	testutil.AssertEqual(t, "te", res.answer.DetectedLanguage, "detected language")

	queries := f.backend.VoiceQueries()
	testutil.AssertEqual(t, 1, len(queries), "one query submitted")
	testutil.AssertEqual(t, "Guntur", queries[0].Fields["district"], "district field")
	testutil.AssertEqual(t, "te", queries[0].Fields["preferred_language"], "language field")

	sess, _ := f.machine.Session()
	testutil.AssertTrue(t, sess.HadVoiceQuery, "session flagged")
	testutil.AssertEqual(t, 0, len(f.store.List()), "clip never enters the store")
	testutil.AssertEqual(t, "", f.machine.CaptureOwner(), "capture handle released")
	testutil.AssertFalse(t, f.device.Capturing(), "device idle after clip")
}

func TestAskSingleFlight(t *testing.T) {
	f := newFixture(t, false)
	f.connect(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Ask(context.Background(), voicequery.Context{})
		done <- err
	}()
	waitPending(t, f.sch, 2)

	_, err := f.orch.Ask(context.Background(), voicequery.Context{})
	testutil.AssertErrorIs(t, err, voicequery.ErrQueryInFlight, "concurrent ask")

	f.sch.Advance(8 * time.Second)
	testutil.AssertNoError(t, <-done, "first ask completes")
	testutil.AssertFalse(t, f.orch.InFlight(), "in-flight cleared")
}

func TestAskPermissionDenied(t *testing.T) {
	f := newFixture(t, false)
	f.device.PermissionGranted = false
	f.connect(t)

	_, err := f.orch.Ask(context.Background(), voicequery.Context{})
	testutil.AssertErrorIs(t, err, capture.ErrPermissionDenied, "denied ask")
	testutil.AssertFalse(t, f.orch.InFlight(), "in-flight cleared")
	testutil.AssertEqual(t, "", f.machine.CaptureOwner(), "capture handle released")
}

func TestEndDuringAskLeavesClipOutOfStore(t *testing.T) {
	f := newFixture(t, false)
	f.connect(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Ask(context.Background(), voicequery.Context{})
		done <- err
	}()
	waitPending(t, f.sch, 2)

	f.machine.End(context.Background(), "user")
	testutil.AssertEqual(t, session.StateIdle, f.machine.State(), "call reset")
	testutil.AssertEqual(t, 0, len(f.store.List()), "clip not saved as the call recording")

	ends := f.backend.CallEnds()
	testutil.AssertEqual(t, 1, len(ends), "call-end sent")
	testutil.AssertEqual(t, false, ends[0]["metadata"].(map[string]interface{})["wasRecorded"], "nothing recorded")

	f.sch.Advance(8 * time.Second)
	testutil.AssertNoError(t, <-done, "query still completes")
	testutil.AssertEqual(t, 0, len(f.store.List()), "clip stays out of the store")
	testutil.AssertFalse(t, f.device.Capturing(), "device idle after clip")
}

func TestAskCancelledContext(t *testing.T) {
	f := newFixture(t, false)
	f.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Ask(ctx, voicequery.Context{})
		done <- err
	}()
	waitPending(t, f.sch, 2)
	cancel()

	err := <-done
	testutil.AssertErrorIs(t, err, context.Canceled, "cancelled ask")
	testutil.AssertFalse(t, f.device.Capturing(), "capture stopped on cancel")
	testutil.AssertEqual(t, "", f.machine.CaptureOwner(), "capture handle released")
}
