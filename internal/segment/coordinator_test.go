package segment_test

import (
	"context"
	"testing"
	"time"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/capture"
	"github.com/agrivoice/callsync/internal/connectivity"
	"github.com/agrivoice/callsync/internal/segment"
	"github.com/agrivoice/callsync/internal/session"
	"github.com/agrivoice/callsync/internal/store"
	"github.com/agrivoice/callsync/testutil"
)

type fixture struct {
	coord   *segment.Coordinator
	machine *session.Machine
	device  *testutil.FakeDevice
	store   *store.Store
	backend *testutil.Backend
	monitor *connectivity.Monitor
	sch     *testutil.FakeScheduler
}

func newFixture(t *testing.T) *fixture {
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
	monitor := connectivity.New(client, 15*time.Second, sch, nil)

	m := session.New(session.Options{
		Recorder:   rec,
		Store:      st,
		Uploader:   client,
		Monitor:    monitor,
		Scheduler:  sch,
		UserID:     "user_123",
		AutoRecord: true,
	})
	m.BindAutoRecord(context.Background())

	coord := segment.New(m, rec, monitor, sch, 30*time.Second, nil)
	return &fixture{coord: coord, machine: m, device: device, store: st, backend: backend, monitor: monitor, sch: sch}
}

// connect brings the fixture to a connected call with segment mode running.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.monitor.Start(context.Background())
	testutil.AssertNoError(t, f.machine.Start("te"), "Start call")
	f.sch.Advance(2 * time.Second)
	testutil.AssertNoError(t, f.coord.Start(context.Background()), "Start segments")
}

func TestStartRequiresConnectedCall(t *testing.T) {
	f := newFixture(t)
	testutil.AssertErrorIs(t, f.coord.Start(context.Background()), segment.ErrNotConnected, "idle start")
}

func TestStartRejectedWhileVoiceQueryHoldsCapture(t *testing.T) {
	f := newFixture(t)
	f.monitor.Start(context.Background())
	testutil.AssertNoError(t, f.machine.Start("te"), "Start call")
	f.sch.Advance(2 * time.Second)

	f.machine.ReleaseCapture(session.OwnerSession)
	testutil.AssertTrue(t, f.machine.AcquireCapture(session.OwnerVoiceQuery), "seed voice-query owner")

	testutil.AssertErrorIs(t, f.coord.Start(context.Background()), segment.ErrCaptureBusy, "busy start")
	testutil.AssertFalse(t, f.coord.Running(), "not running after rejection")
}

func TestStartAdoptsAutoRecordCapture(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	testutil.AssertTrue(t, f.coord.Running(), "running")
	testutil.AssertEqual(t, session.OwnerSegments, f.machine.CaptureOwner(), "segments own capture")
	testutil.AssertEqual(t, 1, f.device.Starts, "auto-record capture adopted, not restarted")
}

func TestThreeSegmentsThenWholeCallRecording(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.sch.Advance(90 * time.Second)

	recs := f.store.List()
	testutil.AssertEqual(t, 3, len(recs), "three segments cut")
	for want, rec := range recs {
		testutil.AssertTrue(t, rec.IsSegment, "segment flag")
		testutil.AssertEqual(t, want, rec.SegmentIndex, "monotonic index")
		testutil.AssertEqual(t, store.UploadUploaded, rec.UploadStatus, "uploaded while reachable")
		testutil.AssertContains(t, rec.Filename, "_seg", "segment filename marker")
	}

	uploads := f.backend.Uploads()
	testutil.AssertEqual(t, 3, len(uploads), "three uploads")
	testutil.AssertEqual(t, true, uploads[0].Metadata["isSegment"], "segment metadata flag")
	testutil.AssertEqual(t, float64(0), uploads[0].Metadata["segmentIndex"], "first index on the wire")
	testutil.AssertEqual(t, float64(2), uploads[2].Metadata["segmentIndex"], "last index on the wire")

	// The capture restarted after segment 2 is still running; teardown
	// saves it as the whole-call recording, no segment index.
	f.machine.End(context.Background(), "user")
	recs = f.store.List()
	testutil.AssertEqual(t, 4, len(recs), "final recording persisted")
	final := recs[3]
	testutil.AssertFalse(t, final.IsSegment, "final is not a segment")
	testutil.AssertFalse(t, f.coord.Running(), "coordinator stopped by teardown")

	meta := f.backend.CallEnds()[0]["metadata"].(map[string]interface{})
	testutil.AssertEqual(t, float64(3), meta["totalSegments"], "segment count in call-end event")
}

func TestFailedUploadDoesNotBlockNextSegment(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.backend.SetFailUploads(true)
	f.sch.Advance(30 * time.Second)
	f.backend.SetFailUploads(false)
	f.sch.Advance(30 * time.Second)

	recs := f.store.List()
	testutil.AssertEqual(t, 2, len(recs), "both segments persisted")
	testutil.AssertEqual(t, store.UploadFailed, recs[0].UploadStatus, "first segment failed")
	testutil.AssertEqual(t, 0, recs[0].SegmentIndex, "index 0 consumed despite failure")
	testutil.AssertEqual(t, store.UploadUploaded, recs[1].UploadStatus, "second segment uploaded")
	testutil.AssertEqual(t, 1, recs[1].SegmentIndex, "index 1 never reuses 0")
	testutil.AssertTrue(t, f.device.Capturing(), "capture continued throughout")
}

func TestUnreachableSkipsSegmentUpload(t *testing.T) {
	f := newFixture(t)
	f.backend.SetHealthy(false)
	f.connect(t)

	f.sch.Advance(30 * time.Second)

	recs := f.store.List()
	testutil.AssertEqual(t, 1, len(recs), "segment persisted locally")
	testutil.AssertEqual(t, store.UploadPending, recs[0].UploadStatus, "upload not attempted offline")
	testutil.AssertEqual(t, 0, len(f.backend.Uploads()), "no upload reached the backend")
}

func TestSendNow(t *testing.T) {
	f := newFixture(t)

	testutil.AssertErrorIs(t, f.coord.SendNow(context.Background()), segment.ErrNotRunning, "send before start")

	f.connect(t)
	f.sch.Advance(5 * time.Second)
	testutil.AssertNoError(t, f.coord.SendNow(context.Background()), "out-of-band send")

	recs := f.store.List()
	testutil.AssertEqual(t, 1, len(recs), "segment cut immediately")
	testutil.AssertEqual(t, 0, recs[0].SegmentIndex, "first index")
	testutil.AssertTrue(t, f.device.Capturing(), "next capture armed")
}

func TestStopLeavesCaptureForTeardown(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.sch.Advance(30 * time.Second)

	f.coord.Stop()
	testutil.AssertFalse(t, f.coord.Running(), "stopped")
	testutil.AssertEqual(t, "", f.machine.CaptureOwner(), "capture handle released")
	testutil.AssertTrue(t, f.device.Capturing(), "capture keeps running for the call")

	// No further segments are cut.
	f.sch.Advance(60 * time.Second)
	testutil.AssertEqual(t, 1, len(f.store.List()), "cycle cancelled")

	f.machine.End(context.Background(), "user")
	recs := f.store.List()
	testutil.AssertEqual(t, 2, len(recs), "teardown saved the running capture")
	testutil.AssertFalse(t, recs[1].IsSegment, "saved as whole-call recording")
}
