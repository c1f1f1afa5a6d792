package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) (*Store, *FileKV) {
	t.Helper()
	kv, err := NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	s := New(kv, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s, kv
}

func sampleRecording(id string) Recording {
	return Recording{
		ID:           id,
		Filename:     "call_2026-08-31_10-15-00_te.m4a",
		LocalPath:    "/data/call_recordings/call_2026-08-31_10-15-00_te.m4a",
		Duration:     42,
		Timestamp:    1767160500000,
		Size:         128000,
		Language:     "te",
		Format:       "m4a",
		UploadStatus: UploadPending,
	}
}

func TestAppendAndList(t *testing.T) {
	s, _ := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Append(sampleRecording(id)); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
	}

	got := s.List()
	if len(got) != 3 {
		t.Fatalf("want 3 recordings, got %d", len(got))
	}
	// Append order is preserved.
	for i, id := range []string{"a", "b", "c"} {
		if got[i].ID != id {
			t.Errorf("position %d: want id %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	s, _ := newTestStore(t)
	rec := sampleRecording("r1")
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	backendID := "srv-9"
	backendURL := "https://cdn.example/rec/srv-9"
	status := UploadUploaded
	if err := s.Update("r1", Patch{
		UploadStatus: &status,
		BackendID:    &backendID,
		BackendURL:   &backendURL,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, ok := s.Get("r1")
	if !ok {
		t.Fatal("recording vanished after update")
	}
	if got.UploadStatus != UploadUploaded || got.BackendID != backendID || got.BackendURL != backendURL {
		t.Errorf("patched fields not applied: %+v", got)
	}
	// Untouched fields survive.
	if got.Filename != rec.Filename || got.Duration != rec.Duration || got.Size != rec.Size {
		t.Errorf("untouched fields changed: %+v", got)
	}
}

func TestUpdateUnknownIDIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Append(sampleRecording("r1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before := s.List()

	if err := s.Update("missing", StatusPatch(UploadFailed)); err != nil {
		t.Fatalf("Update with unknown id returned error: %v", err)
	}
	if !reflect.DeepEqual(before, s.List()) {
		t.Fatal("list changed after no-op update")
	}
}

func TestRoundTripThroughStorage(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	s := New(kv, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec := sampleRecording("keep")
	rec.UploadStatus = UploadFailed
	rec.IsSegment = true
	rec.SegmentIndex = 2
	rec.CallID = "call-77"
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate app restart: fresh store over the same directory.
	kv2, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	s2 := New(kv2, nil)
	if err := s2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, ok := s2.Get("keep")
	if !ok {
		t.Fatal("recording lost across restart")
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", rec, got)
	}
}

func TestLoadTolerantOfCorruptData(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "savedRecordings.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	s := New(kv, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load over corrupt data should not fail: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty list after corrupt load")
	}

	// Store remains usable.
	if err := s.Append(sampleRecording("fresh")); err != nil {
		t.Fatalf("Append after corrupt load: %v", err)
	}
}

type brokenKV struct{}

func (brokenKV) Get(string) ([]byte, error) { return nil, ErrNotFound }
func (brokenKV) Set(string, []byte) error   { return errors.New("disk full") }

func TestAppendKeepsRecordingInMemoryOnPersistFailure(t *testing.T) {
	s := New(brokenKV{}, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	err := s.Append(sampleRecording("mem"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
	if _, ok := s.Get("mem"); !ok {
		t.Fatal("recording dropped from memory on persist failure")
	}
}
