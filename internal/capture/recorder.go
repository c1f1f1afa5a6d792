package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/store"
)

// Recorder drives one Device and persists finished captures into the store.
// Callers (session, segment coordinator, voice query) serialize ownership of
// the single capture handle; Recorder only enforces the invariant.
type Recorder struct {
	device Device
	store  *store.Store
	dir    string
	logger *diaglog.Logger

	mu      sync.Mutex
	active  bool
	granted bool
}

// NewRecorder returns a Recorder persisting into dir.
func NewRecorder(device Device, s *store.Store, dir string, logger *diaglog.Logger) *Recorder {
	return &Recorder{device: device, store: s, dir: dir, logger: logger}
}

// RequestPermission asks the device for microphone access. A prior grant is
// cached, so repeated calls do not re-prompt.
func (r *Recorder) RequestPermission(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requestPermissionLocked(ctx)
}

func (r *Recorder) requestPermissionLocked(ctx context.Context) (bool, error) {
	if r.granted {
		return true, nil
	}
	granted, err := r.device.RequestPermission(ctx)
	if err != nil {
		return false, fmt.Errorf("request permission: %w", err)
	}
	r.granted = granted
	return granted, nil
}

// Start acquires permission if needed, applies the call routing mode, and
// begins capture. Fails with ErrPermissionDenied when access is refused and
// ErrCaptureActive when a capture is already running.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return ErrCaptureActive
	}
	granted, err := r.requestPermissionLocked(ctx)
	if err != nil {
		return err
	}
	if !granted {
		return ErrPermissionDenied
	}
	if err := r.device.Start(ctx, CallMode()); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	r.active = true
	r.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRecorder,
		Event:     diaglog.EventRecordingStart,
	})
	return nil
}

// Active reports whether a capture is currently running.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Stop finalizes the active capture and returns the temporary URI, or ""
// when nothing was recording. Calling Stop with nothing active is a no-op.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return "", nil
	}
	r.active = false
	uri, err := r.device.Stop(ctx)
	if err != nil {
		return "", fmt.Errorf("stop capture: %w", err)
	}
	r.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRecorder,
		Event:     diaglog.EventRecordingStop,
	})
	return uri, nil
}

// FinalizeInfo describes the capture being persisted.
type FinalizeInfo struct {
	TempURI      string
	Duration     int // wall-clock call seconds at save time
	Language     string
	CallID       string
	IsSegment    bool
	SegmentIndex int
}

// Finalize copies the captured temp file into the recordings directory under
// the deterministic name, writes the metadata sidecar, appends a Recording to
// the store, and returns it. A store persistence failure is logged and the
// Recording is still returned (memory-only mode); a file copy failure is
// fatal to this finalize.
func (r *Recorder) Finalize(ctx context.Context, info FinalizeInfo) (*store.Recording, error) {
	now := time.Now()
	filename := BuildFilename(now, info.Language, info.IsSegment, info.SegmentIndex)

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	localPath := filepath.Join(r.dir, filename)
	size, err := copyFile(info.TempURI, localPath)
	if err != nil {
		return nil, fmt.Errorf("persist recording: %w", err)
	}

	rec := &store.Recording{
		ID:           RecordingID(now, info.IsSegment, info.SegmentIndex),
		Filename:     filename,
		LocalPath:    localPath,
		Duration:     info.Duration,
		Timestamp:    now.UnixMilli(),
		Size:         size,
		Language:     info.Language,
		Format:       AudioFormat,
		UploadStatus: store.UploadPending,
		CallID:       info.CallID,
		IsSegment:    info.IsSegment,
		SegmentIndex: info.SegmentIndex,
	}

	if err := WriteSidecar(localPath, &Sidecar{
		Version:      "1",
		CallID:       info.CallID,
		SavedAt:      now,
		Duration:     info.Duration,
		Language:     info.Language,
		Format:       AudioFormat,
		IsSegment:    info.IsSegment,
		SegmentIndex: info.SegmentIndex,
		OutputFile:   localPath,
	}); err != nil {
		// Sidecar is best-effort; the store carries the same metadata.
		r.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentRecorder,
			Event:     diaglog.EventStorageError,
			Reason:    "sidecar_write",
			Payload:   map[string]interface{}{"error": err.Error()},
		})
	}

	if err := r.store.Append(*rec); err != nil {
		r.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentRecorder,
			Event:     diaglog.EventStorageError,
			Reason:    "append",
			Payload:   map[string]interface{}{"error": err.Error()},
		})
	}

	r.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRecorder,
		Event:     diaglog.EventRecordingSaved,
		CallID:    info.CallID,
		Payload: map[string]interface{}{
			"filename": filename,
			"size":     size,
			"segment":  info.IsSegment,
		},
	})
	return rec, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	if err := out.Sync(); err != nil {
		return 0, err
	}
	return n, nil
}
