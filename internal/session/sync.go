package session

import (
	"context"
	"fmt"

	"github.com/agrivoice/callsync/internal/api"
	"github.com/agrivoice/callsync/internal/store"
)

// SyncRecording uploads one recording and tracks its status through
// pending → uploading → uploaded|failed in the store. One attempt; the
// caller decides about re-submission.
func (m *Machine) SyncRecording(ctx context.Context, rec store.Recording) api.Result {
	_ = m.store.Update(rec.ID, store.StatusPatch(store.UploadUploading))

	meta := api.UploadMetadata{
		UserID:    m.userID,
		CallID:    rec.CallID,
		Duration:  rec.Duration,
		Language:  rec.Language,
		Timestamp: rec.Timestamp,
		IsSegment: rec.IsSegment,
	}
	if rec.IsSegment {
		idx := rec.SegmentIndex
		meta.SegmentIndex = &idx
	}

	res := m.uploader.UploadRecording(ctx, rec.LocalPath, meta)
	if !res.Success {
		_ = m.store.Update(rec.ID, store.StatusPatch(store.UploadFailed))
		return res
	}

	patch := store.StatusPatch(store.UploadUploaded)
	if id, ok := res.Data["id"].(string); ok {
		patch.BackendID = &id
	}
	if url, ok := res.Data["url"].(string); ok {
		patch.BackendURL = &url
	}
	_ = m.store.Update(rec.ID, patch)
	return res
}

// RetryUpload re-submits a recording whose upload is failed or pending.
// This is the only re-submission path: nothing retries in the background.
func (m *Machine) RetryUpload(ctx context.Context, id string) api.Result {
	rec, ok := m.store.Get(id)
	if !ok {
		return api.Result{Success: false, Error: fmt.Sprintf("recording %s not found", id)}
	}
	if rec.UploadStatus != store.UploadFailed && rec.UploadStatus != store.UploadPending {
		return api.Result{Success: false, Error: fmt.Sprintf("recording %s is %s, nothing to retry", id, rec.UploadStatus)}
	}
	return m.SyncRecording(ctx, rec)
}
