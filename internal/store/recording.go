// Package store persists recording metadata to durable key-value storage.
// The in-memory list is authoritative; every mutation rewrites the full list
// under a fixed key so a restart reproduces the exact state.
package store

// UploadStatus tracks a recording's progress against the backend.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// Recording is one persisted audio artifact, whole-call or segment.
// JSON tags match the payloads the backend already understands.
type Recording struct {
	ID           string       `json:"id"`
	Filename     string       `json:"filename"`
	LocalPath    string       `json:"localPath"`
	Duration     int          `json:"duration"`  // wall-clock call seconds at save time
	Timestamp    int64        `json:"timestamp"` // epoch millis
	Size         int64        `json:"size"`
	Language     string       `json:"language"`
	Format       string       `json:"format"`
	UploadStatus UploadStatus `json:"uploadStatus"`
	BackendID    string       `json:"backendId,omitempty"`
	BackendURL   string       `json:"backendUrl,omitempty"`
	CallID       string       `json:"callId,omitempty"`
	IsSegment    bool         `json:"isSegment,omitempty"`
	SegmentIndex int          `json:"segmentIndex,omitempty"`
}

// Patch carries the fields the uploader is allowed to change after the fact.
// Nil fields are left untouched.
type Patch struct {
	UploadStatus *UploadStatus
	BackendID    *string
	BackendURL   *string
}

func (p Patch) apply(r *Recording) {
	if p.UploadStatus != nil {
		r.UploadStatus = *p.UploadStatus
	}
	if p.BackendID != nil {
		r.BackendID = *p.BackendID
	}
	if p.BackendURL != nil {
		r.BackendURL = *p.BackendURL
	}
}

// StatusPatch is a convenience constructor for the common status-only update.
func StatusPatch(s UploadStatus) Patch {
	return Patch{UploadStatus: &s}
}
