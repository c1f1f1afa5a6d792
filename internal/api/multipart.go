package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agrivoice/callsync/internal/diaglog"
)

// UploadMetadata is the JSON sidecar sent with every recording upload.
type UploadMetadata struct {
	UserID       string     `json:"userId"`
	CallID       string     `json:"callId,omitempty"`
	Duration     int        `json:"duration"`
	Language     string     `json:"language"`
	Timestamp    int64      `json:"timestamp"`
	IsSegment    bool       `json:"isSegment"`
	SegmentIndex *int       `json:"segmentIndex,omitempty"`
	DeviceInfo   DeviceInfo `json:"deviceInfo"`
}

// UploadRecording streams the recording file plus its metadata sidecar as
// multipart/form-data to the upload endpoint. The backend-assigned id and
// url come back in Data on success. One attempt, no retries: re-submission
// of a failed upload is an explicit caller decision.
func (c *Client) UploadRecording(ctx context.Context, filePath string, meta UploadMetadata) Result {
	if meta.DeviceInfo == (DeviceInfo{}) {
		meta.DeviceInfo = c.device
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return failure("metadata encoding failed", err)
	}

	c.log(diaglog.EventUploadStart, meta.CallID, map[string]interface{}{
		"file":    filepath.Base(filePath),
		"segment": meta.IsSegment,
	})

	parts := []multipartField{{name: "metadata", value: string(metaJSON)}}
	res := c.postMultipart(ctx, "/api/recordings/upload", "recording", filePath, parts, c.timeouts.Upload)

	event := diaglog.EventUploadSuccess
	if !res.Success {
		event = diaglog.EventUploadFailed
	}
	c.log(event, meta.CallID, map[string]interface{}{"error": res.Error})
	return res
}

// VoiceQuery is a captured voice clip plus the contextual fields the speech
// endpoint expects.
type VoiceQuery struct {
	AudioPath         string
	District          string
	State             string
	Choice            int
	CurrentCrop       string
	PreferredLanguage string
}

// VoiceAnswer is the parsed voice-query response.
type VoiceAnswer struct {
	TranscribedText  string `json:"transcribed_text"`
	NativeAnswer     string `json:"native_answer"`
	DetectedLanguage string `json:"detected_language"`
}

// SendVoiceQuery submits the clip and context for transcription and
// answering. Use DecodeVoiceAnswer on a successful Result.
func (c *Client) SendVoiceQuery(ctx context.Context, q VoiceQuery) Result {
	crop := q.CurrentCrop
	if crop == "" {
		crop = "rice"
	}
	parts := []multipartField{
		{name: "district", value: q.District},
		{name: "state", value: q.State},
		{name: "choice", value: strconv.Itoa(q.Choice)},
		{name: "current_crop", value: crop},
		{name: "preferred_language", value: q.PreferredLanguage},
	}
	return c.postMultipart(ctx, "/speech/voice-query-json", "audio", q.AudioPath, parts, c.timeouts.Query)
}

// DecodeVoiceAnswer extracts the VoiceAnswer fields from a successful
// SendVoiceQuery result.
func DecodeVoiceAnswer(res Result) (VoiceAnswer, bool) {
	if !res.Success || res.Data == nil {
		return VoiceAnswer{}, false
	}
	var out VoiceAnswer
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return VoiceAnswer{}, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return VoiceAnswer{}, false
	}
	return out, out.TranscribedText != "" || out.NativeAnswer != ""
}

type multipartField struct {
	name  string
	value string
}

// postMultipart streams fileField from filePath plus the extra fields. The
// body is fed through a pipe so large recordings never buffer in memory.
func (c *Client) postMultipart(ctx context.Context, path, fileField, filePath string, fields []multipartField, timeout time.Duration) Result {
	f, err := os.Open(filePath)
	if err != nil {
		return failure("open upload file failed", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()

		part, err := writer.CreateFormFile(fileField, filepath.Base(filePath))
		if err != nil {
			errCh <- fmt.Errorf("create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			errCh <- fmt.Errorf("copy file data: %w", err)
			return
		}
		for _, field := range fields {
			if err := writer.WriteField(field.name, field.value); err != nil {
				errCh <- fmt.Errorf("write field %s: %w", field.name, err)
				return
			}
		}
		errCh <- writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return failure("request build failed", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res := c.do(req)

	// Drain the writer goroutine; a body write error explains a failed send.
	if writeErr := <-errCh; writeErr != nil && res.Success {
		return failure("multipart write failed", writeErr)
	}
	return res
}
