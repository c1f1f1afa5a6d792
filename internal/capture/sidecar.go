package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sidecar is the metadata JSON written next to each persisted recording.
type Sidecar struct {
	Version      string    `json:"version"`
	CallID       string    `json:"call_id,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
	Duration     int       `json:"duration_seconds"`
	Language     string    `json:"language"`
	Format       string    `json:"format"`
	IsSegment    bool      `json:"is_segment,omitempty"`
	SegmentIndex int       `json:"segment_index,omitempty"`
	OutputFile   string    `json:"output_file"`
}

// WriteSidecar writes a <basepath>.meta.json sidecar alongside the recording
// using an atomic temp-file-and-rename write.
func WriteSidecar(recordingPath string, meta *Sidecar) error {
	metaPath := sidecarPath(recordingPath)
	dir := filepath.Dir(metaPath)

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create sidecar temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync sidecar: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close sidecar temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename sidecar: %w", err)
	}
	return nil
}

func sidecarPath(recordingPath string) string {
	ext := filepath.Ext(recordingPath)
	return recordingPath[:len(recordingPath)-len(ext)] + ".meta.json"
}
