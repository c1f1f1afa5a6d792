// Package config loads and saves the callsync client configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ClientConfig holds everything the sync client needs to talk to one backend
// environment and shape local recording behavior.
type ClientConfig struct {
	BaseURL       string `json:"base_url"`
	UserID        string `json:"user_id"`
	Language      string `json:"language"`
	RecordingsDir string `json:"recordings_dir"`
	AutoRecord    bool   `json:"auto_record"`

	PollIntervalSeconds    int `json:"poll_interval_seconds"`
	SegmentIntervalSeconds int `json:"segment_interval_seconds"`
	VoiceClipSeconds       int `json:"voice_clip_seconds"`

	HealthTimeoutSeconds  int `json:"health_timeout_seconds"`
	CallEndTimeoutSeconds int `json:"call_end_timeout_seconds"`
	QueryTimeoutSeconds   int `json:"query_timeout_seconds"`
	UploadTimeoutSeconds  int `json:"upload_timeout_seconds"`
}

// Default returns the configuration used when no file exists yet.
func Default() *ClientConfig {
	return &ClientConfig{
		BaseURL:                "http://localhost:8000",
		UserID:                 "user_123",
		Language:               "en",
		RecordingsDir:          filepath.Join(os.Getenv("HOME"), ".local", "share", "callsync", "call_recordings"),
		AutoRecord:             true,
		PollIntervalSeconds:    15,
		SegmentIntervalSeconds: 30,
		VoiceClipSeconds:       8,
		HealthTimeoutSeconds:   5,
		CallEndTimeoutSeconds:  10,
		QueryTimeoutSeconds:    30,
		UploadTimeoutSeconds:   60,
	}
}

// DefaultPath returns ~/.config/callsync/client.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "callsync", "client.json")
}

// Load reads the config at path. A missing file yields Default() and creates
// the directory for future saves; a present but invalid file is an error.
func Load(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("create config directory: %w", err)
			}
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path with indentation for hand editing.
func Save(path string, cfg *ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks ClientConfig for values the client cannot operate with.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must be set")
	}
	if c.RecordingsDir == "" {
		return fmt.Errorf("recordings_dir must be set")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.SegmentIntervalSeconds <= 0 {
		return fmt.Errorf("segment_interval_seconds must be positive, got %d", c.SegmentIntervalSeconds)
	}
	if c.VoiceClipSeconds <= 0 {
		return fmt.Errorf("voice_clip_seconds must be positive, got %d", c.VoiceClipSeconds)
	}
	for name, v := range map[string]int{
		"health_timeout_seconds":   c.HealthTimeoutSeconds,
		"call_end_timeout_seconds": c.CallEndTimeoutSeconds,
		"query_timeout_seconds":    c.QueryTimeoutSeconds,
		"upload_timeout_seconds":   c.UploadTimeoutSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// PollInterval returns the connectivity probe period.
func (c *ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SegmentInterval returns the segment cycle period.
func (c *ClientConfig) SegmentInterval() time.Duration {
	return time.Duration(c.SegmentIntervalSeconds) * time.Second
}

// VoiceClipDuration returns the bounded voice-query capture length.
func (c *ClientConfig) VoiceClipDuration() time.Duration {
	return time.Duration(c.VoiceClipSeconds) * time.Second
}

// HealthTimeout returns the connectivity probe bound.
func (c *ClientConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSeconds) * time.Second
}

// CallEndTimeout returns the call-end event bound.
func (c *ClientConfig) CallEndTimeout() time.Duration {
	return time.Duration(c.CallEndTimeoutSeconds) * time.Second
}

// QueryTimeout returns the query bound, covering remote transcription.
func (c *ClientConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// UploadTimeout returns the recording upload bound.
func (c *ClientConfig) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}
