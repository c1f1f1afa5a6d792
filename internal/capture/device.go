// Package capture abstracts platform audio capture behind a Device capability
// and layers the call-recording Recorder on top: permission gating, a single
// active capture, and finalization into the recording store.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means microphone access was refused. The caller
	// surfaces its own explanation and may re-request later.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrCaptureActive means Start was called while a capture is running.
	// Session and segment layers guard against this; seeing it is a misuse.
	ErrCaptureActive = errors.New("capture already active")
)

// Mode spells the audio routing applied before capture starts. The defaults
// in CallMode suit simultaneous record/playback during a call.
type Mode struct {
	AllowsRecording     bool
	PlaysInSilentMode   bool
	DuckOthers          bool
	PlayThroughEarpiece bool
}

// CallMode returns the routing used for in-call recording.
func CallMode() Mode {
	return Mode{
		AllowsRecording:     true,
		PlaysInSilentMode:   true,
		DuckOthers:          true,
		PlayThroughEarpiece: false,
	}
}

// Device is the platform audio-capture capability. Implementations sit on the
// OS (or a capture daemon, see the bridge subpackage); this package never
// touches audio hardware itself.
type Device interface {
	// RequestPermission asks for microphone access. Idempotent.
	RequestPermission(ctx context.Context) (bool, error)
	// Start configures mode and begins capturing.
	Start(ctx context.Context, mode Mode) error
	// Stop finalizes the capture and returns the temporary file URI of the
	// captured audio, or "" when nothing was recording. Never an error for
	// the nothing-active case.
	Stop(ctx context.Context) (string, error)
}
