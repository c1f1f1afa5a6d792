package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agrivoice/callsync/internal/capture"
)

// FakeDevice is a capture.Device that writes small real files so finalize
// paths exercise actual file copies.
type FakeDevice struct {
	mu sync.Mutex

	PermissionGranted bool
	PermissionErr     error
	StartErr          error

	dir       string
	capturing bool
	clips     int

	Starts   int
	Stops    int
	LastMode capture.Mode
}

// NewFakeDevice returns a device with permission granted, writing clips
// under a test temp directory.
func NewFakeDevice(t *testing.T) *FakeDevice {
	t.Helper()
	return &FakeDevice{PermissionGranted: true, dir: t.TempDir()}
}

func (d *FakeDevice) RequestPermission(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PermissionErr != nil {
		return false, d.PermissionErr
	}
	return d.PermissionGranted, nil
}

func (d *FakeDevice) Start(ctx context.Context, mode capture.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return d.StartErr
	}
	d.capturing = true
	d.Starts++
	d.LastMode = mode
	return nil
}

func (d *FakeDevice) Stop(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.capturing {
		return "", nil
	}
	d.capturing = false
	d.Stops++
	d.clips++
	path := filepath.Join(d.dir, fmt.Sprintf("clip-%d.tmp", d.clips))
	if err := os.WriteFile(path, []byte(fmt.Sprintf("audio-%d", d.clips)), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Capturing reports whether the device currently has an open capture.
func (d *FakeDevice) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capturing
}
