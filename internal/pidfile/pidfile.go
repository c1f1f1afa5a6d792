// Package pidfile guards against duplicate daemon instances. The file holds
// the owning PID; a stale file left by a dead process is reclaimed silently.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// File is an acquired PID file. Release it with Remove on shutdown.
type File struct {
	path string
	pid  int
}

// Acquire claims the PID file at path for the current process. Fails when a
// live process already holds it; a stale entry is removed and reclaimed.
func Acquire(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			if alive(pid) {
				return nil, fmt.Errorf("another instance is already running (PID %d)", pid)
			}
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("remove stale pid file: %w", err)
			}
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &File{path: path, pid: pid}, nil
}

// Remove deletes the PID file, but only while it still carries our PID.
func (f *File) Remove() error {
	if f == nil {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err != nil || pid != f.pid {
		return nil
	}
	return os.Remove(f.path)
}

// alive reports whether pid names a running process we could signal.
func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}

// Path returns the conventional PID file location for app.
func Path(app string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "callsync", app+".pid")
}
