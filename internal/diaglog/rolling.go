package diaglog

import (
	"io"
	"os"
	"sync"
)

// capWriter appends NDJSON lines to a single debug file and wraps to the
// start once the size limit would be exceeded. Call traces are bursty (a segment
// cycle logs several entries per cut), so wrapping keeps the newest call's
// trail intact instead of dropping it.
type capWriter struct {
	mu    sync.Mutex
	file  *os.File
	used  int64
	limit int64
	path  string
}

func newCapWriter(path string, limit int64) (*capWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &capWriter{file: file, used: st.Size(), limit: limit, path: path}, nil
}

// Write appends one line, wrapping the file to empty first when the line
// would push it past the limit. Each write is synced so a crashed daemon
// leaves a readable trail.
func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.used+int64(len(p)) > w.limit {
		if err := w.file.Truncate(0); err != nil {
			return 0, err
		}
		if _, err := w.file.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		w.used = 0
	}

	n, err := w.file.Write(p)
	w.used += int64(n)
	if err != nil {
		return n, err
	}
	_ = w.file.Sync()
	return n, nil
}

func (w *capWriter) close() error {
	_ = w.file.Sync()
	return w.file.Close()
}
