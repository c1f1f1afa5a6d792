package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/agrivoice/callsync/internal/diaglog"
)

// Watcher follows edits to the config file and delivers reloaded configs.
type Watcher struct {
	fw     *fsnotify.Watcher
	logger *diaglog.Logger
	done   chan struct{}
}

// Watch begins watching path and calls onChange with each successfully
// reloaded config. Invalid intermediate states (partial writes, parse errors)
// are logged and skipped; the previous config stays in effect. The directory
// is watched, not the file, so editor rename-and-replace saves are seen.
func Watch(path string, logger *diaglog.Logger, onChange func(*ClientConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{fw: fw, logger: logger, done: make(chan struct{})}
	go w.loop(path, onChange)
	return w, nil
}

func (w *Watcher) loop(path string, onChange func(*ClientConfig)) {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				w.logger.Log(diaglog.LogEntry{
					Component: diaglog.ComponentConfig,
					Event:     diaglog.EventConfigReload,
					Reason:    "reload_failed",
					Payload:   map[string]interface{}{"error": err.Error()},
				})
				continue
			}
			w.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentConfig,
				Event:     diaglog.EventConfigReload,
			})
			onChange(cfg)
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
