// Package connectivity tracks backend reachability with a fixed-interval
// health probe. Only the latest boolean is kept: no history, no backoff, no
// flap suppression. Callers read Reachable at the moment they are about to
// act and never cache the value across a blocking operation.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/agrivoice/callsync/internal/diaglog"
	"github.com/agrivoice/callsync/internal/sched"
)

// Prober is the health-check capability, satisfied by api.Client.
type Prober interface {
	CheckConnection(ctx context.Context) bool
}

// Monitor polls the backend health endpoint.
type Monitor struct {
	prober   Prober
	interval time.Duration
	sch      sched.Scheduler
	logger   *diaglog.Logger

	mu          sync.Mutex
	reachable   bool
	lastChecked time.Time
	handle      sched.Handle
	onChange    func(bool)
}

// New returns a Monitor probing via prober every interval once started.
func New(prober Prober, interval time.Duration, sch sched.Scheduler, logger *diaglog.Logger) *Monitor {
	return &Monitor{prober: prober, interval: interval, sch: sch, logger: logger}
}

// OnChange registers a callback fired whenever reachability flips. Must be
// set before Start.
func (m *Monitor) OnChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start probes immediately, then on every interval tick. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.handle != nil {
		m.mu.Unlock()
		return
	}
	m.handle = m.sch.Every(m.interval, func() { m.probe(ctx) })
	m.mu.Unlock()

	m.probe(ctx)
}

// Stop cancels the poll timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		m.handle.Stop()
		m.handle = nil
	}
}

// Reachable returns the latest probe result.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// LastChecked returns when the latest probe completed; zero before the
// first probe.
func (m *Monitor) LastChecked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChecked
}

func (m *Monitor) probe(ctx context.Context) {
	ok := m.prober.CheckConnection(ctx)

	m.mu.Lock()
	changed := ok != m.reachable
	m.reachable = ok
	m.lastChecked = time.Now()
	fn := m.onChange
	m.mu.Unlock()

	if changed {
		m.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentConnectivity,
			Event:     diaglog.EventHealthCheck,
			Payload:   map[string]interface{}{"reachable": ok},
		})
		if fn != nil {
			fn(ok)
		}
	}
}
