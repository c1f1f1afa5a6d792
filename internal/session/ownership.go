package session

// Capture owner tokens. The single capture handle is exclusive and
// transient: the current owner must release it (after stopping the capture)
// before another caller may acquire it.
const (
	OwnerSession    = "session"
	OwnerSegments   = "segments"
	OwnerVoiceQuery = "voicequery"
)

// AcquireCapture claims the capture handle for owner. Returns false when a
// different owner currently holds it. Re-acquiring by the same owner
// succeeds.
func (m *Machine) AcquireCapture(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureOwner != "" && m.captureOwner != owner {
		return false
	}
	m.captureOwner = owner
	return true
}

// ReleaseCapture releases the handle if owner holds it.
func (m *Machine) ReleaseCapture(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureOwner == owner {
		m.captureOwner = ""
	}
}

// CaptureOwner reports the current holder, "" when free.
func (m *Machine) CaptureOwner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captureOwner
}
