// Package profile keeps the farmer's profile in the same durable key-value
// storage as the recording index. Profile fields feed voice-query context
// and the call-end metadata bag.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agrivoice/callsync/internal/store"
)

// profileKey is the fixed storage key for the serialized profile.
const profileKey = "userProfile"

// Profile is the persisted user identity and farming context.
type Profile struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Location    string `json:"location"` // "<district>, <state>"
	FarmSize    string `json:"farmSize"`
	District    string `json:"district"`
	State       string `json:"state"`
	CurrentCrop string `json:"currentCrop"`
	IsLoggedIn  bool   `json:"isLoggedIn"`
}

// Default returns the profile used before any login.
func Default() Profile {
	return Profile{
		Name:        "Ravi Kumar",
		Location:    "Guntur, Andhra Pradesh",
		FarmSize:    "5 acres",
		District:    "Guntur",
		State:       "Andhra Pradesh",
		CurrentCrop: "rice",
	}
}

// Manager loads, mutates and persists the profile.
type Manager struct {
	kv store.KV

	mu      sync.Mutex
	profile Profile
}

// NewManager returns a Manager seeded with the stored profile, or the
// default when nothing was stored. A corrupt stored profile falls back to
// the default rather than failing.
func NewManager(kv store.KV) *Manager {
	m := &Manager{kv: kv, profile: Default()}
	if data, err := kv.Get(profileKey); err == nil {
		var p Profile
		if json.Unmarshal(data, &p) == nil && p.Name != "" {
			m.profile = p
		}
	}
	return m
}

// Get returns a copy of the current profile.
func (m *Manager) Get() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Save replaces the profile and persists it. District and state are
// re-derived from Location when set there but absent in the fields.
func (m *Manager) Save(p Profile) error {
	if p.District == "" && p.Location != "" {
		p.District, p.State = splitLocation(p.Location)
	}
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
	return m.persist(p)
}

// Login marks the profile logged in under phone.
func (m *Manager) Login(phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return errors.New("phone required")
	}
	m.mu.Lock()
	m.profile.Phone = phone
	m.profile.IsLoggedIn = true
	if m.profile.District == "" && m.profile.Location != "" {
		m.profile.District, m.profile.State = splitLocation(m.profile.Location)
	}
	p := m.profile
	m.mu.Unlock()
	return m.persist(p)
}

// Logout clears the login flag, keeping the rest of the profile.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.profile.IsLoggedIn = false
	p := m.profile
	m.mu.Unlock()
	return m.persist(p)
}

// MetadataExtras returns the profile fields attached to call-end events.
func (m *Manager) MetadataExtras() map[string]interface{} {
	p := m.Get()
	return map[string]interface{}{
		"district":    p.District,
		"state":       p.State,
		"currentCrop": p.CurrentCrop,
	}
}

// QueryDefaults fills voice-query context from the profile. The preferred
// language is the caller's concern; everything else comes from here.
func (m *Manager) QueryDefaults() (district, state, crop string) {
	p := m.Get()
	district, state, crop = p.District, p.State, p.CurrentCrop
	if crop == "" {
		crop = "rice"
	}
	return district, state, crop
}

func (m *Manager) persist(p Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := m.kv.Set(profileKey, data); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

// splitLocation parses "<district>, <state>"; a single token becomes the
// district with the state left empty.
func splitLocation(loc string) (district, state string) {
	parts := strings.SplitN(loc, ",", 2)
	district = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		state = strings.TrimSpace(parts[1])
	}
	return district, state
}
