package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agrivoice/callsync/internal/diaglog"
)

// recordingsKey is the fixed storage key for the recording index.
const recordingsKey = "savedRecordings"

// ErrStorageUnavailable wraps persistence failures. Callers treat it as
// non-fatal: the in-memory list already reflects the mutation.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Store holds the authoritative in-memory recording list and mirrors every
// mutation to the KV collaborator. All operations are safe for concurrent use;
// each read-modify-persist runs under one lock so interleavings cannot lose
// updates.
type Store struct {
	kv     KV
	logger *diaglog.Logger

	mu         sync.Mutex
	recordings []Recording
}

// New returns a Store over kv. Call Load before first use to hydrate from
// persistent storage.
func New(kv KV, logger *diaglog.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Load hydrates the in-memory list from storage. Missing or corrupt data
// initializes an empty list instead of failing; durability starts from the
// next mutation.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.kv.Get(recordingsKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordings = nil
			return nil
		}
		s.logStorageError("load", err)
		s.recordings = nil
		return nil
	}

	var recs []Recording
	if err := json.Unmarshal(data, &recs); err != nil {
		s.logStorageError("load_corrupt", err)
		s.recordings = nil
		return nil
	}
	s.recordings = recs
	return nil
}

// Append adds rec and persists the full list. A persistence failure keeps the
// recording in memory and returns ErrStorageUnavailable.
func (s *Store) Append(rec Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordings = append(s.recordings, rec)
	return s.persistLocked()
}

// Update merges patch into the recording with the given id. An unknown id is
// a benign no-op: the store's job is durability, not referential integrity.
func (s *Store) Update(id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.recordings {
		if s.recordings[i].ID == id {
			patch.apply(&s.recordings[i])
			return s.persistLocked()
		}
	}
	return nil
}

// List returns a copy of all recordings in append order.
func (s *Store) List() []Recording {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Recording, len(s.recordings))
	copy(out, s.recordings)
	return out
}

// Get returns the recording with the given id, if present.
func (s *Store) Get(id string) (Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recordings {
		if r.ID == id {
			return r, true
		}
	}
	return Recording{}, false
}

// persistLocked writes the full list under the fixed key. Caller holds s.mu.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.recordings)
	if err != nil {
		s.logStorageError("marshal", err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.kv.Set(recordingsKey, data); err != nil {
		s.logStorageError("persist", err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) logStorageError(op string, err error) {
	s.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentStore,
		Event:     diaglog.EventStorageError,
		Reason:    op,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
}
