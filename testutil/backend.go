package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// UploadRecord captures one multipart recording upload received by Backend.
type UploadRecord struct {
	Filename string
	Size     int
	Metadata map[string]interface{}
}

// VoiceRecord captures one voice-query submission received by Backend.
type VoiceRecord struct {
	AudioName string
	Fields    map[string]string
}

// Backend is a scripted farming-assistant backend for tests. Toggle HealthOK
// and FailUploads between requests to simulate flaky connectivity.
type Backend struct {
	Server *httptest.Server

	mu           sync.Mutex
	healthOK     bool
	failUploads  bool
	uploads      []UploadRecord
	callEnds     []map[string]interface{}
	voiceQueries []VoiceRecord
	nextID       int

	VoiceAnswer map[string]interface{}
}

// NewBackend starts a Backend that reports healthy and accepts uploads.
// It is closed automatically when the test ends.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		healthOK: true,
		VoiceAnswer: map[string]interface{}{
			"transcribed_text":  "my paddy leaves are turning yellow",
			"native_answer":     "apply nitrogen in split doses",
			"detected_language": "te",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/api/calls/end", b.handleCallEnd)
	mux.HandleFunc("/api/recordings/upload", b.handleUpload)
	mux.HandleFunc("/speech/voice-query-json", b.handleVoiceQuery)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the backend base URL.
func (b *Backend) URL() string { return b.Server.URL }

// SetHealthy controls the /health response.
func (b *Backend) SetHealthy(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthOK = ok
}

// SetFailUploads makes /api/recordings/upload return 500.
func (b *Backend) SetFailUploads(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failUploads = fail
}

// Uploads returns a copy of the received uploads.
func (b *Backend) Uploads() []UploadRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]UploadRecord, len(b.uploads))
	copy(out, b.uploads)
	return out
}

// CallEnds returns a copy of the received call-end events.
func (b *Backend) CallEnds() []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]interface{}, len(b.callEnds))
	copy(out, b.callEnds)
	return out
}

// VoiceQueries returns a copy of the received voice queries.
func (b *Backend) VoiceQueries() []VoiceRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]VoiceRecord, len(b.voiceQueries))
	copy(out, b.voiceQueries)
	return out
}

func (b *Backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	ok := b.healthOK
	b.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) handleCallEnd(w http.ResponseWriter, r *http.Request) {
	var ev map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.callEnds = append(b.callEnds, ev)
	b.mu.Unlock()
	writeJSON(w, map[string]interface{}{"status": "recorded"})
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fail := b.failUploads
	b.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]interface{}{"message": "storage backend offline"})
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("recording")
	if err != nil {
		http.Error(w, "missing recording part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	var meta map[string]interface{}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			http.Error(w, "bad metadata json", http.StatusBadRequest)
			return
		}
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("srv-%d", b.nextID)
	b.uploads = append(b.uploads, UploadRecord{
		Filename: header.Filename,
		Size:     len(data),
		Metadata: meta,
	})
	b.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		"id":  id,
		"url": "https://cdn.example/recordings/" + id,
	})
}

func (b *Backend) handleVoiceQuery(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "missing audio part", http.StatusBadRequest)
		return
	}
	file.Close()

	fields := map[string]string{}
	for _, k := range []string{"district", "state", "choice", "current_crop", "preferred_language"} {
		fields[k] = r.FormValue(k)
	}

	b.mu.Lock()
	b.voiceQueries = append(b.voiceQueries, VoiceRecord{AudioName: header.Filename, Fields: fields})
	answer := b.VoiceAnswer
	b.mu.Unlock()

	writeJSON(w, answer)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
