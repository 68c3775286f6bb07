package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// History carries the smoothed CPU trend between cycles, keyed by node name.
// It is the only state that outlives a cycle; the caller owns it and threads
// it through Compute. Nodes absent from a snapshot fall out of the history.
type History struct {
	Trend     map[string]float64 `json:"trend"` // percent
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewHistory returns an empty history.
func NewHistory() History {
	return History{
		Trend:     make(map[string]float64),
		UpdatedAt: time.Now(),
	}
}

const historyFile = "cpu_trend.json"

// HistoryStore persists trend history in a directory so the daemon resumes
// with warm smoothing after a restart.
type HistoryStore struct {
	dir string
}

// NewHistoryStore creates a store rooted at the given directory.
func NewHistoryStore(dir string) *HistoryStore {
	return &HistoryStore{dir: dir}
}

// Load retrieves the persisted history if it exists and is younger than ttl.
// A missing, stale, or unreadable file yields a fresh history.
func (hs *HistoryStore) Load(ttl time.Duration) History {
	path := filepath.Join(hs.dir, historyFile)
	info, err := os.Stat(path)
	if err != nil {
		return NewHistory()
	}
	if ttl > 0 && time.Since(info.ModTime()) > ttl {
		return NewHistory()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return NewHistory()
	}

	var h History
	if err := json.Unmarshal(data, &h); err != nil || h.Trend == nil {
		return NewHistory()
	}
	return h
}

// Save stores the history atomically.
func (hs *HistoryStore) Save(h History) error {
	if err := os.MkdirAll(hs.dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	h.UpdatedAt = time.Now()
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling trend history: %w", err)
	}

	tmp := filepath.Join(hs.dir, historyFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing trend history: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(hs.dir, historyFile)); err != nil {
		return fmt.Errorf("replacing trend history: %w", err)
	}
	return nil
}
