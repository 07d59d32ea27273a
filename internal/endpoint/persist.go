package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type fileFormat struct {
	SavedAt   time.Time  `json:"saved_at"`
	Endpoints []Endpoint `json:"endpoints"`
}

// SaveFile writes every endpoint to path as JSON. The file is replaced
// atomically.
func (m *Manager) SaveFile(path string) error {
	data, err := json.MarshalIndent(fileFormat{SavedAt: m.now().UTC(), Endpoints: m.Snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal endpoints: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create endpoints dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write endpoints: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename endpoints: %w", err)
	}
	return nil
}

// LoadFile reads a persisted endpoint list. A missing file yields an empty
// list and no error.
func LoadFile(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read endpoints: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse endpoints: %w", err)
	}
	return f.Endpoints, nil
}

// Merge registers persisted endpoints that are not already present and
// restores status and latency for ones that are.
func (m *Manager) Merge(persisted []Endpoint) (added int, err error) {
	for _, p := range persisted {
		m.mu.Lock()
		existing, ok := m.byURL[p.URL]
		if ok {
			existing.LastLatency = p.LastLatency
			existing.TotalFailures = p.TotalFailures
			existing.TotalSuccesses = p.TotalSuccesses
			if p.Status == StatusDown && m.now().Before(p.DownUntil) {
				existing.Status = StatusDown
				existing.DownUntil = p.DownUntil
			}
			rotated := m.updatePrimaryLocked(existing.ChainID)
			m.mu.Unlock()
			m.fireRotation(rotated)
			continue
		}
		m.mu.Unlock()

		p.ConsecutiveFailures = 0
		p.ConsecutiveSuccesses = 0
		if err := m.Add(p); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
