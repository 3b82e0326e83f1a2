package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// WorkerRecord is one row in the shared worker metadata file: a process
// the lifecycle manager currently supervises. The file is read by CLI
// status commands while the daemon owns all writes.
type WorkerRecord struct {
	Name          string    `json:"name"`
	PID           int       `json:"pid"`
	CLI           string    `json:"cli"`
	Team          string    `json:"team,omitempty"`
	Cwd           string    `json:"cwd,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	ShadowOf      string    `json:"shadowOf,omitempty"`
	ShadowSpeakOn []string  `json:"shadowSpeakOn,omitempty"`
}

// WorkerStore persists WorkerRecords to workers.json with atomic writes.
type WorkerStore struct {
	mu      sync.Mutex
	path    string
	records map[string]WorkerRecord
}

func NewWorkerStore(baseDir string) (*WorkerStore, error) {
	s := &WorkerStore{
		path:    filepath.Join(baseDir, "workers.json"),
		records: make(map[string]WorkerRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WorkerStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worker metadata: %w", err)
	}
	var records []WorkerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse worker metadata: %w", err)
	}
	for _, rec := range records {
		s.records[rec.Name] = rec
	}
	return nil
}

func (s *WorkerStore) Put(rec WorkerRecord) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.Name] = rec
	s.mu.Unlock()
	return s.flush()
}

// Remove deletes a record, reporting whether it existed.
func (s *WorkerStore) Remove(name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.records[name]
	if ok {
		delete(s.records, name)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.flush()
}

func (s *WorkerStore) Get(name string) (WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return rec, ok
}

func (s *WorkerStore) List() []WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *WorkerStore) flush() error {
	s.mu.Lock()
	records := make([]WorkerRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.Before(records[j].StartedAt) })
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worker metadata: %w", err)
	}
	return WriteFileAtomic(s.path, data)
}
