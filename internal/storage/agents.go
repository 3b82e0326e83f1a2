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

// AgentRecord is a durable directory entry for an agent that has ever
// connected. It exists for status commands and the dashboard; routing
// decisions never consult it.
type AgentRecord struct {
	Name             string    `json:"name"`
	CLI              string    `json:"cli,omitempty"`
	FirstSeen        time.Time `json:"firstSeen"`
	LastSeen         time.Time `json:"lastSeen"`
	MessagesSent     int64     `json:"messagesSent"`
	MessagesReceived int64     `json:"messagesReceived"`
}

type agentsFile struct {
	Agents []AgentRecord `json:"agents"`
}

// AgentDirectory persists AgentRecords to agents.json. CLI introspection
// commands read the file concurrently without locking, so every write
// goes through WriteFileAtomic.
type AgentDirectory struct {
	mu      sync.Mutex
	path    string
	records map[string]*AgentRecord
	dirty   bool
}

func NewAgentDirectory(baseDir string) (*AgentDirectory, error) {
	d := &AgentDirectory{
		path:    filepath.Join(baseDir, "agents.json"),
		records: make(map[string]*AgentRecord),
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *AgentDirectory) load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read agent directory: %w", err)
	}
	var file agentsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent directory: %w", err)
	}
	for i := range file.Agents {
		rec := file.Agents[i]
		d.records[rec.Name] = &rec
	}
	return nil
}

// Touch refreshes the record for an agent, creating it on first sight.
func (d *AgentDirectory) Touch(name, cli string, sent, received int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	rec, ok := d.records[name]
	if !ok {
		rec = &AgentRecord{Name: name, FirstSeen: now}
		d.records[name] = rec
	}
	if cli != "" {
		rec.CLI = cli
	}
	rec.LastSeen = now
	rec.MessagesSent += sent
	rec.MessagesReceived += received
	d.dirty = true
}

// Get returns a copy of the record for name, if present.
func (d *AgentDirectory) Get(name string) (AgentRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[name]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records, ordered by first sight.
func (d *AgentDirectory) List() []AgentRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AgentRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, *rec)
	}
	sortAgentRecords(out)
	return out
}

// Flush writes the directory snapshot if anything changed since the last
// flush. Safe to call from a ticker and at shutdown.
func (d *AgentDirectory) Flush() error {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	file := agentsFile{Agents: make([]AgentRecord, 0, len(d.records))}
	for _, rec := range d.records {
		file.Agents = append(file.Agents, *rec)
	}
	d.dirty = false
	d.mu.Unlock()

	sortAgentRecords(file.Agents)
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent directory: %w", err)
	}
	return WriteFileAtomic(d.path, data)
}

func sortAgentRecords(recs []AgentRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].FirstSeen.Before(recs[j].FirstSeen)
	})
}
