package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAgentDirectoryTouchAndFlush(t *testing.T) {
	tmpDir := t.TempDir()
	dir, err := NewAgentDirectory(tmpDir)
	if err != nil {
		t.Fatalf("NewAgentDirectory failed: %v", err)
	}

	dir.Touch("Lead", "claude", 1, 0)
	dir.Touch("Worker1", "codex", 0, 1)
	dir.Touch("Lead", "", 2, 3)

	rec, ok := dir.Get("Lead")
	if !ok {
		t.Fatal("expected Lead record")
	}
	if rec.MessagesSent != 3 || rec.MessagesReceived != 3 {
		t.Errorf("expected sent=3 received=3, got sent=%d received=%d", rec.MessagesSent, rec.MessagesReceived)
	}
	if rec.CLI != "claude" {
		t.Errorf("empty cli on later touch must not clear recorded cli, got %q", rec.CLI)
	}

	if err := dir.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "agents.json"))
	if err != nil {
		t.Fatalf("failed to read agents.json: %v", err)
	}
	var file struct {
		Agents []AgentRecord `json:"agents"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("agents.json is not valid JSON: %v", err)
	}
	if len(file.Agents) != 2 {
		t.Errorf("expected 2 agents, got %d", len(file.Agents))
	}
}

func TestAgentDirectoryFlushCleanSkips(t *testing.T) {
	tmpDir := t.TempDir()
	dir, err := NewAgentDirectory(tmpDir)
	if err != nil {
		t.Fatalf("NewAgentDirectory failed: %v", err)
	}

	// Nothing touched: no file should appear.
	if err := dir.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "agents.json")); !os.IsNotExist(err) {
		t.Error("expected no agents.json for a clean directory")
	}
}

func TestAgentDirectoryReload(t *testing.T) {
	tmpDir := t.TempDir()
	dir, _ := NewAgentDirectory(tmpDir)
	dir.Touch("Lead", "claude", 5, 2)
	if err := dir.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reloaded, err := NewAgentDirectory(tmpDir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	rec, ok := reloaded.Get("Lead")
	if !ok {
		t.Fatal("expected Lead to survive reload")
	}
	if rec.MessagesSent != 5 {
		t.Errorf("expected messagesSent 5 after reload, got %d", rec.MessagesSent)
	}
}

func TestWorkerStorePutRemove(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewWorkerStore(tmpDir)
	if err != nil {
		t.Fatalf("NewWorkerStore failed: %v", err)
	}

	if err := store.Put(WorkerRecord{Name: "Worker1", PID: 123, CLI: "claude"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec, ok := store.Get("Worker1")
	if !ok || rec.PID != 123 {
		t.Fatalf("expected Worker1 with pid 123, got %+v ok=%v", rec, ok)
	}

	removed, err := store.Remove("Worker1")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Error("expected Remove to report true")
	}

	removed, err = store.Remove("Worker1")
	if err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if removed {
		t.Error("expected second Remove to report false")
	}
}

func TestWorkerStoreRejectsBadName(t *testing.T) {
	store, _ := NewWorkerStore(t.TempDir())
	if err := store.Put(WorkerRecord{Name: "../evil"}); err == nil {
		t.Error("expected path-unsafe name to be rejected")
	}
}
