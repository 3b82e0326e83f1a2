package worker

import (
	"errors"
	"time"
)

var (
	ErrNameTaken      = errors.New("worker name already in use")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrUnknownCLI     = errors.New("unknown agent cli")
)

// DefaultGracePeriod is how long a released worker gets to exit after
// SIGTERM before it is killed.
const DefaultGracePeriod = 2 * time.Second

// SpawnRequest describes one worker to start.
type SpawnRequest struct {
	Name          string   `json:"name"`
	CLI           string   `json:"cli"`
	Task          string   `json:"task"`
	Team          string   `json:"team,omitempty"`
	Cwd           string   `json:"cwd,omitempty"`
	SpawnerName   string   `json:"spawnerName,omitempty"`
	ShadowOf      string   `json:"shadowOf,omitempty"`
	ShadowSpeakOn []string `json:"shadowSpeakOn,omitempty"`
}

// SpawnResult reports the outcome of a spawn attempt. Failures are
// structured, never panics: the daemon keeps running whatever happens
// to one worker.
type SpawnResult struct {
	Success        bool            `json:"success"`
	PID            int             `json:"pid,omitempty"`
	Error          string          `json:"error,omitempty"`
	PolicyDecision *PolicyDecision `json:"policyDecision,omitempty"`
}

// PolicyDecision is the verdict of the spawn policy hook.
type PolicyDecision struct {
	Allow        bool   `json:"allow"`
	Reason       string `json:"reason,omitempty"`
	PolicySource string `json:"policySource,omitempty"`
}

// PolicyFunc decides whether a spawn request may proceed. A nil
// Supervisor policy allows everything.
type PolicyFunc func(req SpawnRequest) PolicyDecision

// CrashInfo describes an abnormal worker exit. The supervisor reports
// it and moves on; interpreting the cause is the sink's job.
type CrashInfo struct {
	AgentName  string `json:"agentName"`
	PID        int    `json:"pid"`
	ExitCode   int    `json:"exitCode"`
	Signal     string `json:"signal,omitempty"`
	Reason     string `json:"reason"`
	LastOutput string `json:"lastOutput,omitempty"`
}

// CrashSink receives abnormal exit reports.
type CrashSink interface {
	Report(info CrashInfo)
}

// EventKind labels supervisor lifecycle events.
type EventKind string

const (
	EventSpawned  EventKind = "spawned"
	EventReleased EventKind = "released"
	EventExited   EventKind = "exited"
	EventCrashed  EventKind = "crashed"
)

// Event is one lifecycle notification, consumed from Supervisor.Events.
type Event struct {
	Kind      EventKind
	Name      string
	PID       int
	Detail    string
	Timestamp time.Time
}
