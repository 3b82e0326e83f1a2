package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/relaymesh/relaymesh/internal/storage"
	"github.com/relaymesh/relaymesh/internal/term"
)

const eventBufferSize = 64

// shadowCLI is the pseudo cli for shadow agents that run inside their
// primary instead of as a separate OS process.
const shadowCLI = "subagent"

// CommandSpec resolves an agent cli name to an executable invocation.
type CommandSpec struct {
	Command string
	Args    []string
	// TaskFlag, when set, passes the spawn task as `TaskFlag <task>`;
	// otherwise the task is appended as the final argument.
	TaskFlag string
}

// defaultCommands covers the agent CLIs the daemon knows how to start.
func defaultCommands() map[string]CommandSpec {
	return map[string]CommandSpec{
		"claude": {Command: "claude"},
		"codex":  {Command: "codex"},
		"gemini": {Command: "gemini", TaskFlag: "-i"},
		"shell":  {Command: "sh", Args: []string{"-c"}},
	}
}

// Config wires a Supervisor's collaborators.
type Config struct {
	Store       *storage.WorkerStore
	Crash       CrashSink
	Policy      PolicyFunc
	Commands    map[string]CommandSpec
	RelayPrefix string
	Grace       time.Duration
	Logger      *slog.Logger
}

// Supervisor owns every worker OS process: it spawns them on a PTY,
// watches for exits, reports crashes, and tears them down on release.
// Process lifecycle is deliberately decoupled from protocol sessions; a
// worker can outlive its connection and vice versa.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*managed
	shadows map[string]storage.WorkerRecord

	events chan Event
}

type managed struct {
	record  storage.WorkerRecord
	wrapper *term.Wrapper

	releaseMu sync.Mutex
	releasing bool
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGracePeriod
	}
	if cfg.Commands == nil {
		cfg.Commands = defaultCommands()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Crash == nil {
		cfg.Crash = slogCrashSink{logger: cfg.Logger}
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "worker"),
		workers: make(map[string]*managed),
		shadows: make(map[string]storage.WorkerRecord),
		events:  make(chan Event, eventBufferSize),
	}
}

// Events is the stream of lifecycle notifications. Slow consumers drop
// events rather than stall spawn/release.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

func (s *Supervisor) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case s.events <- ev:
	default:
	}
}

// Spawn starts one worker. All failures come back as a structured
// result; none of them are fatal to the caller.
func (s *Supervisor) Spawn(req SpawnRequest) SpawnResult {
	if err := storage.ValidateName(req.Name); err != nil {
		return SpawnResult{Error: err.Error()}
	}
	if req.CLI == "" {
		return SpawnResult{Error: "cli is required"}
	}

	s.mu.Lock()
	_, taken := s.workers[req.Name]
	if !taken {
		_, taken = s.shadows[req.Name]
	}
	s.mu.Unlock()
	if taken {
		return SpawnResult{Error: fmt.Sprintf("%v: %s", ErrNameTaken, req.Name)}
	}

	if s.cfg.Policy != nil {
		decision := s.cfg.Policy(req)
		if !decision.Allow {
			s.logger.Info("spawn denied by policy",
				"name", req.Name, "reason", decision.Reason)
			return SpawnResult{PolicyDecision: &decision}
		}
	}

	if req.CLI == shadowCLI {
		return s.spawnShadow(req)
	}

	spec, ok := s.cfg.Commands[req.CLI]
	if !ok {
		return SpawnResult{Error: fmt.Sprintf("%v: %s", ErrUnknownCLI, req.CLI)}
	}

	args := append([]string(nil), spec.Args...)
	if req.Task != "" {
		if spec.TaskFlag != "" {
			args = append(args, spec.TaskFlag, req.Task)
		} else {
			args = append(args, req.Task)
		}
	}
	cmd := exec.Command(spec.Command, args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}

	wrapper := term.NewWrapper(req.Name, s.cfg.RelayPrefix, s.logger)
	if err := wrapper.Start(cmd); err != nil {
		s.logger.Warn("spawn failed", "name", req.Name, "cli", req.CLI, "error", err)
		return SpawnResult{Error: err.Error()}
	}

	record := storage.WorkerRecord{
		Name:      req.Name,
		PID:       wrapper.PID(),
		CLI:       req.CLI,
		Team:      req.Team,
		Cwd:       req.Cwd,
		StartedAt: time.Now(),
	}
	m := &managed{record: record, wrapper: wrapper}

	s.mu.Lock()
	if _, exists := s.workers[req.Name]; exists {
		s.mu.Unlock()
		_ = wrapper.Kill()
		return SpawnResult{Error: fmt.Sprintf("%v: %s", ErrNameTaken, req.Name)}
	}
	s.workers[req.Name] = m
	s.mu.Unlock()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Put(record); err != nil {
			s.logger.Warn("failed to persist worker record",
				"name", req.Name, "error", err)
		}
	}

	go s.watch(m)

	s.logger.Info("worker spawned",
		"name", req.Name, "cli", req.CLI, "pid", record.PID,
		"spawner", req.SpawnerName)
	s.emit(Event{Kind: EventSpawned, Name: req.Name, PID: record.PID})
	return SpawnResult{Success: true, PID: record.PID}
}

// spawnShadow records a shadow role that the primary agent runs
// internally. No OS process and no worker metadata row are created.
func (s *Supervisor) spawnShadow(req SpawnRequest) SpawnResult {
	if req.ShadowOf == "" {
		return SpawnResult{Error: "shadow spawn requires shadowOf"}
	}

	record := storage.WorkerRecord{
		Name:          req.Name,
		CLI:           shadowCLI,
		Team:          req.Team,
		StartedAt:     time.Now(),
		ShadowOf:      req.ShadowOf,
		ShadowSpeakOn: req.ShadowSpeakOn,
	}

	s.mu.Lock()
	if _, exists := s.shadows[req.Name]; exists {
		s.mu.Unlock()
		return SpawnResult{Error: fmt.Sprintf("%v: %s", ErrNameTaken, req.Name)}
	}
	s.shadows[req.Name] = record
	s.mu.Unlock()

	s.logger.Info("shadow recorded",
		"name", req.Name, "shadowOf", req.ShadowOf)
	s.emit(Event{Kind: EventSpawned, Name: req.Name, Detail: "shadow of " + req.ShadowOf})
	return SpawnResult{Success: true}
}

// watch waits for the worker process to exit, reports abnormal exits,
// and cleans up the record. Releases mark the worker first so an
// intentional SIGTERM is not reported as a crash.
func (s *Supervisor) watch(m *managed) {
	<-m.wrapper.Done()

	name := m.record.Name
	s.mu.Lock()
	if current, ok := s.workers[name]; ok && current == m {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.Remove(name); err != nil {
			s.logger.Warn("failed to remove worker record",
				"name", name, "error", err)
		}
	}

	m.releaseMu.Lock()
	released := m.releasing
	m.releaseMu.Unlock()

	waitErr := m.wrapper.WaitErr()
	if released || waitErr == nil {
		s.logger.Info("worker exited", "name", name, "pid", m.record.PID)
		s.emit(Event{Kind: EventExited, Name: name, PID: m.record.PID})
		return
	}

	info := CrashInfo{
		AgentName:  name,
		PID:        m.record.PID,
		ExitCode:   -1,
		Reason:     waitErr.Error(),
		LastOutput: m.wrapper.LastOutput(),
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				info.Signal = status.Signal().String()
			} else {
				info.ExitCode = status.ExitStatus()
			}
		}
	}

	s.logger.Warn("worker crashed",
		"name", name, "pid", info.PID,
		"exitCode", info.ExitCode, "signal", info.Signal)
	s.cfg.Crash.Report(info)
	s.emit(Event{Kind: EventCrashed, Name: name, PID: info.PID, Detail: info.Reason})
}

// Release stops the named worker: SIGTERM, a grace window, then
// SIGKILL. force skips the grace window. Returns false when no such
// worker exists; releasing twice is harmless.
func (s *Supervisor) Release(name string, force bool) bool {
	s.mu.Lock()
	if record, ok := s.shadows[name]; ok {
		delete(s.shadows, name)
		s.mu.Unlock()
		s.logger.Info("shadow released", "name", name, "shadowOf", record.ShadowOf)
		s.emit(Event{Kind: EventReleased, Name: name})
		return true
	}
	m, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	m.releaseMu.Lock()
	m.releasing = true
	m.releaseMu.Unlock()

	if force {
		if err := m.wrapper.Kill(); err != nil {
			s.logger.Warn("force kill failed", "name", name, "error", err)
		}
	} else if err := m.wrapper.Signal(syscall.SIGTERM); err != nil {
		// Process likely already gone; the watcher handles cleanup.
		s.logger.Debug("sigterm failed", "name", name, "error", err)
	} else {
		select {
		case <-m.wrapper.Done():
		case <-time.After(s.cfg.Grace):
			s.logger.Warn("worker ignored SIGTERM, killing",
				"name", name, "pid", m.record.PID)
			if err := m.wrapper.Kill(); err != nil {
				s.logger.Warn("kill failed", "name", name, "error", err)
			}
		}
	}

	select {
	case <-m.wrapper.Done():
	case <-time.After(s.cfg.Grace):
		s.logger.Warn("worker did not exit after kill", "name", name)
	}
	_ = m.wrapper.Stop()

	s.logger.Info("worker released", "name", name, "pid", m.record.PID)
	s.emit(Event{Kind: EventReleased, Name: name, PID: m.record.PID})
	return true
}

// ReleaseAll tears down every worker. One failure never blocks the
// rest; used on daemon shutdown.
func (s *Supervisor) ReleaseAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers)+len(s.shadows))
	for name := range s.workers {
		names = append(names, name)
	}
	for name := range s.shadows {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		s.Release(name, false)
	}
}

// Lookup returns the live terminal wrapper for a worker, used to
// inject deliveries and attach viewers.
func (s *Supervisor) Lookup(name string) (*term.Wrapper, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.workers[name]
	if !ok {
		return nil, false
	}
	return m.wrapper, true
}

// List returns a snapshot of every managed worker, shadows included,
// sorted by start time.
func (s *Supervisor) List() []storage.WorkerRecord {
	s.mu.Lock()
	records := make([]storage.WorkerRecord, 0, len(s.workers)+len(s.shadows))
	for _, m := range s.workers {
		records = append(records, m.record)
	}
	for _, record := range s.shadows {
		records = append(records, record)
	}
	s.mu.Unlock()
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records
}

type slogCrashSink struct {
	logger *slog.Logger
}

func (s slogCrashSink) Report(info CrashInfo) {
	s.logger.Error("abnormal worker exit",
		"agent", info.AgentName,
		"pid", info.PID,
		"exitCode", info.ExitCode,
		"signal", info.Signal,
		"reason", info.Reason)
}
