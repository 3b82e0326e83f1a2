package term

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

var (
	ErrAlreadyStarted = errors.New("terminal wrapper already started")
	ErrNotStarted     = errors.New("terminal wrapper not started")
)

const (
	directiveBufferSize = 64
	lastOutputLines     = 40
)

// Wrapper attaches one managed agent process to a pseudo-terminal. It
// scans the output stream for relay directives, lets the daemon inject
// delivered messages as terminal input, and fans raw output out to
// attached human viewers.
type Wrapper struct {
	name   string
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	started bool
	stopped bool

	directives chan Directive
	output     *OutputBroadcaster

	tailMu sync.Mutex
	tail   []string

	done    chan struct{}
	waitErr error
}

func NewWrapper(name, prefix string, logger *slog.Logger) *Wrapper {
	if prefix == "" {
		prefix = DefaultRelayPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		name:       name,
		prefix:     prefix,
		logger:     logger.With("component", "term", "agent", name),
		directives: make(chan Directive, directiveBufferSize),
		output:     NewOutputBroadcaster(),
		done:       make(chan struct{}),
	}
}

// Start launches cmd attached to a fresh PTY and begins scanning its
// output. Calling Start twice is an error.
func (w *Wrapper) Start(cmd *exec.Cmd) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start %s on pty: %w", cmd.Path, err)
	}

	w.cmd = cmd
	w.ptmx = ptmx
	w.started = true

	go w.readLoop(ptmx)
	go func() {
		w.waitErr = cmd.Wait()
		close(w.done)
	}()
	return nil
}

func (w *Wrapper) readLoop(ptmx *os.File) {
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		w.output.Broadcast([]byte(line + "\n"))
		w.recordTail(line)

		directive, matched, err := ParseDirective(line, w.prefix)
		if !matched {
			continue
		}
		if err != nil {
			w.logger.Warn("bad relay directive", "error", err)
			continue
		}
		select {
		case w.directives <- *directive:
		default:
			w.logger.Warn("directive queue full, dropping", "kind", directive.Kind)
		}
	}
	// PTY read errors on process exit are expected; the wait goroutine
	// owns exit reporting.
	w.output.Close()
	close(w.directives)
}

func (w *Wrapper) recordTail(line string) {
	w.tailMu.Lock()
	defer w.tailMu.Unlock()
	w.tail = append(w.tail, line)
	if len(w.tail) > lastOutputLines {
		w.tail = w.tail[len(w.tail)-lastOutputLines:]
	}
}

// LastOutput returns the trailing terminal output, used for crash
// reports.
func (w *Wrapper) LastOutput() string {
	w.tailMu.Lock()
	defer w.tailMu.Unlock()
	return strings.Join(w.tail, "\n")
}

// Directives is the stream of parsed relay commands. Closed when the
// process's output ends.
func (w *Wrapper) Directives() <-chan Directive {
	return w.directives
}

// Inject writes a delivered message into the terminal so the wrapped
// CLI sees it as typed input.
func (w *Wrapper) Inject(from, body string) error {
	w.mu.Lock()
	ptmx := w.ptmx
	w.mu.Unlock()
	if ptmx == nil {
		return ErrNotStarted
	}
	text := fmt.Sprintf("[relay from %s] %s\r", from, body)
	if _, err := ptmx.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to inject delivery: %w", err)
	}
	return nil
}

// Attach registers a live viewer of the terminal output. The returned
// detach function is safe to call more than once.
func (w *Wrapper) Attach(buffer int) (<-chan []byte, func()) {
	return w.output.Subscribe(buffer)
}

// PID returns the wrapped process id, 0 before Start.
func (w *Wrapper) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Signal forwards a signal to the wrapped process.
func (w *Wrapper) Signal(sig syscall.Signal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return ErrNotStarted
	}
	return w.cmd.Process.Signal(sig)
}

// Kill terminates the process immediately. Idempotent.
func (w *Wrapper) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

// Done is closed when the wrapped process exits.
func (w *Wrapper) Done() <-chan struct{} {
	return w.done
}

// WaitErr returns the process exit error after Done is closed.
func (w *Wrapper) WaitErr() error {
	return w.waitErr
}

// Stop closes the PTY, which delivers EOF/SIGHUP to the process group.
// Idempotent; process termination is the supervisor's job.
func (w *Wrapper) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopped {
		return nil
	}
	w.stopped = true
	return w.ptmx.Close()
}
