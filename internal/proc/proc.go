// Package proc spawns and supervises one tool-provider child process,
// exposing its three standard streams and its lifecycle as events.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes the process to spawn. The command is executed directly,
// never through a shell, so client-assembled strings cannot inject
// arguments.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// EventKind discriminates supervisor events.
type EventKind int

const (
	// EventStdout carries a raw chunk of the child's stdout.
	EventStdout EventKind = iota
	// EventStderr carries one line of the child's stderr.
	EventStderr
	// EventExit is the final event; the channel is closed after it.
	EventExit
)

// Event is one observation of the child process. Stdout is delivered as raw
// chunks (framing is the session's concern); stderr as whole lines. A
// signal-killed child carries the signal name alongside its -1 exit code.
type Event struct {
	Kind     EventKind
	Data     []byte
	ExitCode int
	Signal   string
}

// Handle is a supervised child process.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	mu        sync.Mutex
	exited    bool
	termTimer *time.Timer
}

const stdoutChunkSize = 32 * 1024

// Spawn validates the spec, starts the process, and begins pumping its
// streams. Validation failures (empty command, missing working directory,
// executable not found) are returned as errors before any process exists.
func Spawn(spec Spec, logger *slog.Logger) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("command must not be empty")
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("working directory %q does not exist", spec.Dir)
		}
	}
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("executable %q not found in PATH — is it installed?", spec.Command)
		}
		return nil, fmt.Errorf("resolve %q: %w", spec.Command, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}

	h := &Handle{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		logger: logger.With("pid", cmd.Process.Pid, "command", spec.Command),
	}
	h.logger.Info("child process started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pumpStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		h.pumpStderr(stderr)
	}()

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()

		code := 0
		signame := ""
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
			if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signame = ws.Signal().String()
			}
		}
		if waitErr != nil && code == 0 {
			code = 1
		}

		h.mu.Lock()
		h.exited = true
		if h.termTimer != nil {
			h.termTimer.Stop()
		}
		h.mu.Unlock()

		h.logger.Info("child process exited", "code", code, "signal", signame)
		h.events <- Event{Kind: EventExit, ExitCode: code, Signal: signame}
		close(h.events)
		close(h.done)
	}()

	return h, nil
}

// Events returns the event stream. It is closed after the exit event.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed once the process has exited and all events are delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Write sends bytes to the child's stdin. The caller supplies the trailing
// newline.
func (h *Handle) Write(p []byte) error {
	_, err := h.stdin.Write(p)
	return err
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period.
// Safe to call repeatedly and on an already-exited process.
func (h *Handle) Terminate(grace time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited || h.termTimer != nil {
		return
	}
	h.logger.Debug("terminating child process", "grace", grace)
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	h.termTimer = time.AfterFunc(grace, h.Kill)
}

// Kill force-kills the child immediately. No-op once it has exited.
func (h *Handle) Kill() {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return
	}
	h.logger.Debug("killing child process")
	_ = h.cmd.Process.Kill()
}

func (h *Handle) pumpStdout(r io.Reader) {
	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			h.events <- Event{Kind: EventStdout, Data: cp}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		cp := make([]byte, len(line))
		copy(cp, line)
		h.events <- Event{Kind: EventStderr, Data: cp}
	}
}
