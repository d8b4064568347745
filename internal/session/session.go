// Package session implements the per-client-connection state machine that
// relays JSON-RPC traffic between one client transport and one spawned
// tool-provider process.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpscope/mcpscope/internal/eventbus"
	"github.com/mcpscope/mcpscope/internal/frame"
	"github.com/mcpscope/mcpscope/internal/limits"
	"github.com/mcpscope/mcpscope/internal/proc"
	"github.com/mcpscope/mcpscope/internal/track"
	"github.com/mcpscope/mcpscope/pkg/protocol"
)

// State is the session lifecycle state.
type State int

const (
	// StateAwaitingConnect is the state right after the client connection
	// is accepted: no child exists and only a connect message is valid.
	StateAwaitingConnect State = iota
	// StateRunning relays traffic in both directions.
	StateRunning
	// StateTerminated is absorbing; no further messages are processed.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Child is the supervised process as the session sees it. *proc.Handle
// implements it; tests substitute fakes.
type Child interface {
	Write(p []byte) error
	Events() <-chan proc.Event
	Terminate(grace time.Duration)
	Kill()
	PID() int
}

// Spawner creates the child process for a connect request.
type Spawner func(spec proc.Spec) (Child, error)

// DefaultSpawner spawns real processes via the proc supervisor.
func DefaultSpawner(logger *slog.Logger) Spawner {
	return func(spec proc.Spec) (Child, error) {
		return proc.Spawn(spec, logger)
	}
}

// SendFunc delivers one message to the client transport. Implementations
// must serialize concurrent calls.
type SendFunc func(data []byte) error

// Options carries the fixed relay limits.
type Options struct {
	RequestTimeout time.Duration
	Guard          limits.Guard
	GraceKillDelay time.Duration
}

// Session owns one child process, one frame splitter, one request tracker,
// and one size guard, routing messages in both directions until the child
// exits, the client disconnects, or the server shuts down.
type Session struct {
	ID      string
	Command string // for diagnostics; set on connect
	Created time.Time

	opts   Options
	spawn  Spawner
	send   SendFunc
	bus    *eventbus.Bus
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	child        Child
	tracker      *track.Tracker
	clientClosed bool

	// splitter is touched only by the pump goroutine; no lock needed.
	splitter frame.Splitter
}

// New creates a session in StateAwaitingConnect.
func New(id string, opts Options, spawn Spawner, send SendFunc, bus *eventbus.Bus, logger *slog.Logger) *Session {
	s := &Session{
		ID:      id,
		Created: time.Now(),
		opts:    opts,
		spawn:   spawn,
		send:    send,
		bus:     bus,
		logger:  logger.With("session_id", id),
	}
	s.tracker = track.New(opts.RequestTimeout, s.onTimeout)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of outstanding requests.
func (s *Session) Pending() int {
	return s.tracker.Len()
}

// PID returns the child process id, or 0 before connect and after a failed
// spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return 0
	}
	return s.child.PID()
}

// HandleClientMessage processes one message from the client transport.
// Messages are handled in arrival order; the transport read loop calls this
// sequentially.
func (s *Session) HandleClientMessage(data []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateTerminated:
		s.logger.Debug("dropping message for terminated session")

	case StateAwaitingConnect:
		if protocol.ControlType(data) != protocol.TypeConnect {
			s.logger.Warn("rejecting message before connect")
			s.deliver(protocol.NewErrorEvent("not connected: send a connect message first"))
			return
		}
		var req protocol.ConnectRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.deliver(protocol.NewErrorEvent("malformed connect message: " + err.Error()))
			return
		}
		s.connect(req)

	case StateRunning:
		if ct := protocol.ControlType(data); ct != "" {
			s.deliver(protocol.NewErrorEvent(fmt.Sprintf("unexpected %q message: session already connected", ct)))
			return
		}
		s.forwardRequest(data)
	}
}

// connect validates and spawns the tool-provider. Spawn failure is reported
// once and the session moves straight to StateTerminated.
func (s *Session) connect(req protocol.ConnectRequest) {
	command, args := protocol.SplitCommand(req.Command, req.Args)

	child, err := s.spawn(proc.Spec{
		Command: command,
		Args:    args,
		Dir:     req.WorkingDir,
		Env:     req.Env,
	})
	if err != nil {
		s.logger.Warn("spawn failed", "command", command, "error", err)
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		s.deliver(protocol.NewErrorEvent(err.Error()))
		s.bus.Emit(eventbus.SessionTerminated, s.ID, map[string]string{"reason": "spawn_failed"})
		return
	}

	s.mu.Lock()
	s.child = child
	s.state = StateRunning
	s.Command = command
	s.mu.Unlock()

	s.logger.Info("session running", "command", command, "pid", child.PID())
	s.deliver(protocol.NewStatusEvent(protocol.StateRunning, child.PID(), nil, ""))
	s.bus.Emit(eventbus.ProcessSpawned, s.ID, map[string]any{"command": command, "pid": child.PID()})

	go s.pump(child)
}

// forwardRequest applies the outbound size check, registers request-shaped
// messages as pending, and writes the line to the child's stdin.
func (s *Session) forwardRequest(data []byte) {
	env, _ := protocol.ParseEnvelope(data)

	if err := s.opts.Guard.CheckRequest(len(data)); err != nil {
		var id json.RawMessage
		if env.HasID() {
			id = env.ID
		}
		s.logger.Warn("rejecting oversized request", "bytes", len(data), "method", env.Method)
		s.deliver(protocol.NewErrorResponse(id, protocol.CodeInternalError, err.Error()))
		return
	}

	if env.IsRequest() {
		if s.tracker.Register(env.ID, env.Method) {
			s.logger.Warn("request id already pending; replacing", "id", env.IDKey())
		}
	}

	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	s.mu.Lock()
	child := s.child
	s.mu.Unlock()

	if err := child.Write(line); err != nil {
		s.logger.Warn("stdin write failed", "error", err)
		if env.IsRequest() {
			s.tracker.Resolve(env.ID)
			s.deliver(protocol.NewErrorResponse(env.ID, protocol.CodeInternalError,
				"failed to deliver request to process: "+err.Error()))
		}
	}
}

// pump consumes child events in order. It is the only goroutine touching
// the splitter, so child→client frames keep process output order.
func (s *Session) pump(child Child) {
	for ev := range child.Events() {
		switch ev.Kind {
		case proc.EventStdout:
			s.handleStdout(ev.Data)
		case proc.EventStderr:
			s.logger.Debug("child stderr", "line", string(ev.Data))
			s.deliver(protocol.NewProcessErrorEvent(string(ev.Data)))
		case proc.EventExit:
			if last := s.splitter.Flush(); last != nil {
				s.handleFrame(last)
			}
			s.handleExit(ev.ExitCode, ev.Signal)
		}
	}
}

func (s *Session) handleStdout(chunk []byte) {
	if err := s.opts.Guard.CheckBuffer(s.splitter.Buffered() + len(chunk)); err != nil {
		s.logger.Warn("cumulative buffer limit breached", "buffered", s.splitter.Buffered(), "chunk", len(chunk))
		s.splitter.Reset()
		s.failPending(err.Error())
		s.bus.Emit(eventbus.LimitBreach, s.ID, map[string]any{"kind": "buffer", "bytes": s.opts.Guard.BufferBytes})
		return
	}

	for _, line := range s.splitter.Split(chunk) {
		s.handleFrame(line)
	}
}

func (s *Session) handleFrame(line []byte) {
	if len(line) == 0 {
		return
	}

	if err := s.opts.Guard.CheckFrame(len(line)); err != nil {
		env, ok := protocol.ParseEnvelope(line)
		if ok && env.HasID() {
			s.tracker.Resolve(env.ID)
			s.deliver(protocol.NewErrorResponse(env.ID, protocol.CodeInternalError, err.Error()))
		} else {
			s.logger.Warn("dropping oversized frame with no recoverable id", "bytes", len(line))
		}
		s.bus.Emit(eventbus.LimitBreach, s.ID, map[string]any{"kind": "frame", "bytes": len(line)})
		return
	}

	env, ok := protocol.ParseEnvelope(line)
	if !ok {
		// Non-JSON stdout is assumed to be incidental logging, not protocol
		// traffic.
		s.logger.Debug("dropping non-JSON stdout line", "line", string(line))
		return
	}

	if env.IsResponse() && !s.tracker.Resolve(env.ID) {
		s.logger.Debug("response for unknown request id", "id", env.IDKey())
	}
	s.deliver(line)
}

// onTimeout fires once per expired request; the tracker has already removed
// the entry.
func (s *Session) onTimeout(p track.Pending) {
	s.logger.Warn("request timed out", "id", string(p.ID), "method", p.Method, "elapsed", p.Elapsed())
	s.deliver(protocol.NewErrorResponse(p.ID, protocol.CodeInternalError,
		fmt.Sprintf("request %q timed out after %s; the tool-provider should respond faster or the timeout be raised", p.Method, s.opts.RequestTimeout)))
	s.bus.Emit(eventbus.RequestTimeout, s.ID, map[string]string{"id": string(p.ID), "method": p.Method})
}

// handleExit fails every pending request and moves to StateTerminated. The
// client transport is deliberately left open: the client decides whether to
// reconnect or close.
func (s *Session) handleExit(code int, signal string) {
	s.mu.Lock()
	alreadyTerminated := s.state == StateTerminated
	s.state = StateTerminated
	s.mu.Unlock()

	reason := fmt.Sprintf("process exited with code %d", code)
	if signal != "" {
		reason = fmt.Sprintf("process terminated by signal %s", signal)
	}
	s.failPending(reason)
	if !alreadyTerminated {
		s.deliver(protocol.NewStatusEvent(protocol.StateExited, 0, &code, signal))
		s.bus.Emit(eventbus.ProcessExited, s.ID, map[string]any{"code": code, "signal": signal})
	}
}

// failPending synthesizes one error response per outstanding request,
// embedding the reason and each request's elapsed time.
func (s *Session) failPending(reason string) {
	for _, p := range s.tracker.FailAll() {
		s.deliver(protocol.NewErrorResponse(p.ID, protocol.CodeInternalError,
			fmt.Sprintf("%s (request %q pending for %s)", reason, p.Method, p.Elapsed().Round(time.Millisecond))))
	}
}

// Close tears the session down from the client side: connection close or
// server shutdown. graceful selects SIGTERM-then-SIGKILL versus an
// immediate kill. Idempotent.
func (s *Session) Close(graceful bool) {
	s.mu.Lock()
	if s.clientClosed {
		s.mu.Unlock()
		return
	}
	s.clientClosed = true
	child := s.child
	wasTerminated := s.state == StateTerminated
	s.state = StateTerminated
	s.mu.Unlock()

	// Client is gone; drop the pending set without writing responses.
	s.tracker.FailAll()

	if child != nil && !wasTerminated {
		if graceful {
			child.Terminate(s.opts.GraceKillDelay)
		} else {
			child.Kill()
		}
	}

	s.logger.Info("session closed")
	s.bus.Emit(eventbus.SessionTerminated, s.ID, map[string]string{"reason": "client_closed"})
}

// deliver writes to the client unless the connection is already closed.
func (s *Session) deliver(data []byte) {
	s.mu.Lock()
	closed := s.clientClosed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.send(data); err != nil {
		s.logger.Debug("client write failed", "error", err)
	}
}
