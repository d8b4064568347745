// Package protocol defines the wire messages exchanged between dashboard
// clients, the bridge, and spawned tool-provider processes.
//
// Traffic falls in two classes: bridge control messages, which carry a
// "type" field, and JSON-RPC 2.0 protocol messages, which are forwarded
// verbatim and never re-encoded by the bridge.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Control message types.
const (
	TypeConnect      = "connect"
	TypeError        = "error"
	TypeProcessError = "process_error"
	TypeStatus       = "status"
)

// Session states reported in status events.
const (
	StateRunning = "running"
	StateExited  = "exited"
)

// CodeInternalError is the JSON-RPC error code used for all
// bridge-synthesized failures (timeout, size limit, process exit).
const CodeInternalError = -32603

// ConnectRequest asks the bridge to spawn a tool-provider process.
type ConnectRequest struct {
	Type       string            `json:"type"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ErrorEvent is a non-JSON-RPC error surfaced to the client, e.g. a spawn
// failure. Clients must special-case this envelope.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ProcessErrorEvent carries one line of the child's stderr. Informational,
// never fatal to the session.
type ProcessErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusEvent reports a session lifecycle transition. Signal is set when
// the process was ended by a signal rather than exiting on its own.
type StatusEvent struct {
	Type     string `json:"type"`
	State    string `json:"state"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"code,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// NewErrorEvent builds a serialized error event.
func NewErrorEvent(message string) []byte {
	b, _ := json.Marshal(ErrorEvent{Type: TypeError, Message: message})
	return b
}

// NewProcessErrorEvent builds a serialized process_error event.
func NewProcessErrorEvent(message string) []byte {
	b, _ := json.Marshal(ProcessErrorEvent{Type: TypeProcessError, Message: message})
	return b
}

// NewStatusEvent builds a serialized status event.
func NewStatusEvent(state string, pid int, exitCode *int, signal string) []byte {
	b, _ := json.Marshal(StatusEvent{Type: TypeStatus, State: state, PID: pid, ExitCode: exitCode, Signal: signal})
	return b
}

// ControlType extracts the control "type" field from a raw message.
// Returns "" for JSON-RPC traffic and unparseable input.
func ControlType(raw []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return ""
	}
	return env.Type
}

var nullLiteral = []byte("null")

// Envelope is the minimal JSON-RPC 2.0 shape the bridge inspects. The ID is
// kept raw so it can be echoed back byte-for-byte regardless of its JSON
// type.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
}

// ParseEnvelope decodes just enough of a frame to classify it. ok is false
// when the frame is not a JSON object at all.
func ParseEnvelope(raw []byte) (env Envelope, ok bool) {
	if json.Unmarshal(raw, &env) != nil {
		return Envelope{}, false
	}
	return env, true
}

// HasID reports whether the envelope carries a usable request id.
func (e Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, nullLiteral)
}

// IsRequest reports whether the envelope is a request expecting a
// correlated response (has both id and method).
func (e Envelope) IsRequest() bool {
	return e.HasID() && e.Method != ""
}

// IsResponse reports whether the envelope is a response to an earlier
// request (has id, no method).
func (e Envelope) IsResponse() bool {
	return e.HasID() && e.Method == ""
}

// IDKey returns a map key for the envelope's id. Distinct JSON encodings of
// the same logical value (7 vs "7") intentionally map to distinct keys,
// since the bridge must echo whichever form the producer used.
func (e Envelope) IDKey() string {
	return string(e.ID)
}

// NewErrorResponse synthesizes a JSON-RPC error response. A nil id encodes
// as null, which is the correct envelope for errors with no recoverable id.
func NewErrorResponse(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = nullLiteral
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{JSONRPC: "2.0", ID: id}
	resp.Error.Code = code
	resp.Error.Message = message
	b, _ := json.Marshal(resp)
	return b
}

// SplitCommand resolves the command/args compatibility rule: an explicit
// non-empty args slice wins and command is taken verbatim; otherwise a
// command containing whitespace is split into executable plus arguments.
func SplitCommand(command string, args []string) (string, []string) {
	if len(args) > 0 {
		return command, args
	}
	fields := strings.Fields(command)
	if len(fields) <= 1 {
		return command, nil
	}
	return fields[0], fields[1:]
}
