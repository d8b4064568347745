package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcpscope/mcpscope/internal/eventbus"
	"github.com/mcpscope/mcpscope/internal/limits"
	"github.com/mcpscope/mcpscope/internal/proc"
	"github.com/mcpscope/mcpscope/pkg/protocol"
)

// fakeChild stands in for a spawned process.
type fakeChild struct {
	events chan proc.Event

	mu         sync.Mutex
	writes     []string
	terminated int
	killed     int
}

func newFakeChild() *fakeChild {
	return &fakeChild{events: make(chan proc.Event, 64)}
}

func (f *fakeChild) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *fakeChild) Events() <-chan proc.Event { return f.events }

func (f *fakeChild) Terminate(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
}

func (f *fakeChild) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
}

func (f *fakeChild) PID() int { return 4242 }

func (f *fakeChild) stdout(chunk string) {
	f.events <- proc.Event{Kind: proc.EventStdout, Data: []byte(chunk)}
}

func (f *fakeChild) stderr(line string) {
	f.events <- proc.Event{Kind: proc.EventStderr, Data: []byte(line)}
}

func (f *fakeChild) exit(code int) {
	f.events <- proc.Event{Kind: proc.EventExit, ExitCode: code}
	close(f.events)
}

func (f *fakeChild) exitSignaled(signal string) {
	f.events <- proc.Event{Kind: proc.EventExit, ExitCode: -1, Signal: signal}
	close(f.events)
}

func (f *fakeChild) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// collector records everything the session sends to the client.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(data))
	return nil
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	return Options{
		RequestTimeout: time.Second,
		Guard:          limits.Guard{FrameBytes: 25 * 1024, BufferBytes: 100 * 1024},
		GraceKillDelay: time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeChild, *collector) {
	t.Helper()
	fc := newFakeChild()
	col := &collector{}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	spawn := func(proc.Spec) (Child, error) { return fc, nil }
	s := New("sess-1", opts, spawn, col.send, bus, testLogger())
	return s, fc, col
}

func connectMsg(command string) []byte {
	b, _ := json.Marshal(protocol.ConnectRequest{Type: protocol.TypeConnect, Command: command})
	return b
}

func TestSession_RejectsBeforeConnect(t *testing.T) {
	s, _, col := newTestSession(t, testOptions())

	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))

	msgs := col.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], `"type":"error"`) {
		t.Fatalf("expected a single error event, got %v", msgs)
	}
	if s.State() != StateAwaitingConnect {
		t.Errorf("state = %v, want awaiting_connect", s.State())
	}
}

func TestSession_SpawnFailureTerminates(t *testing.T) {
	col := &collector{}
	bus := eventbus.New()
	defer bus.Close()
	spawn := func(proc.Spec) (Child, error) {
		return nil, errors.New(`working directory "/does/not/exist" does not exist`)
	}
	s := New("sess-1", testOptions(), spawn, col.send, bus, testLogger())

	s.HandleClientMessage(connectMsg("python server.py"))

	if s.State() != StateTerminated {
		t.Fatalf("state = %v, want terminated", s.State())
	}
	msgs := col.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "/does/not/exist") {
		t.Fatalf("expected error event naming the directory, got %v", msgs)
	}

	// Terminated is absorbing.
	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))
	if len(col.all()) != 1 {
		t.Error("terminated session must not process messages")
	}
}

func TestSession_ForwardRoundTrip(t *testing.T) {
	s, fc, col := newTestSession(t, testOptions())

	s.HandleClientMessage(connectMsg("python"))
	if s.State() != StateRunning {
		t.Fatalf("state = %v, want running", s.State())
	}
	waitFor(t, func() bool { return len(col.all()) >= 1 }, "status event")
	if !strings.Contains(col.all()[0], `"state":"running"`) {
		t.Fatalf("first message should be the running status, got %q", col.all()[0])
	}

	req := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	s.HandleClientMessage([]byte(req))
	if fc.writeCount() != 1 {
		t.Fatalf("child should have received the request")
	}
	fc.mu.Lock()
	written := fc.writes[0]
	fc.mu.Unlock()
	if written != req+"\n" {
		t.Errorf("stdin line = %q, want request plus newline", written)
	}
	if s.Pending() != 1 {
		t.Errorf("pending = %d, want 1", s.Pending())
	}

	// Response arrives split across two chunks; it must be forwarded
	// verbatim once reassembled.
	resp := `{"jsonrpc":"2.0","id":1,"result":{"serverInfo":{"name":"log-reader"}}}`
	fc.stdout(resp[:20])
	fc.stdout(resp[20:] + "\n")

	waitFor(t, func() bool { return len(col.all()) >= 2 }, "forwarded response")
	if got := col.all()[1]; got != resp {
		t.Errorf("forwarded = %q, want verbatim %q", got, resp)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after response, want 0", s.Pending())
	}
}

func TestSession_NotificationForwardedUntracked(t *testing.T) {
	s, fc, col := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))

	note := `{"jsonrpc":"2.0","method":"notifications/progress","params":{"p":50}}`
	fc.stdout(note + "\n")

	waitFor(t, func() bool {
		for _, m := range col.all() {
			if m == note {
				return true
			}
		}
		return false
	}, "forwarded notification")
	if s.Pending() != 0 {
		t.Errorf("notifications must not create pending entries")
	}
}

func TestSession_NonJSONStdoutDropped(t *testing.T) {
	s, fc, col := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))
	waitFor(t, func() bool { return len(col.all()) == 1 }, "status event")

	fc.stdout("INFO starting server on stdio\n")
	time.Sleep(50 * time.Millisecond)

	if n := len(col.all()); n != 1 {
		t.Errorf("non-JSON line must not reach the client, got %d messages: %v", n, col.all())
	}
}

func TestSession_RequestTimeout(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = 40 * time.Millisecond
	s, _, col := newTestSession(t, opts)
	s.HandleClientMessage(connectMsg("sleep 30"))

	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call"}`))

	waitFor(t, func() bool {
		for _, m := range col.all() {
			if strings.Contains(m, "timed out") {
				return true
			}
		}
		return false
	}, "timeout error response")

	var found string
	for _, m := range col.all() {
		if strings.Contains(m, "timed out") {
			found = m
		}
	}
	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(found), &resp); err != nil {
		t.Fatalf("timeout response not valid JSON: %v", err)
	}
	if resp.ID != 7 || resp.Error.Code != protocol.CodeInternalError {
		t.Errorf("unexpected timeout envelope: %s", found)
	}
	if !strings.Contains(resp.Error.Message, "40ms") {
		t.Errorf("message should name the expired duration: %q", resp.Error.Message)
	}
	if s.Pending() != 0 {
		t.Errorf("expired request still pending")
	}
	if s.State() != StateRunning {
		t.Errorf("timeout must not terminate the session")
	}
}

func TestSession_OversizedFrameRejected(t *testing.T) {
	opts := testOptions()
	opts.Guard = limits.Guard{FrameBytes: 25 * 1024, BufferBytes: 200 * 1024}
	s, fc, col := newTestSession(t, opts)
	s.HandleClientMessage(connectMsg("python"))
	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":3,"method":"resources/read"}`))

	// 80KB single line carrying id 3.
	huge := fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"result":{"blob":"%s"}}`, strings.Repeat("x", 80*1024))
	fc.stdout(huge + "\n")

	waitFor(t, func() bool {
		for _, m := range col.all() {
			if strings.Contains(m, "size limit") && strings.Contains(m, `"id":3`) {
				return true
			}
		}
		return false
	}, "size-limit error with id")

	for _, m := range col.all() {
		if len(m) > 30*1024 {
			t.Fatal("oversized payload leaked to the client")
		}
	}
	if s.Pending() != 0 {
		t.Errorf("pending should be canceled on frame rejection")
	}
	if s.State() != StateRunning {
		t.Errorf("frame rejection must not terminate the session")
	}
}

func TestSession_BufferBreachFailsAllPending(t *testing.T) {
	opts := testOptions()
	opts.Guard = limits.Guard{FrameBytes: 4 * 1024, BufferBytes: 16 * 1024}
	s, fc, col := newTestSession(t, opts)
	s.HandleClientMessage(connectMsg("python"))

	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"a"}`))
	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":2,"method":"b"}`))

	// One newline-free chunk larger than the cumulative limit.
	fc.stdout(strings.Repeat("y", 17*1024))

	waitFor(t, func() bool { return s.Pending() == 0 }, "pending cleared")

	ids := map[string]int{}
	for _, m := range col.all() {
		var resp struct {
			ID    json.RawMessage `json:"id"`
			Error *struct{}       `json:"error"`
		}
		if json.Unmarshal([]byte(m), &resp) == nil && resp.Error != nil && len(resp.ID) > 0 {
			ids[string(resp.ID)]++
		}
	}
	if len(ids) != 2 || ids["1"] != 1 || ids["2"] != 1 {
		t.Fatalf("expected exactly one error per pending id, got %v", ids)
	}

	// Session survives; a clean frame afterwards is still relayed.
	resp := `{"jsonrpc":"2.0","method":"notifications/ok"}`
	fc.stdout(resp + "\n")
	waitFor(t, func() bool {
		for _, m := range col.all() {
			if m == resp {
				return true
			}
		}
		return false
	}, "post-breach frame relayed")
}

func TestSession_SignalKilledExitNamesSignal(t *testing.T) {
	s, fc, col := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))
	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":9,"method":"tools/list"}`))

	fc.exitSignaled("killed")

	waitFor(t, func() bool { return s.State() == StateTerminated }, "terminated state")
	waitFor(t, func() bool {
		for _, m := range col.all() {
			if strings.Contains(m, "process terminated by signal killed") {
				return true
			}
		}
		return false
	}, "signal-naming error response")

	var sawStatus bool
	for _, m := range col.all() {
		if strings.Contains(m, `"state":"exited"`) && strings.Contains(m, `"signal":"killed"`) {
			sawStatus = true
		}
		if strings.Contains(m, "exited with code") {
			t.Errorf("signal death should not read like a plain exit: %q", m)
		}
	}
	if !sawStatus {
		t.Errorf("no status event carrying the signal: %v", col.all())
	}
}

func TestSession_ExitFailsPendingAndLeavesTransportOpen(t *testing.T) {
	s, fc, col := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))

	for i := 1; i <= 3; i++ {
		s.HandleClientMessage([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"m%d"}`, i, i)))
	}
	fc.exit(1)

	waitFor(t, func() bool { return s.State() == StateTerminated }, "terminated state")
	waitFor(t, func() bool {
		n := 0
		for _, m := range col.all() {
			if strings.Contains(m, "process exited with code 1") {
				n++
			}
		}
		return n == 3
	}, "three exit error responses")

	ids := map[string]bool{}
	for _, m := range col.all() {
		if !strings.Contains(m, "process exited") {
			continue
		}
		var resp struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal([]byte(m), &resp)
		if ids[string(resp.ID)] {
			t.Errorf("id %s failed twice", resp.ID)
		}
		ids[string(resp.ID)] = true
	}

	var sawExitStatus bool
	for _, m := range col.all() {
		if strings.Contains(m, `"state":"exited"`) {
			sawExitStatus = true
		}
	}
	if !sawExitStatus {
		t.Error("client should see an exited status event")
	}
}

func TestSession_TrailingLineFlushedOnExit(t *testing.T) {
	s, fc, col := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))
	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":9,"method":"last"}`))

	// Response written without a final newline before the process dies.
	fc.stdout(`{"jsonrpc":"2.0","id":9,"result":null}`)
	fc.exit(0)

	waitFor(t, func() bool {
		for _, m := range col.all() {
			if m == `{"jsonrpc":"2.0","id":9,"result":null}` {
				return true
			}
		}
		return false
	}, "flushed trailing frame")
}

func TestSession_CloseGraceful(t *testing.T) {
	s, fc, _ := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))
	s.HandleClientMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"x"}`))

	s.Close(true)
	s.Close(true) // idempotent

	fc.mu.Lock()
	terminated, killed := fc.terminated, fc.killed
	fc.mu.Unlock()
	if terminated != 1 || killed != 0 {
		t.Errorf("Close(graceful) should terminate once: terminated=%d killed=%d", terminated, killed)
	}
	if s.State() != StateTerminated {
		t.Errorf("state = %v", s.State())
	}
	if s.Pending() != 0 {
		t.Errorf("pending not cleared on close")
	}
}

func TestSession_CloseImmediateKills(t *testing.T) {
	s, fc, _ := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))

	s.Close(false)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.killed != 1 || fc.terminated != 0 {
		t.Errorf("Close(immediate) should kill: terminated=%d killed=%d", fc.terminated, fc.killed)
	}
}

func TestSession_OversizedOutboundRequestNotForwarded(t *testing.T) {
	opts := testOptions()
	opts.Guard = limits.Guard{FrameBytes: 1024, BufferBytes: 4096} // request cap 1KB
	s, fc, col := newTestSession(t, opts)
	s.HandleClientMessage(connectMsg("python"))

	big := fmt.Sprintf(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"blob":"%s"}}`, strings.Repeat("z", 4096))
	s.HandleClientMessage([]byte(big))

	if fc.writeCount() != 0 {
		t.Error("oversized request must not reach the child")
	}
	if s.Pending() != 0 {
		t.Error("oversized request must not create a pending entry")
	}
	var found bool
	for _, m := range col.all() {
		if strings.Contains(m, `"id":5`) && strings.Contains(m, "size limit") {
			found = true
		}
	}
	if !found {
		t.Errorf("client should get an immediate error response, got %v", col.all())
	}
}

func TestSession_StderrForwardedAsProcessError(t *testing.T) {
	s, fc, col := newTestSession(t, testOptions())
	s.HandleClientMessage(connectMsg("python"))

	fc.stderr("Traceback (most recent call last):")

	waitFor(t, func() bool {
		for _, m := range col.all() {
			if strings.Contains(m, `"type":"process_error"`) && strings.Contains(m, "Traceback") {
				return true
			}
		}
		return false
	}, "process_error event")
	if s.State() != StateRunning {
		t.Error("stderr output must not terminate the session")
	}
}
