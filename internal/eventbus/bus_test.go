package eventbus

import (
	"log/slog"
	"testing"
	"time"
)

func TestBus_FilteredSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	all := b.Subscribe()
	timeouts := b.Subscribe(RequestTimeout)

	b.Emit(RequestTimeout, "sess-1", map[string]string{"method": "tools/call"})
	b.Emit(ProcessExited, "sess-1", nil)

	select {
	case e := <-timeouts:
		if e.Type != RequestTimeout || e.SessionID != "sess-1" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber missed its event")
	}
	select {
	case e := <-timeouts:
		t.Fatalf("filtered subscriber got extra event %+v", e)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("unfiltered subscriber missed an event")
		}
	}
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe(LogEntry)
	for i := 0; i < 100; i++ {
		b.Emit(LogEntry, "", map[string]int{"i": i})
	}
	// Publish never blocked; the buffer holds at most its capacity.
	if n := len(ch); n > 64 {
		t.Errorf("buffer exceeded capacity: %d", n)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(ch)
	b.Publish(Event{Type: LogEntry})
}

func TestSlogHandler_PublishesLogEntries(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe(LogEntry)

	inner := slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewSlogHandler(inner, b)).With("component", "gateway")

	logger.Info("session opened", "session_id", "s-1")

	select {
	case e := <-ch:
		if e.Type != LogEntry {
			t.Errorf("type = %q", e.Type)
		}
		if string(e.Data) == "" {
			t.Error("log entry data should not be empty")
		}
	case <-time.After(time.Second):
		t.Fatal("log record was not published to the bus")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
