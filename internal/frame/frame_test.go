package frame

import (
	"strings"
	"testing"
)

func collect(t *testing.T, s *Splitter, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		for _, line := range s.Split([]byte(c)) {
			out = append(out, string(line))
		}
	}
	return out
}

func TestSplitter_CompleteLines(t *testing.T) {
	var s Splitter
	got := collect(t, &s, "{\"a\":1}\n{\"b\":2}\n")
	want := []string{`{"a":1}`, `{"b":2}`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
	if s.Buffered() != 0 {
		t.Errorf("expected empty carry-over, got %d bytes", s.Buffered())
	}
}

func TestSplitter_CarryOver(t *testing.T) {
	var s Splitter
	if lines := s.Split([]byte(`{"jsonrpc":"2.0",`)); len(lines) != 0 {
		t.Fatalf("partial chunk should emit nothing, got %v", lines)
	}
	if s.Buffered() == 0 {
		t.Fatal("expected buffered carry-over")
	}
	lines := s.Split([]byte("\"id\":1}\n"))
	if len(lines) != 1 || string(lines[0]) != `{"jsonrpc":"2.0","id":1}` {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

// Concatenation invariance: any chunking of the same stream produces the
// same frames in the same order.
func TestSplitter_ChunkingInvariance(t *testing.T) {
	stream := "{\"id\":1}\n{\"id\":2,\"method\":\"x\"}\nnot json\n{\"id\":3}\n"
	want := collect(t, &Splitter{}, stream)

	for size := 1; size <= len(stream); size++ {
		var s Splitter
		var chunks []string
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, stream[i:end])
		}
		got := collect(t, &s, chunks...)
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Fatalf("chunk size %d: got %v, want %v", size, got, want)
		}
	}
}

func TestSplitter_CRLF(t *testing.T) {
	var s Splitter
	lines := s.Split([]byte("{\"id\":1}\r\n"))
	if len(lines) != 1 || string(lines[0]) != `{"id":1}` {
		t.Fatalf("CRLF not stripped: %v", lines)
	}
}

func TestSplitter_EmptyLines(t *testing.T) {
	var s Splitter
	lines := s.Split([]byte("a\n\nb\n"))
	if len(lines) != 3 || string(lines[1]) != "" {
		t.Fatalf("expected empty middle line, got %v", lines)
	}
}

func TestSplitter_Flush(t *testing.T) {
	var s Splitter
	s.Split([]byte(`{"id":9}`))
	if got := s.Flush(); string(got) != `{"id":9}` {
		t.Fatalf("Flush = %q", got)
	}
	if s.Flush() != nil {
		t.Error("second Flush should return nil")
	}
	if s.Buffered() != 0 {
		t.Error("Flush should empty the buffer")
	}
}

func TestSplitter_Reset(t *testing.T) {
	var s Splitter
	s.Split([]byte("partial data without newline"))
	s.Reset()
	if s.Buffered() != 0 {
		t.Error("Reset should discard carry-over")
	}
	// After reset, a fresh stream frames normally.
	lines := s.Split([]byte("clean\n"))
	if len(lines) != 1 || string(lines[0]) != "clean" {
		t.Fatalf("post-reset split broken: %v", lines)
	}
}
