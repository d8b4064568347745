// Package frame splits an arbitrary byte-chunk stream into newline-delimited
// frames, carrying partial lines across chunk boundaries.
package frame

import "bytes"

// Splitter reassembles newline-delimited frames from a chunked stream.
// Chunks may split a frame at any byte; the trailing incomplete line is held
// back until more data arrives or the stream ends. The zero value is ready
// to use.
type Splitter struct {
	rest []byte
}

// Split appends chunk to the carry-over buffer and returns every complete
// line, newline-free, in arrival order. The remainder after the last
// newline becomes the new carry-over. A trailing \r is stripped so CRLF
// streams frame identically to LF streams.
func (s *Splitter) Split(chunk []byte) [][]byte {
	s.rest = append(s.rest, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(s.rest, '\n')
		if i < 0 {
			break
		}
		line := s.rest[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		// Copy out: rest is reused across calls.
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
		s.rest = s.rest[i+1:]
	}
	if len(s.rest) == 0 {
		s.rest = nil
	}
	return lines
}

// Buffered returns the number of carry-over bytes held back.
func (s *Splitter) Buffered() int {
	return len(s.rest)
}

// Flush returns the carry-over as a final frame, or nil if nothing is
// buffered. Used when the stream ends without a final newline.
func (s *Splitter) Flush() []byte {
	if len(s.rest) == 0 {
		return nil
	}
	line := s.rest
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	s.rest = nil
	return line
}

// Reset discards all buffered state.
func (s *Splitter) Reset() {
	s.rest = nil
}
