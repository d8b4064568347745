// Package limits enforces the bridge's size policy: individual frames,
// cumulative buffered bytes, and outbound request size. These are policy
// checks layered above transport framing, so a misbehaving tool-provider
// cannot exhaust bridge memory or wedge the client.
package limits

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge marks a single frame exceeding the per-frame limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrBufferOverflow marks the cumulative buffered-bytes limit being hit.
	ErrBufferOverflow = errors.New("buffered bytes exceed cumulative limit")
	// ErrRequestTooLarge marks an outbound request rejected before forwarding.
	ErrRequestTooLarge = errors.New("request exceeds size limit")
)

// Guard holds the configured thresholds. The cumulative limit must exceed
// the per-frame limit; outbound requests are capped at a quarter of the
// cumulative limit.
type Guard struct {
	FrameBytes  int
	BufferBytes int
}

// RequestBytes returns the outbound request cap.
func (g Guard) RequestBytes() int {
	return g.BufferBytes / 4
}

// CheckFrame validates a single inbound frame length.
func (g Guard) CheckFrame(n int) error {
	if n > g.FrameBytes {
		return fmt.Errorf("%w: %d bytes (limit %d); reduce the tool-provider's response size", ErrFrameTooLarge, n, g.FrameBytes)
	}
	return nil
}

// CheckBuffer validates the total of buffered-but-unframed bytes after an
// incoming chunk is appended.
func (g Guard) CheckBuffer(total int) error {
	if total > g.BufferBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrBufferOverflow, total, g.BufferBytes)
	}
	return nil
}

// CheckRequest validates a client-originated request before it is forwarded
// to the child.
func (g Guard) CheckRequest(n int) error {
	if n > g.RequestBytes() {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrRequestTooLarge, n, g.RequestBytes())
	}
	return nil
}
