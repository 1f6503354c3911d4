package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means Start was called before a successful
	// Configure, or after Stop returned the engine to idle.
	ErrNotConfigured = errors.New("stream not configured")

	// ErrNotStreaming means Pull or Stop was called outside an active
	// session.
	ErrNotStreaming = errors.New("stream not started")
)

// ConfigurationError is a stream configuration rejected before any I/O.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("stream configuration invalid: %s", e.Reason)
}

// DroppedPacketError reports a gap in the rolling sub-packet sequence.
// Non-fatal: the block it accompanies still carries every sample that did
// arrive, and the session keeps running. The caller decides whether a gap
// is grounds to abort.
type DroppedPacketError struct {
	Expected byte
	Got      byte
	Gap      int // number of sub-packets missing
}

func (e *DroppedPacketError) Error() string {
	return fmt.Sprintf("dropped %d stream packet(s): expected sequence %d, got %d", e.Gap, e.Expected, e.Got)
}
