package dispatch

import (
	"errors"
	"fmt"

	"github.com/mlieberg/daqhost/internal/protocol"
)

var (
	// ErrTimeout means the transport returned fewer bytes than a frame
	// requires within the deadline. Distinct from a malformed or
	// checksum-failed response; the caller decides whether to re-issue.
	ErrTimeout = errors.New("response timed out")

	// ErrChecksum means a response arrived but one of its checksum fields
	// did not validate. The response is discarded, never corrected.
	ErrChecksum = errors.New("response checksum invalid")
)

// TransportError wraps a failure reported by the transport collaborator.
// Fatal to the current call; nothing here retries it.
type TransportError struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TransactionMismatchError means the response carried a transaction id
// other than the outstanding request's. The request/response stream is
// desynchronized; surfaced verbatim so the caller can resynchronize.
type TransactionMismatchError struct {
	Expected uint16
	Received uint16
}

func (e *TransactionMismatchError) Error() string {
	return fmt.Sprintf("transaction id mismatch: sent 0x%04X, got 0x%04X", e.Expected, e.Received)
}

// DeviceError is a failure reported by the device itself through the
// response status byte.
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s", protocol.ErrorString(e.Code))
}
