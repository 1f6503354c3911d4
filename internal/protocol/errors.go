package protocol

import "errors"

var (
	// ErrFrameTooShort means a buffer was below the minimum frame length
	// (header only, no payload). Rejected before any checksum work.
	ErrFrameTooShort = errors.New("frame below minimum length")

	// ErrPayloadTooLarge means an encoded command would exceed the device
	// family's maximum single-packet size. Callers split oversized batches
	// into multiple packets; the codec never truncates.
	ErrPayloadTooLarge = errors.New("payload exceeds family packet size limit")

	// ErrUnknownParam means a command carried a parameter name the function
	// code's wire layout does not define.
	ErrUnknownParam = errors.New("unknown parameter name for function code")

	// ErrNotStreamPacket means a buffer handed to DecodeSubPacket does not
	// carry the stream command byte.
	ErrNotStreamPacket = errors.New("not a stream sub-packet")
)
