package protocol

import (
	"encoding/binary"
	"fmt"
)

// CommandFrame is one outgoing request. Immutable once encoded; the codec
// places both checksums during Encode.
type CommandFrame struct {
	Opcode        Opcode
	Params        map[string]byte
	Payload       []byte
	TransactionID uint16
}

// ResponseFrame is one decoded reply. ChecksumOK reports whether both
// received checksum fields matched the recomputed values; a mismatch is
// never corrected here, the caller discards the frame.
type ResponseFrame struct {
	Opcode        Opcode
	Status        byte
	TransactionID uint16
	Payload       []byte
	ChecksumOK    bool
}

// Codec encodes command frames and decodes response frames for one device
// family. It performs no I/O.
type Codec struct {
	layout Layout
}

// NewCodec returns a codec bound to a family's layout constants.
func NewCodec(f Family) *Codec {
	return &Codec{layout: LayoutFor(f)}
}

// Layout exposes the family constants the codec was built with.
func (c *Codec) Layout() Layout { return c.layout }

// Encode builds the wire form of a command frame: header, named parameters
// in their fixed order, payload bytes, then both checksums. Odd-length
// bodies are padded with a trailing zero so the word count stays exact.
func (c *Codec) Encode(f *CommandFrame) ([]byte, error) {
	order, ok := paramOrder[f.Opcode]
	if !ok {
		return nil, fmt.Errorf("protocol: no wire layout for function code 0x%02X", byte(f.Opcode))
	}
	for name := range f.Params {
		if !contains(order, name) {
			return nil, fmt.Errorf("protocol: %w: %q (function 0x%02X)", ErrUnknownParam, name, byte(f.Opcode))
		}
	}

	body := make([]byte, 0, 2+len(order)+len(f.Payload)+1)
	body = binary.LittleEndian.AppendUint16(body, f.TransactionID)
	for _, name := range order {
		body = append(body, f.Params[name])
	}
	body = append(body, f.Payload...)
	if len(body)%2 != 0 {
		body = append(body, 0)
	}

	total := HeaderSize + len(body)
	if total > c.layout.MaxPacket {
		return nil, fmt.Errorf("protocol: %w: %d > %d (%s)",
			ErrPayloadTooLarge, total, c.layout.MaxPacket, c.layout.Family)
	}

	buf := make([]byte, HeaderSize, total)
	buf[1] = extendedCmdByte
	buf[2] = byte(len(body) / 2)
	buf[3] = byte(f.Opcode)
	buf = append(buf, body...)

	binary.LittleEndian.PutUint16(buf[checksum16Offset:], Checksum16(buf[HeaderSize:]))
	buf[0] = Checksum8(buf[1:HeaderSize])
	return buf, nil
}

// Decode validates and unpacks a response frame. Frames shorter than the
// minimum response length are rejected as malformed before any checksum is
// computed. Checksum mismatch does not abort decoding; it is flagged on the
// returned frame so the dispatcher can surface a typed failure.
func (c *Codec) Decode(buf []byte) (*ResponseFrame, error) {
	if len(buf) < minResponseLen {
		return nil, fmt.Errorf("protocol: %w: %d bytes", ErrFrameTooShort, len(buf))
	}
	if len(buf) > c.layout.MaxPacket {
		return nil, fmt.Errorf("protocol: %w: %d > %d (%s)",
			ErrPayloadTooLarge, len(buf), c.layout.MaxPacket, c.layout.Family)
	}

	r := &ResponseFrame{
		Opcode:        Opcode(buf[3]),
		Status:        buf[statusOffset],
		TransactionID: binary.LittleEndian.Uint16(buf[transactionOffset:]),
	}
	if len(buf) > payloadOffset {
		r.Payload = append([]byte(nil), buf[payloadOffset:]...)
	}

	want16 := binary.LittleEndian.Uint16(buf[checksum16Offset:])
	r.ChecksumOK = want16 == Checksum16(buf[HeaderSize:]) &&
		buf[0] == Checksum8(buf[1:HeaderSize])
	return r, nil
}

// SubPacket is one fixed-size unit of a continuous stream.
type SubPacket struct {
	Sequence   byte // rolling counter, wraps mod 256
	ErrorByte  byte
	Missed     uint32 // scans lost to device-side buffer overflow; valid with ErrorByte 60
	Backlog    uint16
	Samples    []uint16
	ChecksumOK bool
}

// DecodeSubPacket unpacks one stream sub-packet of the given sample count.
// The caller guarantees buf is exactly StreamPacketSize(samplesPerPacket)
// bytes; shorter buffers stay in the carry buffer until completed.
func DecodeSubPacket(buf []byte, samplesPerPacket int) (*SubPacket, error) {
	if len(buf) < StreamHeaderSize+StreamFooterSize {
		return nil, fmt.Errorf("protocol: %w: %d bytes", ErrFrameTooShort, len(buf))
	}
	if buf[1] != streamCmdByte || buf[3] != streamTypeByte {
		return nil, fmt.Errorf("protocol: %w: cmd=0x%02X type=0x%02X", ErrNotStreamPacket, buf[1], buf[3])
	}

	p := &SubPacket{
		Sequence:  buf[10],
		ErrorByte: buf[11],
		Missed:    binary.LittleEndian.Uint32(buf[6:10]),
		Backlog:   binary.LittleEndian.Uint16(buf[len(buf)-StreamFooterSize:]),
		Samples:   make([]uint16, 0, samplesPerPacket),
	}
	body := buf[StreamHeaderSize : len(buf)-StreamFooterSize]
	for i := 0; i+1 < len(body); i += bytesPerSample {
		p.Samples = append(p.Samples, binary.LittleEndian.Uint16(body[i:]))
	}

	want16 := binary.LittleEndian.Uint16(buf[checksum16Offset:])
	p.ChecksumOK = want16 == Checksum16(buf[HeaderSize:]) &&
		buf[0] == Checksum8(buf[1:HeaderSize])
	return p, nil
}

// EncodeSubPacket builds a stream sub-packet. The device side of the
// conversation only exists in the loopback transport and in tests, but the
// layout lives here with its decoder so the two cannot drift.
func EncodeSubPacket(seq byte, errByte byte, missed uint32, backlog uint16, samples []uint16) []byte {
	buf := make([]byte, StreamHeaderSize, StreamPacketSize(len(samples)))
	buf[1] = streamCmdByte
	buf[2] = byte((len(samples)*bytesPerSample + 6) / 2)
	buf[3] = streamTypeByte
	binary.LittleEndian.PutUint32(buf[6:], missed)
	buf[10] = seq
	buf[11] = errByte
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, s)
	}
	buf = binary.LittleEndian.AppendUint16(buf, backlog)

	binary.LittleEndian.PutUint16(buf[checksum16Offset:], Checksum16(buf[HeaderSize:]))
	buf[0] = Checksum8(buf[1:HeaderSize])
	return buf
}

// Checksum8 is the additive 8-bit header checksum. The 16-bit running sum
// is folded back into 8 bits twice so a carry out of the low byte is never
// lost, matching the device firmware exactly.
func Checksum8(b []byte) byte {
	var total uint16
	for _, v := range b {
		total += uint16(v)
	}
	folded := (total & 0xFF) + (total >> 8)
	folded = (folded & 0xFF) + (folded >> 8)
	return byte(folded)
}

// Checksum16 is the additive 16-bit checksum over everything after the
// header. Plain unsigned wraparound, no carry handling beyond 16 bits.
func Checksum16(b []byte) uint16 {
	var total uint16
	for _, v := range b {
		total += uint16(v)
	}
	return total
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
