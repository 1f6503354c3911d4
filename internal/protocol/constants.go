package protocol

// Family identifies one of the supported device variants. The layout
// constants for each family are fixed at open time and never change for
// the life of a handle.
type Family int

const (
	FamilyU3 Family = iota
	FamilyU6
	FamilyUE9
	FamilyU12
)

func (f Family) String() string {
	switch f {
	case FamilyU3:
		return "U3"
	case FamilyU6:
		return "U6"
	case FamilyUE9:
		return "UE9"
	case FamilyU12:
		return "U12"
	default:
		return "unknown"
	}
}

// Medium is the physical connection a handle was opened over.
type Medium int

const (
	MediumUSB Medium = iota
	MediumEthernet
)

func (m Medium) String() string {
	if m == MediumEthernet {
		return "ethernet"
	}
	return "usb"
}

// Opcode is an extended command function code.
type Opcode byte

const (
	OpFeedback     Opcode = 0x00
	OpConfig       Opcode = 0x08
	OpStreamConfig Opcode = 0x11
	OpReadCalMem   Opcode = 0x2A
	OpStreamStart  Opcode = 0xA8
	OpStreamStop   Opcode = 0xB0
)

// Command frame layout. All frames share the same header shape; families
// differ only in size limits and stream geometry (see Layout).
//
//	[0]    Checksum8 over bytes 1..5, carry-folded to 8 bits
//	[1]    command byte (0xF8 = extended command class)
//	[2]    number of data words ((len(frame)-6)/2)
//	[3]    function code (Opcode)
//	[4:6]  Checksum16 over bytes 6..end, little-endian
//	[6:8]  transaction id, little-endian
//	[8:]   command payload (status byte first on responses)
const (
	HeaderSize = 6

	extendedCmdByte    = 0xF8
	streamCmdByte      = 0xF9
	checksum16Offset   = 4
	transactionOffset  = 6
	statusOffset       = 8
	payloadOffset      = 9
	minResponseLen     = HeaderSize + 3 // transaction id + status
)

// Stream sub-packet geometry. Every sub-packet is streamHeaderSize bytes
// of header, then two bytes per sample, then a two-byte backlog footer.
//
//	[0]     Checksum8
//	[1]     0xF9
//	[2]     number of data words
//	[3]     0xC0
//	[4:6]   Checksum16
//	[6:10]  missed-scan count, valid only when the error byte is set
//	[10]    rolling packet counter (wraps mod 256)
//	[11]    error byte (0 = clean)
//	[12:N-2] samples, one 16-bit little-endian word each
//	[N-2:N] device backlog indicator
const (
	StreamHeaderSize = 12
	StreamFooterSize = 2
	bytesPerSample   = 2

	streamTypeByte = 0xC0

	// Error byte values reported inside stream sub-packets.
	StreamErrAutoRecoveryActive = 59
	StreamErrAutoRecoveryEnd    = 60
)

// StreamPacketSize returns the full sub-packet size for a given
// samples-per-packet setting.
func StreamPacketSize(samplesPerPacket int) int {
	return StreamHeaderSize + samplesPerPacket*bytesPerSample + StreamFooterSize
}

// Layout carries the per-family size limits. Selected once at open time
// and held immutably by the device handle.
type Layout struct {
	Family              Family
	MaxPacket           int // largest single command/response frame, bytes
	MaxSamplesPerPacket int
	ReadChunk           int // natural transport read unit for streaming
	ClampMin            float64
	ClampMax            float64
}

var layouts = map[Family]Layout{
	FamilyU3:  {FamilyU3, 64, 25, 64, -10.3, 10.3},
	FamilyU6:  {FamilyU6, 64, 25, 64, -10.6, 10.6},
	FamilyUE9: {FamilyUE9, 512, 16, 512, -5.06, 5.06},
	// The U12 moves single samples, but its frames still carry the full
	// envelope: the largest exchange is a calibration block reply at 42
	// bytes, so the packet ceiling sits just above that.
	FamilyU12: {FamilyU12, 48, 1, 48, -10.0, 10.0},
}

// LayoutFor returns the layout constants for a device family.
func LayoutFor(f Family) Layout {
	return layouts[f]
}

// paramOrder fixes the wire order of named parameters per function code.
// Unlisted names are rejected by the encoder so a typo never silently
// encodes to a zero byte in the wrong slot.
var paramOrder = map[Opcode][]string{
	OpStreamConfig: {"NumChannels", "SamplesPerPacket", "Reserved", "ClockConfig", "ScanIntervalLo", "ScanIntervalHi"},
	OpReadCalMem:   {"BlockNum"},
	OpConfig:       {"WriteMask", "Reserved", "TimerCounterConfig", "FIOAnalog"},
	OpFeedback:     nil, // sub-command identifier leads the payload instead
	OpStreamStart:  nil,
	OpStreamStop:   nil,
}
