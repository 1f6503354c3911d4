package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		family Family
		frame  CommandFrame
	}{
		{
			name:   "stream config with params",
			family: FamilyU3,
			frame: CommandFrame{
				Opcode: OpStreamConfig,
				Params: map[string]byte{
					"NumChannels":      2,
					"SamplesPerPacket": 25,
					"ScanIntervalLo":   0x10,
					"ScanIntervalHi":   0x27,
				},
				Payload:       []byte{0, 31, 1, 31},
				TransactionID: 0x1234,
			},
		},
		{
			name:   "stream start",
			family: FamilyU6,
			frame:  CommandFrame{Opcode: OpStreamStart, Payload: []byte{0, 0}, TransactionID: 0xFFFE},
		},
		{
			name:   "odd payload gets padded",
			family: FamilyUE9,
			frame: CommandFrame{
				Opcode:        OpReadCalMem,
				Params:        map[string]byte{"BlockNum": 3},
				TransactionID: 7,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := NewCodec(tt.family)
			wire, err := codec.Encode(&tt.frame)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(wire)%2 != 0 {
				t.Errorf("encoded frame has odd length %d", len(wire))
			}
			if wire[1] != 0xF8 {
				t.Errorf("command byte = 0x%02X, want 0xF8", wire[1])
			}
			if Opcode(wire[3]) != tt.frame.Opcode {
				t.Errorf("function code = 0x%02X, want 0x%02X", wire[3], byte(tt.frame.Opcode))
			}

			// A command echoed back verbatim must decode with both
			// checksums valid and the transaction id intact.
			resp, err := codec.Decode(wire)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !resp.ChecksumOK {
				t.Error("checksums did not validate on round trip")
			}
			if resp.TransactionID != tt.frame.TransactionID {
				t.Errorf("transaction id = 0x%04X, want 0x%04X", resp.TransactionID, tt.frame.TransactionID)
			}
			if resp.Opcode != tt.frame.Opcode {
				t.Errorf("opcode = 0x%02X, want 0x%02X", byte(resp.Opcode), byte(tt.frame.Opcode))
			}
		})
	}
}

func TestSingleBitFlipFailsChecksum(t *testing.T) {
	codec := NewCodec(FamilyU3)
	wire, err := codec.Encode(&CommandFrame{
		Opcode:        OpStreamConfig,
		Params:        map[string]byte{"NumChannels": 1, "SamplesPerPacket": 10},
		Payload:       []byte{0, 31},
		TransactionID: 0xBEEF,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Flip every bit of every payload byte, one at a time. Each corruption
	// must be caught; an additive checksum over single-byte changes has no
	// blind spots.
	for i := HeaderSize; i < len(wire); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), wire...)
			corrupted[i] ^= 1 << bit
			resp, err := codec.Decode(corrupted)
			if err != nil {
				t.Fatalf("Decode(byte %d bit %d): %v", i, bit, err)
			}
			if resp.ChecksumOK {
				t.Errorf("bit flip at byte %d bit %d passed checksum", i, bit)
			}
		}
	}
}

func TestDecodeRejectsShortFrames(t *testing.T) {
	codec := NewCodec(FamilyU6)
	for n := 0; n < minResponseLen; n++ {
		_, err := codec.Decode(make([]byte, n))
		if !errors.Is(err, ErrFrameTooShort) {
			t.Errorf("Decode(%d bytes) = %v, want ErrFrameTooShort", n, err)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	codec := NewCodec(FamilyU3)
	_, err := codec.Encode(&CommandFrame{
		Opcode:  OpFeedback,
		Payload: bytes.Repeat([]byte{0xAA}, LayoutFor(FamilyU3).MaxPacket),
	})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode oversized = %v, want ErrPayloadTooLarge", err)
	}

	// The same payload fits in the UE9's larger frames.
	if _, err := NewCodec(FamilyUE9).Encode(&CommandFrame{
		Opcode:  OpFeedback,
		Payload: bytes.Repeat([]byte{0xAA}, LayoutFor(FamilyU3).MaxPacket),
	}); err != nil {
		t.Errorf("Encode on UE9 layout: %v", err)
	}
}

func TestEveryLayoutAdmitsItsFrames(t *testing.T) {
	for _, family := range []Family{FamilyU3, FamilyU6, FamilyUE9, FamilyU12} {
		layout := LayoutFor(family)
		codec := NewCodec(family)

		// The smallest real exchange must encode and decode on every
		// family, the little U12 included.
		wire, err := codec.Encode(&CommandFrame{Opcode: OpStreamStart, Payload: []byte{0, 0}, TransactionID: 9})
		if err != nil {
			t.Errorf("%s Encode minimal command: %v", family, err)
			continue
		}
		resp, err := codec.Decode(wire)
		if err != nil {
			t.Errorf("%s Decode minimal frame: %v", family, err)
			continue
		}
		if !resp.ChecksumOK || resp.TransactionID != 9 {
			t.Errorf("%s minimal round trip: checksum=%v txn=%d", family, resp.ChecksumOK, resp.TransactionID)
		}

		// A calibration block reply (32 payload bytes plus the envelope)
		// is the largest command response any family exchanges.
		if calReply := HeaderSize + 2 + 1 + 32 + 1; calReply > layout.MaxPacket {
			t.Errorf("%s MaxPacket %d cannot hold a %d-byte calibration reply", family, layout.MaxPacket, calReply)
		}
		if pkt := StreamPacketSize(layout.MaxSamplesPerPacket); pkt > layout.ReadChunk {
			t.Errorf("%s ReadChunk %d smaller than one sub-packet (%d)", family, layout.ReadChunk, pkt)
		}
	}
}

func TestEncodeRejectsUnknownParam(t *testing.T) {
	codec := NewCodec(FamilyU3)
	_, err := codec.Encode(&CommandFrame{
		Opcode: OpStreamConfig,
		Params: map[string]byte{"SamplesPerPakcet": 25},
	})
	if !errors.Is(err, ErrUnknownParam) {
		t.Errorf("Encode with typo param = %v, want ErrUnknownParam", err)
	}
}

func TestSubPacketRoundTrip(t *testing.T) {
	samples := []uint16{0x0000, 0x7FFF, 0x8000, 0xFFFF, 0x1234}
	wire := EncodeSubPacket(42, 0, 0, 3, samples)
	if len(wire) != StreamPacketSize(len(samples)) {
		t.Fatalf("sub-packet size = %d, want %d", len(wire), StreamPacketSize(len(samples)))
	}

	p, err := DecodeSubPacket(wire, len(samples))
	if err != nil {
		t.Fatalf("DecodeSubPacket: %v", err)
	}
	if !p.ChecksumOK {
		t.Error("checksums did not validate")
	}
	if p.Sequence != 42 {
		t.Errorf("sequence = %d, want 42", p.Sequence)
	}
	if p.Backlog != 3 {
		t.Errorf("backlog = %d, want 3", p.Backlog)
	}
	if len(p.Samples) != len(samples) {
		t.Fatalf("sample count = %d, want %d", len(p.Samples), len(samples))
	}
	for i, s := range samples {
		if p.Samples[i] != s {
			t.Errorf("sample %d = 0x%04X, want 0x%04X", i, p.Samples[i], s)
		}
	}
}

func TestSubPacketAutoRecoveryReport(t *testing.T) {
	wire := EncodeSubPacket(7, StreamErrAutoRecoveryEnd, 150, 0, []uint16{0xFFFF})
	p, err := DecodeSubPacket(wire, 1)
	if err != nil {
		t.Fatalf("DecodeSubPacket: %v", err)
	}
	if p.ErrorByte != StreamErrAutoRecoveryEnd {
		t.Errorf("error byte = %d, want %d", p.ErrorByte, StreamErrAutoRecoveryEnd)
	}
	if p.Missed != 150 {
		t.Errorf("missed = %d, want 150", p.Missed)
	}
}

func TestChecksum8CarryFold(t *testing.T) {
	// 5 x 0xFF sums to 0x4FB; folding gives 0x4FB -> 0xFF, not 0xFB.
	got := Checksum8([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	if got != 0xFF {
		t.Errorf("Checksum8(5x0xFF) = 0x%02X, want 0xFF", got)
	}
	if Checksum8(nil) != 0 {
		t.Errorf("Checksum8(nil) != 0")
	}
}

func TestChecksum16Wraparound(t *testing.T) {
	b := bytes.Repeat([]byte{0xFF}, 1024)
	// 1024 * 0xFF = 0x3FC00; only the low 16 bits survive.
	want := uint16(0xFC00)
	if got := Checksum16(b); got != want {
		t.Errorf("Checksum16 = 0x%04X, want 0x%04X", got, want)
	}
}

func TestErrorString(t *testing.T) {
	if s := ErrorString(48); s != "STREAM_IS_ACTIVE (48)" {
		t.Errorf("ErrorString(48) = %q", s)
	}
	if s := ErrorString(200); s != "UNKNOWN_ERROR (200)" {
		t.Errorf("ErrorString(200) = %q", s)
	}
}
