package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/mlieberg/daqhost/internal/calibration"
	"github.com/mlieberg/daqhost/internal/protocol"
)

// ErrLoopbackClosed is returned by a loopback transport after Close.
var ErrLoopbackClosed = errors.New("transport: loopback closed")

// Feedback sub-commands the simulated firmware understands.
const (
	loopAnalogInput   = 0x01
	loopBitStateWrite = 0x0B
)

// Loopback simulates a unit in-process: commands sent to it are parsed
// and answered the way the firmware would, including calibration memory,
// stream sessions, and error statuses. Analog readings follow a slow
// sine so plotted values look alive. Useful for development and demos
// without hardware on the bench.
type Loopback struct {
	family protocol.Family
	layout protocol.Layout

	mu        sync.Mutex
	closed    bool
	pending   []byte
	streaming bool
	numCh     int
	spp       int
	seq       byte
	t         float64 // virtual time accumulator
}

// NewLoopback returns a simulated unit of the given family.
func NewLoopback(family protocol.Family) *Loopback {
	return &Loopback{family: family, layout: protocol.LayoutFor(family)}
}

func (l *Loopback) Family() protocol.Family { return l.family }

// Send parses the command and queues the response the firmware would
// produce for the next Receive.
func (l *Loopback) Send(_ context.Context, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopbackClosed
	}
	if len(b) < protocol.HeaderSize+2 {
		return nil // runt frame, firmware would ignore it
	}

	op := protocol.Opcode(b[3])
	transID := binary.LittleEndian.Uint16(b[6:8])
	body := b[8:]

	switch op {
	case protocol.OpConfig:
		l.pending = l.respond(op, transID, 0, []byte{1, 4, 1, 26}) // hw 1.4, fw 1.26

	case protocol.OpReadCalMem:
		var blockNum byte
		if len(body) > 0 {
			blockNum = body[0]
		}
		l.pending = l.respond(op, transID, 0, l.calBlock(int(blockNum)))

	case protocol.OpFeedback:
		l.pending = l.feedback(op, transID, body)

	case protocol.OpStreamConfig:
		if l.streaming {
			l.pending = l.respond(op, transID, 48, nil) // STREAM_IS_ACTIVE
			break
		}
		if len(body) < 2 || body[1] == 0 {
			l.pending = l.respond(op, transID, 50, nil) // STREAM_CONFIG_INVALID
			break
		}
		l.numCh = int(body[0])
		l.spp = int(body[1])
		l.pending = l.respond(op, transID, 0, nil)

	case protocol.OpStreamStart:
		switch {
		case l.streaming:
			l.pending = l.respond(op, transID, 48, nil)
		case l.spp == 0:
			l.pending = l.respond(op, transID, 50, nil)
		default:
			l.streaming = true
			l.seq = 0
			l.pending = l.respond(op, transID, 0, nil)
		}

	case protocol.OpStreamStop:
		if !l.streaming {
			l.pending = l.respond(op, transID, 52, nil) // STREAM_NOT_RUNNING
			break
		}
		l.streaming = false
		l.pending = l.respond(op, transID, 0, nil)

	default:
		l.pending = l.respond(op, transID, 5, nil) // FUNCTION_INVALID
	}
	return nil
}

// Receive returns the queued command response if one exists, otherwise
// stream sub-packets while a session is active, otherwise nothing, like
// a silent device.
func (l *Loopback) Receive(ctx context.Context, maxBytes int, _ time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLoopbackClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.pending != nil {
		resp := l.pending
		l.pending = nil
		if len(resp) > maxBytes {
			resp = resp[:maxBytes]
		}
		return resp, nil
	}

	if !l.streaming {
		return nil, nil
	}

	// Pace the simulated stream so a pull loop does not spin hot.
	l.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	l.mu.Lock()
	if l.closed || !l.streaming {
		return nil, nil
	}

	pktSize := protocol.StreamPacketSize(l.spp)
	count := maxBytes / pktSize
	if count > 4 {
		count = 4
	}
	out := make([]byte, 0, count*pktSize)
	for i := 0; i < count; i++ {
		samples := make([]uint16, l.spp)
		for j := range samples {
			samples[j] = l.nextWord()
		}
		out = append(out, protocol.EncodeSubPacket(l.seq, 0, 0, 0, samples)...)
		l.seq++
	}
	return out, nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// feedback answers the sub-commands the simulator supports.
func (l *Loopback) feedback(op protocol.Opcode, transID uint16, body []byte) []byte {
	if len(body) == 0 {
		return l.respond(op, transID, 5, nil)
	}
	switch body[0] {
	case loopAnalogInput:
		word := l.nextWord()
		return l.respond(op, transID, 0, []byte{byte(word), byte(word >> 8)})
	case loopBitStateWrite:
		return l.respond(op, transID, 0, nil)
	default:
		return l.respond(op, transID, 5, nil)
	}
}

// calBlock fabricates one 32-byte calibration memory block holding the
// nominal slope/offset pairs for two consecutive gain settings.
func (l *Loopback) calBlock(blockNum int) []byte {
	span := l.layout.ClampMax - l.layout.ClampMin
	block := make([]byte, 0, 32)
	for pair := 0; pair < 2; pair++ {
		gain := blockNum*2 + pair
		scale := math.Pow(10, float64(gain))
		block = append(block, calibration.ToFixedPoint(span/65536/scale)...)
		block = append(block, calibration.ToFixedPoint(l.layout.ClampMin/scale)...)
	}
	return block
}

// nextWord advances the virtual signal: a slow sine centered mid-scale.
func (l *Loopback) nextWord() uint16 {
	l.t += 0.05
	return uint16(32768 + 25000*math.Sin(l.t*0.3))
}

// respond builds a well-formed response frame echoing the transaction id.
func (l *Loopback) respond(op protocol.Opcode, transID uint16, status byte, payload []byte) []byte {
	body := binary.LittleEndian.AppendUint16(nil, transID)
	body = append(body, status)
	body = append(body, payload...)
	if len(body)%2 != 0 {
		body = append(body, 0)
	}
	buf := make([]byte, protocol.HeaderSize, protocol.HeaderSize+len(body))
	buf[1] = 0xF8
	buf[2] = byte(len(body) / 2)
	buf[3] = byte(op)
	buf = append(buf, body...)
	binary.LittleEndian.PutUint16(buf[4:], protocol.Checksum16(buf[protocol.HeaderSize:]))
	buf[0] = protocol.Checksum8(buf[1:protocol.HeaderSize])
	return buf
}
