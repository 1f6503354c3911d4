// Package stream implements the continuous-sampling engine: scan-rate
// negotiation, sub-packet reassembly, gap detection via the rolling
// sequence counter, and calibration of the raw words.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlieberg/daqhost/internal/calibration"
	"github.com/mlieberg/daqhost/internal/device"
	"github.com/mlieberg/daqhost/internal/dispatch"
	"github.com/mlieberg/daqhost/internal/protocol"
)

// State of the engine. Stop always returns to Idle; Configured is only
// entered through a configuring command the device accepted.
type State int

const (
	Idle State = iota
	Configured
	Streaming
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Streaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Config describes one streaming session. Channels may include the
// combined digital readout pseudo-channels; Gains is indexed in step with
// Channels.
type Config struct {
	Channels         []int
	Gains            []int
	Resolution       int
	ScanHz           float64
	SamplesPerPacket int
	PullTimeout      time.Duration
}

// Block is the result of one Pull: every sample extracted from the read,
// in packet order, plus the session accounting for that read.
type Block struct {
	Samples       []calibration.Sample
	Packets       int
	FirstSequence byte
	Backlog       uint16 // device-side buffer pressure, from the last sub-packet
	Missed        uint32 // scans lost to device buffer overflow (auto-recovery reports)
	AutoRecovery  bool   // device signalled auto-recovery during this block
	BadChecksums  int    // sub-packets discarded for checksum failure
}

// Clock negotiation constants. The scan clock runs at 4 MHz, optionally
// divided by 256 for low rates; the divided clock steps in 15625 Hz units.
const (
	baseClockHz    = 4_000_000
	dividedClockHz = 15_625
	maxScanInterval = 65535
)

// Engine drives one device's continuous sampling. Session state (carry
// buffer, sequence counter, channel cursor) lives here, threaded through
// Pull calls, so two devices streaming concurrently never share buffers.
type Engine struct {
	disp *dispatch.Dispatcher
	conv *calibration.Converter
	log  *logrus.Logger

	state       State
	cfg         Config
	effectiveHz float64
	packetSize  int

	// Per-session state, reset on every Start and cleared on Stop.
	expect  int // next expected sequence value; -1 until the first packet
	carry   []byte
	chanIdx int
	ordinal uint64
}

// New returns an idle engine for the dispatcher's device. A nil logger is
// replaced with the logrus standard logger.
func New(disp *dispatch.Dispatcher, conv *calibration.Converter, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{disp: disp, conv: conv, log: log, expect: -1}
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// EffectiveScanHz returns the scan rate the clock divisors actually
// produce, which can differ slightly from the requested rate.
func (e *Engine) EffectiveScanHz() float64 { return e.effectiveHz }

// Configure negotiates the session with the device: channel table, scan
// clock, samples per packet. Validation happens before any I/O; the
// transition to Configured happens only when the device accepts the
// command.
func (e *Engine) Configure(ctx context.Context, cfg Config) error {
	if e.state == Streaming {
		return device.ErrInvalidState
	}
	layout := e.disp.Codec().Layout()

	if len(cfg.Channels) == 0 {
		return &ConfigurationError{Reason: "no channels"}
	}
	if len(cfg.Gains) != len(cfg.Channels) {
		return &ConfigurationError{Reason: fmt.Sprintf("%d gains for %d channels", len(cfg.Gains), len(cfg.Channels))}
	}
	if cfg.SamplesPerPacket < 1 || cfg.SamplesPerPacket > layout.MaxSamplesPerPacket {
		return &ConfigurationError{Reason: fmt.Sprintf("samples per packet %d outside 1..%d (%s)",
			cfg.SamplesPerPacket, layout.MaxSamplesPerPacket, layout.Family)}
	}
	if cfg.ScanHz <= 0 {
		return &ConfigurationError{Reason: "scan rate must be positive"}
	}
	// A doomed transfer is rejected here, not discovered mid-stream: the
	// per-scan data for the channel table has to fit one packet payload.
	payloadRoom := layout.MaxPacket - protocol.StreamHeaderSize - protocol.StreamFooterSize
	if cfg.SamplesPerPacket*len(cfg.Channels)*2 > payloadRoom {
		return &ConfigurationError{Reason: fmt.Sprintf("%d samples x %d channels exceeds %d payload bytes (%s)",
			cfg.SamplesPerPacket, len(cfg.Channels), payloadRoom, layout.Family)}
	}

	clockConfig, scanInterval, effective := negotiateScanRate(cfg.ScanHz, cfg.Resolution)

	channelTable := make([]byte, 0, len(cfg.Channels)*2)
	for i, ch := range cfg.Channels {
		channelTable = append(channelTable, byte(ch), byte(cfg.Gains[i]))
	}

	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = time.Second
	}

	_, err := e.disp.Execute(ctx, protocol.OpStreamConfig, map[string]byte{
		"NumChannels":      byte(len(cfg.Channels)),
		"SamplesPerPacket": byte(cfg.SamplesPerPacket),
		"ClockConfig":      clockConfig,
		"ScanIntervalLo":   byte(scanInterval & 0xFF),
		"ScanIntervalHi":   byte(scanInterval >> 8),
	}, channelTable, cfg.PullTimeout)
	if err != nil {
		return fmt.Errorf("stream configure: %w", err)
	}

	e.cfg = cfg
	e.effectiveHz = effective
	e.packetSize = protocol.StreamPacketSize(cfg.SamplesPerPacket)
	e.state = Configured

	e.log.WithFields(logrus.Fields{
		"device":   layout.Family.String(),
		"channels": len(cfg.Channels),
		"scan_hz":  effective,
	}).Info("stream configured")
	return nil
}

// negotiateScanRate maps a requested scan frequency onto the clock
// divisor scheme: below 1 kHz the divided clock is used so low rates stay
// representable in the 16-bit interval field.
func negotiateScanRate(hz float64, resolution int) (clockConfig byte, scanInterval uint16, effective float64) {
	clockConfig = byte(resolution & 0x03)
	clock := float64(baseClockHz)
	if hz < 1000 {
		clockConfig |= 1 << 2 // divide by 256
		clock = float64(dividedClockHz)
	}

	interval := clock / hz
	if interval < 1 {
		interval = 1
	}
	if interval > maxScanInterval {
		interval = maxScanInterval
	}
	scanInterval = uint16(interval)
	effective = clock / float64(scanInterval)
	return clockConfig, scanInterval, effective
}

// Start begins the session. Fails unless the engine is Configured. On
// success the sequence counter and carry buffer are reset before the
// first read, so nothing from a previous session can leak into this one.
func (e *Engine) Start(ctx context.Context) error {
	if e.state != Configured {
		return ErrNotConfigured
	}

	// Ownership is claimed before the command goes out: once the device
	// accepts it, stream bytes can arrive immediately, and no other
	// command may be on the wire by then.
	if !e.disp.Device().BeginStream() {
		return device.ErrInvalidState
	}
	if _, err := e.disp.Execute(ctx, protocol.OpStreamStart, nil, []byte{0, 0}, e.cfg.PullTimeout); err != nil {
		e.disp.Device().EndStream()
		return fmt.Errorf("stream start: %w", err)
	}

	e.resetSession()
	e.state = Streaming
	e.log.WithField("device", e.disp.Device().Family().String()).Info("stream started")
	return nil
}

// Pull performs one transport read and returns every complete sub-packet's
// worth of calibrated samples. Residual bytes stay in the carry buffer for
// the next call. A sequence gap comes back as a *DroppedPacketError next
// to a still-valid Block; any other error is fatal to the call.
func (e *Engine) Pull(ctx context.Context) (*Block, error) {
	if e.state != Streaming {
		return nil, ErrNotStreaming
	}

	dev := e.disp.Device()
	dev.LockIO()
	raw, err := dev.IO().Receive(ctx, e.disp.Codec().Layout().ReadChunk, e.cfg.PullTimeout)
	dev.UnlockIO()
	if err != nil {
		// Cancellation aborts the read cleanly: no partial data is merged
		// into the carry buffer.
		return nil, err
	}

	data := raw
	if len(e.carry) > 0 {
		data = append(e.carry, raw...)
	}

	block := &Block{}
	var dropped *DroppedPacketError

	n := 0
	for ; (n+1)*e.packetSize <= len(data); n++ {
		pkt, err := protocol.DecodeSubPacket(data[n*e.packetSize:(n+1)*e.packetSize], e.cfg.SamplesPerPacket)
		if err != nil {
			return nil, err
		}
		if !pkt.ChecksumOK {
			block.BadChecksums++
			e.log.WithField("sequence", pkt.Sequence).Warn("stream sub-packet failed checksum")
			continue
		}

		if block.Packets == 0 {
			block.FirstSequence = pkt.Sequence
		}
		block.Packets++
		block.Backlog = pkt.Backlog

		if e.expect >= 0 && int(pkt.Sequence) != e.expect {
			gap := int(pkt.Sequence-byte(e.expect)) & 0xFF
			// The lost packets consumed channel slots; move the cursor
			// past them so the samples that did arrive keep their channels.
			e.chanIdx = (e.chanIdx + gap*e.cfg.SamplesPerPacket) % len(e.cfg.Channels)
			if dropped == nil {
				dropped = &DroppedPacketError{Expected: byte(e.expect), Got: pkt.Sequence, Gap: gap}
			}
			e.log.WithFields(logrus.Fields{
				"expected": e.expect,
				"got":      pkt.Sequence,
				"gap":      gap,
			}).Warn("stream sequence gap")
		}
		e.expect = int(pkt.Sequence+1) & 0xFF

		switch pkt.ErrorByte {
		case 0:
		case protocol.StreamErrAutoRecoveryActive:
			block.AutoRecovery = true
		case protocol.StreamErrAutoRecoveryEnd:
			// Report packet: the sample words are filler, only the missed
			// count matters.
			block.AutoRecovery = true
			block.Missed += pkt.Missed
			continue
		default:
			e.log.WithField("code", pkt.ErrorByte).Warn("stream packet error byte")
		}

		for _, word := range pkt.Samples {
			ch := e.cfg.Channels[e.chanIdx]
			gain := e.cfg.Gains[e.chanIdx]
			e.chanIdx = (e.chanIdx + 1) % len(e.cfg.Channels)

			value, err := e.conv.ToPhysical(word, ch, gain, e.cfg.Resolution)
			if err != nil {
				return nil, err
			}
			block.Samples = append(block.Samples, calibration.Sample{
				Value:   value,
				Channel: ch,
				Ordinal: e.ordinal,
			})
			e.ordinal++
		}
	}

	// Leftover bytes wait for the next read to complete them.
	e.carry = append(e.carry[:0], data[n*e.packetSize:]...)

	if dropped != nil {
		return block, dropped
	}
	return block, nil
}

// Stop ends the session and returns the engine to Idle. Sequence counter,
// carry buffer, and channel cursor are cleared so a later session cannot
// inherit stale offsets and misattribute samples to the wrong channels.
func (e *Engine) Stop(ctx context.Context) error {
	if e.state != Streaming {
		return ErrNotStreaming
	}

	// Ownership is held through the stop exchange so no other command can
	// interleave with the final stream bytes. The session is torn down
	// either way; a failed stop command does not leave a phantom owner.
	_, err := e.disp.Execute(ctx, protocol.OpStreamStop, nil, []byte{0, 0}, e.cfg.PullTimeout)
	e.disp.Device().EndStream()
	e.resetSession()
	e.state = Idle
	if err != nil {
		return fmt.Errorf("stream stop: %w", err)
	}
	e.log.WithField("device", e.disp.Device().Family().String()).Info("stream stopped")
	return nil
}

func (e *Engine) resetSession() {
	e.expect = -1
	e.carry = nil
	e.chanIdx = 0
	e.ordinal = 0
}
