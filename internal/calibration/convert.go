package calibration

import (
	"errors"
	"fmt"

	"github.com/mlieberg/daqhost/internal/protocol"
)

// ErrUnavailable means no calibration entry exists for the requested
// (channel, gain, resolution) combination. The converter never fabricates
// a default slope/offset; callers wanting nominals must load them with
// Nominal explicitly.
var ErrUnavailable = errors.New("calibration data unavailable")

// Pseudo-channel identifiers. These are not physical analog inputs; the
// device packs combined digital I/O port states into the sample word, so
// conversion is bit unpacking rather than a slope/offset lookup.
const (
	ChannelDigitalPorts = 193 // low byte = FIO lines, high byte = EIO lines
	ChannelDigitalAux   = 194 // low 4 bits = CIO lines
)

// RawSample is one fixed-width word as it came off the wire, tagged with
// the channel it was scanned from.
type RawSample struct {
	Word    uint16
	Channel int
}

// Sample is one calibrated reading. Ordinal is the sample's position in
// the stream since start, which doubles as its timestamp once the caller
// knows the effective scan rate.
type Sample struct {
	Value   float64
	Channel int
	Ordinal uint64
}

// Converter applies one device's calibration table.
type Converter struct {
	table *Table
}

// NewConverter wraps a loaded table. The table may be nil for a device
// whose calibration was never read; every physical-channel conversion
// then fails with ErrUnavailable.
func NewConverter(table *Table) *Converter {
	return &Converter{table: table}
}

// ToPhysical converts one raw word to a physical value. Physical channels
// go through the slope/offset lookup and the result is clamped to the
// family's documented range; out-of-range inputs clamp, they do not fail.
// Pseudo-channels bypass the table entirely.
func (c *Converter) ToPhysical(word uint16, channel, gain, resolution int) (float64, error) {
	switch channel {
	case ChannelDigitalPorts:
		return float64(word), nil
	case ChannelDigitalAux:
		return float64(word & 0x000F), nil
	}

	if c.table == nil {
		return 0, fmt.Errorf("calibration: %w: no table loaded", ErrUnavailable)
	}
	entry, ok := c.table.Lookup(Key{Channel: channel, Gain: gain, Resolution: resolution})
	if !ok {
		return 0, fmt.Errorf("calibration: %w: channel=%d gain=%d resolution=%d",
			ErrUnavailable, channel, gain, resolution)
	}

	value := float64(word)*entry.Slope + entry.Offset

	layout := protocol.LayoutFor(c.table.family)
	if value > layout.ClampMax {
		value = layout.ClampMax
	}
	if value < layout.ClampMin {
		value = layout.ClampMin
	}
	return value, nil
}

// IsPseudoChannel reports whether a channel index is one of the combined
// digital readout channels.
func IsPseudoChannel(channel int) bool {
	return channel == ChannelDigitalPorts || channel == ChannelDigitalAux
}
