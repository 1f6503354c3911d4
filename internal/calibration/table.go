// Package calibration converts raw binary sample words into physical
// units using per-device calibration constants. Pure transformation, no
// I/O; the constants are read from the device's calibration memory at
// open time (or built from the family nominals) and never change for the
// life of a handle.
package calibration

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mlieberg/daqhost/internal/protocol"
)

// Key addresses one calibration entry. Resolution matters because the
// higher-resolution converter paths on some families carry their own
// slope/offset sets.
type Key struct {
	Channel    int
	Gain       int
	Resolution int
}

// Entry is one slope/offset pair. value = word*Slope + Offset.
type Entry struct {
	Slope  float64
	Offset float64
}

// Table holds the calibration constants for one device. Read-only after
// construction.
type Table struct {
	family  protocol.Family
	entries map[Key]Entry
}

// NewTable returns an empty table for a family. Use Set during load, then
// hand the table to the converter and stop mutating it.
func NewTable(f protocol.Family) *Table {
	return &Table{family: f, entries: make(map[Key]Entry)}
}

// Family returns the device family the table was built for.
func (t *Table) Family() protocol.Family { return t.family }

// Set stores one entry.
func (t *Table) Set(k Key, e Entry) { t.entries[k] = e }

// Lookup returns the entry for a key, or false when the constants for
// that combination were never loaded.
func (t *Table) Lookup(k Key) (Entry, bool) {
	e, ok := t.entries[k]
	return e, ok
}

// Len reports how many entries are loaded.
func (t *Table) Len() int { return len(t.entries) }

// FromFixedPoint converts the device's 64-bit fixed-point calibration
// format: a signed 32-bit integer part followed by an unsigned 32-bit
// fraction, little-endian words, fraction first.
func FromFixedPoint(b []byte) (float64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("calibration: fixed-point value needs 8 bytes, got %d", len(b))
	}
	frac := binary.LittleEndian.Uint32(b[0:4])
	whole := int32(binary.LittleEndian.Uint32(b[4:8]))
	return float64(whole) + float64(frac)/math.Pow(2, 32), nil
}

// ToFixedPoint is the inverse of FromFixedPoint, used by the loopback
// transport to fabricate calibration memory.
func ToFixedPoint(v float64) []byte {
	whole := math.Floor(v)
	frac64 := (v - whole) * math.Pow(2, 32)
	if frac64 > math.MaxUint32 {
		frac64 = math.MaxUint32
	}
	frac := uint32(frac64)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], frac)
	binary.LittleEndian.PutUint32(b[4:8], uint32(int32(whole)))
	return b
}

// Gain steps are decades: x1, x10, x100, x1000.
const maxGainIndex = 3

func resolutionRange(f protocol.Family) (int, int) {
	switch f {
	case protocol.FamilyU6:
		return 1, 12 // 9..12 are the high-resolution converter
	case protocol.FamilyU12:
		return 12, 12
	default:
		return 0, 3
	}
}

func bitWidth(f protocol.Family) int {
	if f == protocol.FamilyU12 {
		return 12
	}
	return 16
}

// Nominal builds the family's nominal calibration table: the documented
// ideal slope/offset per gain, identical across channels. Only for units
// whose calibration memory is unreadable, and only when the caller asks;
// nothing here is applied silently.
func Nominal(f protocol.Family) *Table {
	layout := protocol.LayoutFor(f)
	t := NewTable(f)

	span := layout.ClampMax - layout.ClampMin
	counts := math.Pow(2, float64(bitWidth(f)))
	resLo, resHi := resolutionRange(f)

	for ch := 0; ch < 16; ch++ {
		for gain := 0; gain <= maxGainIndex; gain++ {
			scale := math.Pow(10, float64(gain))
			e := Entry{
				Slope:  span / counts / scale,
				Offset: layout.ClampMin / scale,
			}
			for res := resLo; res <= resHi; res++ {
				t.Set(Key{Channel: ch, Gain: gain, Resolution: res}, e)
			}
		}
	}
	return t
}
