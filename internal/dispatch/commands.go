package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mlieberg/daqhost/internal/calibration"
	"github.com/mlieberg/daqhost/internal/protocol"
)

// Feedback sub-command identifiers carried in the payload of OpFeedback.
const (
	fbAnalogInput   = 0x01
	fbBitStateWrite = 0x0B
)

// ReadAnalogInput performs one single-shot analog read on a channel and
// returns the raw 16-bit word. Calibration is the caller's concern; pair
// this with a calibration.Converter for physical units.
func ReadAnalogInput(ctx context.Context, d *Dispatcher, channel, gain int, timeout time.Duration) (uint16, error) {
	payload := []byte{fbAnalogInput, byte(channel), byte(gain << 4)}
	resp, err := d.Execute(ctx, protocol.OpFeedback, nil, payload, timeout)
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) < 2 {
		return 0, fmt.Errorf("dispatch: analog read returned %d payload bytes", len(resp.Payload))
	}
	return binary.LittleEndian.Uint16(resp.Payload), nil
}

// SetDigitalOutput drives one digital line high or low.
func SetDigitalOutput(ctx context.Context, d *Dispatcher, line int, high bool, timeout time.Duration) error {
	state := byte(line & 0x1F)
	if high {
		state |= 1 << 7
	}
	_, err := d.Execute(ctx, protocol.OpFeedback, nil, []byte{fbBitStateWrite, state}, timeout)
	return err
}

// Calibration memory geometry: each block is 32 bytes holding four 64-bit
// fixed-point values: slope and offset for two consecutive gain settings.
const (
	calBlockSize      = 32
	calValuesPerBlock = 4
	calChannels       = 16
)

// LoadCalibration reads the unit's calibration memory block by block and
// builds the table the converter needs. Called once right after open,
// before any stream session exists.
func LoadCalibration(ctx context.Context, d *Dispatcher, timeout time.Duration) (*calibration.Table, error) {
	family := d.Device().Family()
	table := calibration.NewTable(family)
	resLo, resHi := calibrationResolutions(family)

	for block := 0; block < 2; block++ {
		resp, err := d.Execute(ctx, protocol.OpReadCalMem,
			map[string]byte{"BlockNum": byte(block)}, nil, timeout)
		if err != nil {
			return nil, fmt.Errorf("dispatch: calibration block %d: %w", block, err)
		}
		if len(resp.Payload) < calBlockSize {
			return nil, fmt.Errorf("dispatch: calibration block %d: short payload (%d bytes)", block, len(resp.Payload))
		}

		values := make([]float64, calValuesPerBlock)
		for i := range values {
			v, err := calibration.FromFixedPoint(resp.Payload[i*8 : i*8+8])
			if err != nil {
				return nil, err
			}
			values[i] = v
		}

		// Values land as slope, offset per gain; block 0 covers gains 0-1,
		// block 1 covers gains 2-3.
		for pair := 0; pair < 2; pair++ {
			gain := block*2 + pair
			entry := calibration.Entry{Slope: values[pair*2], Offset: values[pair*2+1]}
			for ch := 0; ch < calChannels; ch++ {
				for res := resLo; res <= resHi; res++ {
					table.Set(calibration.Key{Channel: ch, Gain: gain, Resolution: res}, entry)
				}
			}
		}
	}
	return table, nil
}

func calibrationResolutions(f protocol.Family) (int, int) {
	switch f {
	case protocol.FamilyU6:
		return 1, 12
	case protocol.FamilyU12:
		return 12, 12
	default:
		return 0, 3
	}
}
