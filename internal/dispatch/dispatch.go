// Package dispatch implements the synchronous request/response path: one
// encoded command, one validated response, or one typed failure. Retry and
// backoff policy belongs to callers, never to this layer.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlieberg/daqhost/internal/device"
	"github.com/mlieberg/daqhost/internal/protocol"
	"github.com/mlieberg/daqhost/internal/transaction"
)

// Dispatcher composes the codec, the device's transaction manager, and
// its transport into single round trips.
type Dispatcher struct {
	dev   *device.Device
	codec *protocol.Codec
	log   *logrus.Logger
}

// New returns a dispatcher for one device. A nil logger is replaced with
// the logrus standard logger.
func New(dev *device.Device, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		dev:   dev,
		codec: protocol.NewCodec(dev.Family()),
		log:   log,
	}
}

// Device returns the handle this dispatcher issues commands against.
func (d *Dispatcher) Device() *device.Device { return d.dev }

// Codec returns the dispatcher's codec, shared with the stream engine so
// both sides frame against the same layout constants.
func (d *Dispatcher) Codec() *protocol.Codec { return d.codec }

// Execute performs one command round trip. The transport lock is held for
// the full send/receive pair so another command's bytes can never land
// between this request and its response. While a stream session owns the
// transport the call fails before any I/O; only the stream-control
// commands pass, since the engine claims ownership before issuing start
// and holds it through stop.
func (d *Dispatcher) Execute(ctx context.Context, op protocol.Opcode, params map[string]byte, payload []byte, timeout time.Duration) (*protocol.ResponseFrame, error) {
	if d.dev.Closed() {
		return nil, device.ErrClosed
	}
	if d.dev.InStream() && op != protocol.OpStreamStart && op != protocol.OpStreamStop {
		return nil, device.ErrInvalidState
	}

	id := d.dev.Transactions().NextID()
	wire, err := d.codec.Encode(&protocol.CommandFrame{
		Opcode:        op,
		Params:        params,
		Payload:       payload,
		TransactionID: id,
	})
	if err != nil {
		return nil, err
	}

	d.dev.LockIO()
	defer d.dev.UnlockIO()

	if err := d.dev.IO().Send(ctx, wire); err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}

	raw, err := d.dev.IO().Receive(ctx, d.codec.Layout().MaxPacket, timeout)
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}

	resp, err := d.codec.Decode(raw)
	if err != nil {
		// A buffer below the minimum frame length is a timed-out partial
		// read, not corruption.
		if errors.Is(err, protocol.ErrFrameTooShort) {
			d.log.WithFields(logrus.Fields{
				"opcode": byte(op),
				"got":    len(raw),
			}).Debug("partial response within deadline")
			return nil, ErrTimeout
		}
		return nil, err
	}
	if !resp.ChecksumOK {
		return nil, ErrChecksum
	}
	if !transaction.Matches(id, resp.TransactionID) {
		return nil, &TransactionMismatchError{Expected: id, Received: resp.TransactionID}
	}
	if resp.Status != 0 {
		return nil, &DeviceError{Code: resp.Status}
	}
	return resp, nil
}
