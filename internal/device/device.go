// Package device models one opened data-acquisition unit: its family tag,
// connection medium, calibration table, and the transaction-id generator
// shared by everything that issues commands against it.
package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlieberg/daqhost/internal/calibration"
	"github.com/mlieberg/daqhost/internal/protocol"
	"github.com/mlieberg/daqhost/internal/transaction"
)

var (
	// ErrClosed means the handle was closed and can no longer be used.
	ErrClosed = errors.New("device handle closed")

	// ErrInvalidState means a command was rejected before any I/O because
	// a stream session currently owns the transport.
	ErrInvalidState = errors.New("operation invalid while streaming")
)

// Transport is the raw byte collaborator the core consumes. Implementations
// cover USB-CDC serial and TCP; the core never assumes which one it has.
// Receive returns whatever arrived within the timeout, up to maxBytes; a
// cancelled context aborts an in-flight read rather than blocking.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error)
	Family() protocol.Family
	Close() error
}

// Options carries the identity read from the unit at open time.
type Options struct {
	Medium          protocol.Medium
	HardwareVersion string
	FirmwareVersion string
	ResolutionBits  int
	TransactionSeed uint16
}

// Device is one opened unit. Owned exclusively by the caller session;
// created by Open, destroyed by Close.
type Device struct {
	family protocol.Family
	medium protocol.Medium

	HardwareVersion string
	FirmwareVersion string
	ResolutionBits  int

	io   Transport
	ioMu sync.Mutex

	txn *transaction.Manager

	calMu sync.RWMutex
	cal   *calibration.Table

	streaming atomic.Bool
	closed    atomic.Bool
}

// Open wraps a transport into a device handle. Exactly one transaction
// manager is created here; there is no way to swap it afterward.
func Open(t Transport, opts Options) *Device {
	seed := opts.TransactionSeed
	if seed == 0 {
		seed = uint16(time.Now().UnixNano())
	}
	return &Device{
		family:          t.Family(),
		medium:          opts.Medium,
		HardwareVersion: opts.HardwareVersion,
		FirmwareVersion: opts.FirmwareVersion,
		ResolutionBits:  opts.ResolutionBits,
		io:              t,
		txn:             transaction.New(seed),
	}
}

// Family returns the device family tag.
func (d *Device) Family() protocol.Family { return d.family }

// Medium returns the connection medium the handle was opened over.
func (d *Device) Medium() protocol.Medium { return d.medium }

// Layout returns the family's immutable layout constants.
func (d *Device) Layout() protocol.Layout { return protocol.LayoutFor(d.family) }

// Transactions returns the device's transaction-id generator.
func (d *Device) Transactions() *transaction.Manager { return d.txn }

// IO returns the transport. Callers must hold the I/O lock around any
// paired send/receive so two commands never interleave on the wire.
func (d *Device) IO() Transport { return d.io }

// LockIO acquires exclusive use of the transport.
func (d *Device) LockIO() { d.ioMu.Lock() }

// UnlockIO releases the transport.
func (d *Device) UnlockIO() { d.ioMu.Unlock() }

// SetCalibration installs the table read from the unit's calibration
// memory. Loaded once at open time, read-only thereafter.
func (d *Device) SetCalibration(t *calibration.Table) {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	d.cal = t
}

// Calibration returns the installed table, or nil when none was loaded.
func (d *Device) Calibration() *calibration.Table {
	d.calMu.RLock()
	defer d.calMu.RUnlock()
	return d.cal
}

// BeginStream marks the transport as owned by a stream session. Returns
// false if a session is already active.
func (d *Device) BeginStream() bool {
	return d.streaming.CompareAndSwap(false, true)
}

// EndStream releases stream ownership.
func (d *Device) EndStream() { d.streaming.Store(false) }

// InStream reports whether a stream session owns the transport.
func (d *Device) InStream() bool { return d.streaming.Load() }

// Closed reports whether Close was called.
func (d *Device) Closed() bool { return d.closed.Load() }

// Close releases the transport. Safe to call twice.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.streaming.Store(false)
	return d.io.Close()
}
