package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/mlieberg/daqhost/internal/protocol"
)

// chunkWait bounds each blocking serial read so the loop can notice a
// cancelled context between chunks.
const chunkWait = 50 * time.Millisecond

// Serial is the transport for USB-attached units, which enumerate as
// CDC-ACM serial ports.
type Serial struct {
	family protocol.Family
	mu     sync.Mutex
	port   serial.Port
}

// OpenSerial opens the named port. CDC-ACM ignores the line rate, but
// some USB-serial bridges still want a real one, so it is configurable.
func OpenSerial(path string, baud int, family protocol.Family) (*Serial, error) {
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(chunkWait); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set timeout on %s: %w", path, err)
	}
	return &Serial{family: family, port: port}, nil
}

func (s *Serial) Family() protocol.Family { return s.family }

func (s *Serial) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.port.Write(b); err != nil {
		return fmt.Errorf("transport: serial write: %w", err)
	}
	return nil
}

// Receive collects up to maxBytes within the timeout. Reads run in
// chunkWait slices so a cancelled context is noticed promptly; a chunk
// that returns nothing after data has arrived ends the frame.
func (s *Serial) Receive(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, maxBytes)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < maxBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.port.Read(buf[got:])
		if err != nil {
			if got == 0 {
				return nil, fmt.Errorf("transport: serial read: %w", err)
			}
			break
		}
		got += n
		if n == 0 {
			// Chunk elapsed with silence: either the frame is complete or
			// the device never answered within the timeout.
			if got > 0 || time.Now().After(deadline) {
				break
			}
		}
	}
	return buf[:got], nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
