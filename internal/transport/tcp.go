// Package transport provides the byte-level connections a device handle
// runs over: TCP for Ethernet-attached units, USB-CDC serial for the
// rest, and an in-process loopback simulator for development without
// hardware.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mlieberg/daqhost/internal/protocol"
)

// stragglerWait is how long a follow-up read waits for the tail of a
// frame that arrived split across TCP segments.
const stragglerWait = 20 * time.Millisecond

// TCP is the transport for Ethernet-attached units.
type TCP struct {
	family protocol.Family
	mu     sync.Mutex
	conn   net.Conn
}

// Dial connects to an Ethernet-attached unit at addr (host:port).
func Dial(ctx context.Context, addr string, family protocol.Family) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &TCP{family: family, conn: conn}, nil
}

func (t *TCP) Family() protocol.Family { return t.family }

func (t *TCP) Send(ctx context.Context, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	t.conn.SetWriteDeadline(deadline)
	if _, err := t.conn.Write(b); err != nil {
		return fmt.Errorf("transport: tcp write: %w", err)
	}
	return nil
}

// Receive collects up to maxBytes within the timeout. The first read
// waits the full timeout; once bytes start arriving, short follow-up
// reads pick up the rest of a frame split across segments. Returns
// whatever arrived, possibly nothing, so the caller can tell a silent
// device from a broken connection. Cancelling the context interrupts an
// in-flight read and discards any partial data.
func (t *TCP) Receive(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	buf := make([]byte, maxBytes)
	got := 0

	t.conn.SetReadDeadline(time.Now().Add(timeout))
	for got < maxBytes {
		n, err := t.conn.Read(buf[got:])
		got += n
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			if got == 0 {
				return nil, fmt.Errorf("transport: tcp read: %w", err)
			}
			break
		}
		t.conn.SetReadDeadline(time.Now().Add(stragglerWait))
	}
	return buf[:got], nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
