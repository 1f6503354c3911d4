// Package transaction allocates the per-device transaction identifiers
// used to correlate responses with their originating requests.
package transaction

import "sync"

// Reserved identifiers. The UE9 Comm firmware misparses these two values
// as stream start/stop echoes when they land in the transaction id field,
// so the counter jumps past them on every family rather than special-casing
// one device.
const (
	reservedStreamStart = 0xA8A8
	reservedStreamStop  = 0xB0B0
)

// Manager hands out strictly increasing 16-bit transaction ids, wrapping
// to 0 after 0xFFFF. Exactly one Manager exists per opened device; all
// command issuers for that device share it.
type Manager struct {
	mu   sync.Mutex
	next uint16
}

// New returns a Manager starting from the given seed. The seed is normally
// derived from the open time so two sessions against the same unit do not
// reuse each other's ids.
func New(seed uint16) *Manager {
	m := &Manager{next: seed}
	m.skipReserved()
	return m
}

// NextID returns the next transaction id. Safe for concurrent use; two
// callers never observe the same id.
func (m *Manager) NextID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.skipReserved()
	return id
}

// skipReserved must be called with mu held (or before the Manager is
// shared).
func (m *Manager) skipReserved() {
	for m.next == reservedStreamStart || m.next == reservedStreamStop {
		m.next++
	}
}

// Matches reports whether a received transaction id correlates with the
// outstanding request. Pure comparison; kept alongside NextID so the two
// halves of the contract live in one place.
func Matches(expected, received uint16) bool {
	return expected == received
}
