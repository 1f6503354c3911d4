package transaction

import (
	"sync"
	"testing"
)

func TestNextIDStrictlyIncreasing(t *testing.T) {
	m := New(100)
	prev := m.NextID()
	for i := 0; i < 1000; i++ {
		id := m.NextID()
		if id <= prev {
			t.Fatalf("id %d (#%d) not greater than previous %d", id, i, prev)
		}
		prev = id
	}
}

func TestNextIDSkipsReservedValues(t *testing.T) {
	for _, reserved := range []uint16{reservedStreamStart, reservedStreamStop} {
		m := New(reserved - 2)
		var got []uint16
		for i := 0; i < 4; i++ {
			got = append(got, m.NextID())
		}
		for _, id := range got {
			if id == reserved {
				t.Errorf("reserved id 0x%04X was issued (sequence %v)", reserved, got)
			}
		}
		// The value right after the reserved one must still come out.
		if got[2] != reserved+1 {
			t.Errorf("sequence %v does not jump past 0x%04X", got, reserved)
		}
	}
}

func TestNewDoesNotSeedOnReserved(t *testing.T) {
	m := New(reservedStreamStart)
	if id := m.NextID(); id == reservedStreamStart {
		t.Errorf("seed on reserved value leaked: got 0x%04X", id)
	}
}

func TestNextIDWrapsAround(t *testing.T) {
	m := New(0xFFFE)
	ids := []uint16{m.NextID(), m.NextID(), m.NextID()}
	if ids[0] != 0xFFFE || ids[1] != 0xFFFF || ids[2] != 0 {
		t.Errorf("wraparound sequence = %v, want [65534 65535 0]", ids)
	}
}

func TestNextIDConcurrentNoDuplicates(t *testing.T) {
	const goroutines = 16
	const perGoroutine = 200

	m := New(0)
	var wg sync.WaitGroup
	results := make([][]uint16, goroutines)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ids := make([]uint16, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				ids = append(ids, m.NextID())
			}
			results[g] = ids
		}(g)
	}
	wg.Wait()

	seen := make(map[uint16]bool, goroutines*perGoroutine)
	for _, ids := range results {
		for _, id := range ids {
			if seen[id] {
				t.Fatalf("duplicate transaction id %d", id)
			}
			seen[id] = true
		}
	}
}

func TestMatches(t *testing.T) {
	if !Matches(42, 42) {
		t.Error("Matches(42, 42) = false")
	}
	if Matches(42, 43) {
		t.Error("Matches(42, 43) = true")
	}
}
