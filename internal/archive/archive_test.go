package archive

import (
	"context"
	"testing"
	"time"

	"github.com/mlieberg/daqhost/internal/calibration"
	"github.com/mlieberg/daqhost/internal/stream"
)

func TestNewRecordFromBlock(t *testing.T) {
	block := &stream.Block{
		Samples: []calibration.Sample{
			{Value: 0.5, Channel: 0, Ordinal: 40},
			{Value: 1.5, Channel: 1, Ordinal: 41},
			{Value: 2.5, Channel: 0, Ordinal: 42},
		},
		Backlog: 12,
		Missed:  3,
	}

	rec := newRecord("UE9", 250, block)
	if rec.Device != "UE9" || rec.ScanHz != 250 {
		t.Errorf("identity = %q %v", rec.Device, rec.ScanHz)
	}
	if rec.First != 40 {
		t.Errorf("first ordinal = %d, want 40", rec.First)
	}
	if len(rec.Values) != 3 || rec.Values[2] != 2.5 {
		t.Errorf("values = %v", rec.Values)
	}
	if len(rec.Chans) != 3 || rec.Chans[1] != 1 {
		t.Errorf("chans = %v", rec.Chans)
	}
	if rec.Backlog != 12 || rec.Missed != 3 {
		t.Errorf("accounting = %d/%d", rec.Backlog, rec.Missed)
	}
}

func TestNewRecordEmptyBlock(t *testing.T) {
	rec := newRecord("U3", 1000, &stream.Block{})
	if len(rec.Values) != 0 || len(rec.Chans) != 0 || rec.First != 0 {
		t.Errorf("empty block produced %+v", rec)
	}
}

func TestNewFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Port 1 is never a Redis server.
	_, err := New(ctx, Options{Addr: "127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("connected to nothing")
	}
}
