package telemetry

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mlieberg/daqhost/internal/calibration"
	"github.com/mlieberg/daqhost/internal/stream"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub.Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublishReachesClient(t *testing.T) {
	hub := NewHub(":0", nil)
	conn, done := dialHub(t, hub)
	defer done()
	waitForClients(t, hub, 1)

	block := &stream.Block{
		Samples: []calibration.Sample{
			{Value: 1.25, Channel: 0, Ordinal: 0},
			{Value: -3.5, Channel: 2, Ordinal: 1},
		},
		Packets: 1,
		Backlog: 7,
	}
	hub.Publish("U6", 1000, block)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Device != "U6" || frame.ScanHz != 1000 || frame.Backlog != 7 {
		t.Errorf("frame = %+v", frame)
	}
	if len(frame.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(frame.Samples))
	}
	if frame.Samples[1].Channel != 2 || frame.Samples[1].Value != -3.5 {
		t.Errorf("sample[1] = %+v", frame.Samples[1])
	}
}

func TestDisconnectRemovesClient(t *testing.T) {
	hub := NewHub(":0", nil)
	conn, done := dialHub(t, hub)
	defer done()
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)

	// Publishing with no clients must not panic or block.
	hub.Publish("U3", 500, &stream.Block{})
}

func TestSlowClientDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(":0", nil)
	_, done := dialHub(t, hub)
	defer done()
	waitForClients(t, hub, 1)

	block := &stream.Block{Samples: []calibration.Sample{{Value: 1, Channel: 0}}}
	finished := make(chan struct{})
	go func() {
		// Far more frames than the 64-slot client buffer holds; the
		// client never reads, so the overflow must be dropped.
		for i := 0; i < 1000; i++ {
			hub.Publish("U6", 1000, block)
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow client")
	}
}
