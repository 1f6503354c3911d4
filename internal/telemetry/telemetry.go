// Package telemetry fans live stream data out to WebSocket clients. One
// hub per process; clients that fall behind miss frames rather than
// stalling the acquisition loop.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mlieberg/daqhost/internal/stream"
)

// Hub broadcasts sample frames to all connected WebSocket clients.
type Hub struct {
	addr string
	log  *logrus.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to clients, one per pulled block.
type Frame struct {
	Device  string        `json:"device"`
	ScanHz  float64       `json:"scanHz"`
	Samples []SamplePoint `json:"samples,omitempty"`
	Backlog uint16        `json:"backlog"`
	Missed  uint32        `json:"missed,omitempty"`
	Stamp   int64         `json:"stamp"` // Unix ms
}

// SamplePoint is one calibrated reading.
type SamplePoint struct {
	Channel int     `json:"ch"`
	Value   float64 `json:"v"`
	Ordinal uint64  `json:"n"`
}

// NewHub returns a hub listening on addr once Run is called. A nil
// logger is replaced with the logrus standard logger.
func NewHub(addr string, log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		addr:    addr,
		log:     log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Run serves until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{Addr: h.addr, Handler: h.Handler()}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	h.log.WithField("addr", h.addr).Info("telemetry listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.clientsMu.Unlock()
	h.log.WithField("clients", total).Info("telemetry client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: consumes keep-alives, cleans up on disconnect.
	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, client)
			total := len(h.clients)
			h.clientsMu.Unlock()
			close(client.send)
			h.log.WithField("clients", total).Info("telemetry client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Publish converts a pulled block to a frame and fans it out. Slow
// clients are skipped, never waited on.
func (h *Hub) Publish(device string, scanHz float64, block *stream.Block) {
	frame := Frame{
		Device:  device,
		ScanHz:  scanHz,
		Backlog: block.Backlog,
		Missed:  block.Missed,
		Stamp:   time.Now().UnixMilli(),
	}
	frame.Samples = make([]SamplePoint, len(block.Samples))
	for i, s := range block.Samples {
		frame.Samples[i] = SamplePoint{Channel: s.Channel, Value: s.Value, Ordinal: s.Ordinal}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// ClientCount reports how many clients are connected.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
