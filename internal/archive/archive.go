// Package archive persists pulled sample blocks to Redis: a Pub/Sub
// channel for live consumers plus a capped per-device list as a short
// replay buffer.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mlieberg/daqhost/internal/stream"
)

// Options configures the Redis connection and retention.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Keep     int // blocks retained in the replay list per device
}

// Archive writes sample blocks to Redis.
type Archive struct {
	client  *redis.Client
	channel string
	keep    int64
	log     *logrus.Logger
}

// Record is the JSON document stored per block.
type Record struct {
	Device  string    `json:"device"`
	ScanHz  float64   `json:"scanHz"`
	Values  []float64 `json:"values"`
	Chans   []int     `json:"chans"`
	First   uint64    `json:"first"` // ordinal of the first sample
	Missed  uint32    `json:"missed,omitempty"`
	Backlog uint16    `json:"backlog"`
	Stamp   int64     `json:"stamp"` // Unix ms
}

func newRecord(device string, scanHz float64, block *stream.Block) Record {
	rec := Record{
		Device:  device,
		ScanHz:  scanHz,
		Missed:  block.Missed,
		Backlog: block.Backlog,
		Stamp:   time.Now().UnixMilli(),
	}
	if len(block.Samples) > 0 {
		rec.First = block.Samples[0].Ordinal
		rec.Values = make([]float64, len(block.Samples))
		rec.Chans = make([]int, len(block.Samples))
		for i, s := range block.Samples {
			rec.Values[i] = s.Value
			rec.Chans[i] = s.Channel
		}
	}
	return rec
}

// New connects to Redis and verifies the connection before returning.
func New(ctx context.Context, opts Options, log *logrus.Logger) (*Archive, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Channel == "" {
		opts.Channel = "daq_samples"
	}
	if opts.Keep <= 0 {
		opts.Keep = 1000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("archive: connect %s: %w", opts.Addr, err)
	}
	log.WithField("addr", opts.Addr).Info("archive connected")

	return &Archive{
		client:  client,
		channel: opts.Channel,
		keep:    int64(opts.Keep),
		log:     log,
	}, nil
}

// Store publishes one block and appends it to the device's replay list.
// The list append is best-effort; a failure there is logged, not fatal.
func (a *Archive) Store(ctx context.Context, device string, scanHz float64, block *stream.Block) error {
	rec := newRecord(device, scanHz, block)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}

	if err := a.client.Publish(ctx, a.channel, data).Err(); err != nil {
		return fmt.Errorf("archive: publish: %w", err)
	}

	listKey := fmt.Sprintf("daq:%s:blocks", device)
	if err := a.client.LPush(ctx, listKey, data).Err(); err != nil {
		a.log.WithError(err).Warn("archive list append failed")
		return nil
	}
	a.client.LTrim(ctx, listKey, 0, a.keep-1)
	return nil
}

// Replay returns up to n of the most recent records for a device,
// newest first.
func (a *Archive) Replay(ctx context.Context, device string, n int) ([]Record, error) {
	listKey := fmt.Sprintf("daq:%s:blocks", device)
	raw, err := a.client.LRange(ctx, listKey, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("archive: replay %s: %w", device, err)
	}
	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			a.log.WithError(err).Warn("archive record unreadable, skipped")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases the Redis connection.
func (a *Archive) Close() error {
	return a.client.Close()
}
