// Package recorder captures calibrated samples to timestamped CSV files
// with automatic rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlieberg/daqhost/internal/stream"
)

// Recorder writes one CSV row per sample. Safe for use from a single
// acquisition loop; the mutex covers runtime enable/disable from
// elsewhere.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	device  string
	enabled bool
	log     *logrus.Logger

	file    *os.File
	writer  *csv.Writer
	rows    int
	maxRows int
	seq     int // rotation counter, keeps same-second filenames distinct
}

// Options configures capture location and rotation.
type Options struct {
	Enabled  bool
	Dir      string
	Device   string
	MaxLines int
}

var csvHeader = []string{"timestamp", "ordinal", "channel", "value", "missed", "backlog"}

// New creates a recorder. Nothing is opened until the first Record call.
func New(opts Options, log *logrus.Logger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Dir == "" {
		opts.Dir = "/var/log/daqhost"
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = 100_000
	}
	return &Recorder{
		dir:     opts.Dir,
		device:  opts.Device,
		enabled: opts.Enabled,
		maxRows: opts.MaxLines,
		log:     log,
	}
}

// SetEnabled toggles capture at runtime. Disabling closes the open file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// Record appends every sample in a block. Write failures are logged and
// the block is skipped; acquisition never stops because a disk filled.
func (r *Recorder) Record(block *stream.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || len(block.Samples) == 0 {
		return
	}

	now := time.Now()
	missed := strconv.FormatUint(uint64(block.Missed), 10)
	backlog := strconv.FormatUint(uint64(block.Backlog), 10)
	stamp := now.Format(time.RFC3339Nano)

	for _, s := range block.Samples {
		if r.writer == nil || r.rows >= r.maxRows {
			if err := r.rotate(now); err != nil {
				r.log.WithError(err).Warn("recorder rotate failed")
				return
			}
		}
		row := []string{
			stamp,
			strconv.FormatUint(s.Ordinal, 10),
			strconv.Itoa(s.Channel),
			strconv.FormatFloat(s.Value, 'f', 6, 64),
			missed,
			backlog,
		}
		if err := r.writer.Write(row); err != nil {
			r.log.WithError(err).Warn("recorder write failed")
			return
		}
		r.rows++
	}
	r.writer.Flush()
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotate(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	r.seq++
	name := fmt.Sprintf("daq_%s_%s_%03d.csv", r.device, now.Format("2006-01-02_150405"), r.seq)
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.WithField("path", path).Info("recorder opened")
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
