// Package config loads the host configuration from YAML with environment
// variable overrides on top. Defaults are always valid: a missing file
// gives a demo setup that runs against the loopback simulator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mlieberg/daqhost/internal/protocol"
)

// ParseFamily maps a configured family name to its protocol tag.
func ParseFamily(s string) (protocol.Family, error) {
	switch strings.ToUpper(s) {
	case "U3":
		return protocol.FamilyU3, nil
	case "U6":
		return protocol.FamilyU6, nil
	case "UE9":
		return protocol.FamilyUE9, nil
	case "U12":
		return protocol.FamilyU12, nil
	default:
		return 0, fmt.Errorf("config: unknown device family %q", s)
	}
}

// Config holds everything the daqhost process needs.
type Config struct {
	Device    DeviceConfig    `yaml:"device" json:"device"`
	Stream    StreamConfig    `yaml:"stream" json:"stream"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive" json:"archive"`
	Recorder  RecorderConfig  `yaml:"recorder" json:"recorder"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// DeviceConfig selects the unit and how to reach it.
type DeviceConfig struct {
	Family  string `yaml:"family" json:"family"`   // "U3", "U6", "UE9", "U12"
	Medium  string `yaml:"medium" json:"medium"`   // "usb", "ethernet", "loopback"
	Address string `yaml:"address" json:"address"` // host:port for ethernet
	Port    string `yaml:"port" json:"port"`       // serial device path for usb
	Baud    int    `yaml:"baud" json:"baud"`

	// Command round-trip timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Fall back to the family's nominal calibration when the unit's
	// calibration memory cannot be read.
	AllowNominalCal bool `yaml:"allow_nominal_cal" json:"allowNominalCal"`
}

// StreamConfig describes the continuous-sampling session.
type StreamConfig struct {
	Channels         []int   `yaml:"channels" json:"channels"`
	Gains            []int   `yaml:"gains" json:"gains"`
	Resolution       int     `yaml:"resolution" json:"resolution"`
	ScanHz           float64 `yaml:"scan_hz" json:"scanHz"`
	SamplesPerPacket int     `yaml:"samples_per_packet" json:"samplesPerPacket"`

	PullTimeout time.Duration `yaml:"pull_timeout" json:"pullTimeout"`
}

// TelemetryConfig controls the websocket fan-out of live samples.
type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// ArchiveConfig controls the Redis sample archive.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
	Keep     int    `yaml:"keep" json:"keep"` // blocks retained per device list
}

// RecorderConfig controls CSV capture to disk.
type RecorderConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Dir      string `yaml:"dir" json:"dir"`
	MaxLines int    `yaml:"max_lines" json:"maxLines"` // rotate after this many rows
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // "debug", "info", "warn", "error"
	Format string `yaml:"format" json:"format"` // "text" or "json"
}

// Default returns a config that runs against the loopback simulator.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Family:          "U6",
			Medium:          "loopback",
			Address:         "192.168.1.209:52360",
			Port:            "/dev/ttyACM0",
			Baud:            115200,
			Timeout:         time.Second,
			AllowNominalCal: false,
		},
		Stream: StreamConfig{
			Channels:         []int{0, 1},
			Gains:            []int{0, 0},
			Resolution:       1,
			ScanHz:           1000,
			SamplesPerPacket: 16,
			PullTimeout:      250 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Channel: "daq_samples",
			Keep:    1000,
		},
		Recorder: RecorderConfig{
			Enabled:  false,
			Dir:      "/var/log/daqhost",
			MaxLines: 100000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads YAML from path over the defaults, then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides reads environment variables over the file values.
// Supported: DAQ_FAMILY, DAQ_MEDIUM, DAQ_ADDRESS, DAQ_PORT, DAQ_BAUD,
// DAQ_SCAN_HZ, TELEMETRY_ADDR, REDIS_ADDR, REDIS_PASSWORD, LOG_LEVEL,
// LOG_FORMAT.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DAQ_FAMILY"); v != "" {
		c.Device.Family = v
	}
	if v := os.Getenv("DAQ_MEDIUM"); v != "" {
		c.Device.Medium = v
	}
	if v := os.Getenv("DAQ_ADDRESS"); v != "" {
		c.Device.Address = v
	}
	if v := os.Getenv("DAQ_PORT"); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv("DAQ_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Baud = n
		}
	}
	if v := os.Getenv("DAQ_SCAN_HZ"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Stream.ScanHz = n
		}
	}
	if v := os.Getenv("TELEMETRY_ADDR"); v != "" {
		c.Telemetry.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Archive.Addr = v
		c.Archive.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Archive.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate rejects configurations that cannot open a device at all.
// Stream geometry is checked again by the engine against the family
// layout; this only catches what would fail before any I/O.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Device.Family) {
	case "U3", "U6", "UE9", "U12":
	default:
		return fmt.Errorf("config: unknown device family %q", c.Device.Family)
	}

	switch strings.ToLower(c.Device.Medium) {
	case "usb":
		if c.Device.Port == "" {
			return fmt.Errorf("config: usb medium needs device.port")
		}
	case "ethernet":
		if c.Device.Address == "" {
			return fmt.Errorf("config: ethernet medium needs device.address")
		}
	case "loopback":
	default:
		return fmt.Errorf("config: unknown medium %q", c.Device.Medium)
	}

	if len(c.Stream.Channels) == 0 {
		return fmt.Errorf("config: no stream channels")
	}
	if len(c.Stream.Gains) != len(c.Stream.Channels) {
		return fmt.Errorf("config: %d gains for %d channels",
			len(c.Stream.Gains), len(c.Stream.Channels))
	}
	return nil
}
