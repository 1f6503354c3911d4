package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlieberg/daqhost/internal/archive"
	"github.com/mlieberg/daqhost/internal/calibration"
	"github.com/mlieberg/daqhost/internal/config"
	"github.com/mlieberg/daqhost/internal/device"
	"github.com/mlieberg/daqhost/internal/dispatch"
	"github.com/mlieberg/daqhost/internal/protocol"
	"github.com/mlieberg/daqhost/internal/recorder"
	"github.com/mlieberg/daqhost/internal/stream"
	"github.com/mlieberg/daqhost/internal/telemetry"
	"github.com/mlieberg/daqhost/internal/transport"
)

var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "/etc/daqhost/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the loopback simulator")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("daqhost v%s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daqhost: %v\n", err)
		os.Exit(1)
	}
	if *demo {
		cfg.Device.Medium = "loopback"
	}

	log := setupLogger(cfg.Log)
	log.WithFields(logrus.Fields{
		"version": Version,
		"family":  cfg.Device.Family,
		"medium":  cfg.Device.Medium,
	}).Info("daqhost starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("daqhost exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	family, err := config.ParseFamily(cfg.Device.Family)
	if err != nil {
		return err
	}

	io, medium, err := openWithRetry(ctx, cfg.Device, family, log)
	if err != nil {
		return err
	}

	dev := device.Open(io, device.Options{Medium: medium})
	defer dev.Close()
	disp := dispatch.New(dev, log)

	table, err := dispatch.LoadCalibration(ctx, disp, cfg.Device.Timeout)
	if err != nil {
		if !cfg.Device.AllowNominalCal {
			return fmt.Errorf("calibration memory unreadable (set allow_nominal_cal to fall back): %w", err)
		}
		log.WithError(err).Warn("calibration memory unreadable, using nominal constants")
		table = calibration.Nominal(family)
	}
	dev.SetCalibration(table)

	eng := stream.New(disp, calibration.NewConverter(table), log)

	hub := telemetry.NewHub(cfg.Telemetry.ListenAddr, log)
	if cfg.Telemetry.Enabled {
		go func() {
			if err := hub.Run(ctx); err != nil {
				log.WithError(err).Error("telemetry server failed")
			}
		}()
	}

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		arch, err = archive.New(ctx, archive.Options{
			Addr:     cfg.Archive.Addr,
			Password: cfg.Archive.Password,
			DB:       cfg.Archive.DB,
			Channel:  cfg.Archive.Channel,
			Keep:     cfg.Archive.Keep,
		}, log)
		if err != nil {
			return err
		}
		defer arch.Close()
	}

	rec := recorder.New(recorder.Options{
		Enabled:  cfg.Recorder.Enabled,
		Dir:      cfg.Recorder.Dir,
		Device:   family.String(),
		MaxLines: cfg.Recorder.MaxLines,
	}, log)
	defer rec.Close()

	if err := eng.Configure(ctx, stream.Config{
		Channels:         cfg.Stream.Channels,
		Gains:            cfg.Stream.Gains,
		Resolution:       cfg.Stream.Resolution,
		ScanHz:           cfg.Stream.ScanHz,
		SamplesPerPacket: cfg.Stream.SamplesPerPacket,
		PullTimeout:      cfg.Stream.PullTimeout,
	}); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	log.WithField("scan_hz", eng.EffectiveScanHz()).Info("acquisition running")

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if eng.State() == stream.Streaming {
			if err := eng.Stop(stopCtx); err != nil {
				log.WithError(err).Warn("stream stop failed")
			}
		}
	}()

	deviceName := family.String()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		block, err := eng.Pull(ctx)
		if err != nil {
			var dropped *stream.DroppedPacketError
			if errors.As(err, &dropped) {
				log.WithField("gap", dropped.Gap).Warn("stream packets dropped")
			} else {
				return fmt.Errorf("stream pull: %w", err)
			}
		}
		if block == nil || len(block.Samples) == 0 {
			continue
		}

		if cfg.Telemetry.Enabled {
			hub.Publish(deviceName, eng.EffectiveScanHz(), block)
		}
		if arch != nil {
			if err := arch.Store(ctx, deviceName, eng.EffectiveScanHz(), block); err != nil {
				log.WithError(err).Warn("archive store failed")
			}
		}
		rec.Record(block)
	}
}

// openWithRetry opens the transport with exponential backoff: 1s doubling
// to 30s, until the context is cancelled. Units that enumerate late after
// a reboot connect as soon as they appear.
func openWithRetry(ctx context.Context, cfg config.DeviceConfig, family protocol.Family, log *logrus.Logger) (device.Transport, protocol.Medium, error) {
	delay := time.Second
	const maxDelay = 30 * time.Second

	for attempt := 1; ; attempt++ {
		io, medium, err := openTransport(ctx, cfg, family)
		if err == nil {
			return io, medium, nil
		}

		log.WithError(err).WithField("attempt", attempt).Warn("device open failed, retrying")
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// openTransport builds the transport for the configured medium.
func openTransport(ctx context.Context, cfg config.DeviceConfig, family protocol.Family) (device.Transport, protocol.Medium, error) {
	switch cfg.Medium {
	case "ethernet":
		t, err := transport.Dial(ctx, cfg.Address, family)
		return t, protocol.MediumEthernet, err
	case "usb":
		t, err := transport.OpenSerial(cfg.Port, cfg.Baud, family)
		return t, protocol.MediumUSB, err
	default:
		return transport.NewLoopback(family), protocol.MediumUSB, nil
	}
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return log
}
