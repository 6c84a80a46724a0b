package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bandsync/internal/device"
	"github.com/srg/bandsync/internal/transport/goble"
	"github.com/srg/bandsync/internal/transport/sim"
	"github.com/srg/bandsync/internal/transport/tinygo"
	"github.com/srg/bandsync/pkg/band"
	"github.com/srg/bandsync/pkg/config"
)

// demoAddress is the simulated band served by --transport sim
const demoAddress = "D0:00:00:00:00:01"

// transportFactory builds the transport selected by --transport. Tests replace it.
var transportFactory = func(name string, logger *logrus.Logger) (device.Transport, error) {
	switch name {
	case "auto":
		if runtime.GOOS == "darwin" || runtime.GOOS == "linux" {
			return goble.New(logger), nil
		}
		return tinygo.New(device.DefaultCatalog(), logger), nil
	case "goble":
		return goble.New(logger), nil
	case "tinygo":
		return tinygo.New(device.DefaultCatalog(), logger), nil
	case "sim":
		demo := sim.DemoBand(demoAddress, time.Now())
		demo.StartActivity(context.Background(), 2*time.Second)
		return sim.New(logger, demo), nil
	}
	return nil, device.Errorf(device.KindConfiguration, "unknown transport %q (must be auto, goble, tinygo or sim)", name)
}

// loadConfig reads --config and applies --log-level over it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = lvl
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", lvl)
		}
	}
	return cfg, nil
}

// configureLogger creates the command logger. Without --log-level or a config file the
// logger stays silent so that command output is not interleaved with log lines.
func configureLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	lvl, _ := cmd.Flags().GetString("log-level")
	path, _ := cmd.Flags().GetString("config")
	if lvl == "" && path == "" {
		logger.SetLevel(logrus.PanicLevel)
	}
	return logger
}

// openBand loads configuration, lets the command adjust it, and starts an engine on the
// selected transport. The caller owns the returned band and must Close it.
func openBand(cmd *cobra.Command, adjust func(*config.Config)) (*band.Band, *config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	logger := configureLogger(cmd, cfg)

	name, _ := cmd.Flags().GetString("transport")
	t, err := transportFactory(name, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	b, err := band.New(cfg, t, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return b, cfg, logger, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// awaitDevice scans until address is registered or timeout passes. A device the
// registry already knows returns immediately.
func awaitDevice(ctx context.Context, b *band.Band, address string, timeout time.Duration) error {
	if _, ok := b.Registry.Device(address); ok {
		return nil
	}

	devices := b.Registry.SubscribeDevices()
	defer devices.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.StartScan(ctx); err != nil {
		return err
	}
	defer func() { _ = b.StopScan() }()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return &device.NotFoundError{Resource: "device", IDs: []string{address}}
			}
			return ctx.Err()
		case list, ok := <-devices.C():
			if !ok {
				return device.ErrCancelled
			}
			for _, d := range list {
				if d.Address == address {
					return nil
				}
			}
		}
	}
}
