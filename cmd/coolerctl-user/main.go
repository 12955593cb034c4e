// coolerctl-user is the unprivileged device host. It polls the cooling
// loop and the CPU sensors, drives the fan/pump duties and the lighting
// channels, and serves its telemetry to the gateway. Requests for the
// privileged device classes never land here; the gateway routes them to
// the root host instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/cooling"
	"codeberg.org/mutker/coolerctl/internal/cpu"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/lighting"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"codeberg.org/mutker/coolerctl/internal/pid"
)

const role = "user"

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load(os.Args[1:]...)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLogLevel(level)
		}
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(role); err != nil {
		logger.Fatal().Err(err).Msg("Another device host is already running")
	}

	err := run()
	if removeErr := pid.Remove(role); removeErr != nil {
		logger.Error().Err(removeErr).Msg("Failed to remove PID file")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Device host failed")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run() error {
	errFactory := errors.New()
	log := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	interval := time.Duration(cfg.Interval) * time.Second
	heartbeat := time.Duration(cfg.Heartbeat) * time.Second

	manager := device.NewManager(log, interval)

	var cpuSource cooling.CPUSource
	if cfg.CPU.Enabled {
		monitor, err := cpu.NewMonitor(cfg.CPU, log, nil)
		if err != nil {
			log.Warn().Err(err).Msg("CPU telemetry unavailable")
		} else if monitor != nil {
			manager.RegisterMonitor(monitor)
			cpuSource = monitor.Average
		}
	}

	if cfg.Cooling.Enabled {
		runner := cooling.NewRunner(time.Duration(cfg.VendorTimeout) * time.Second)
		monitor, controller, err := cooling.Setup(ctx, cfg.Cooling, log, runner, cpuSource)
		if err != nil {
			log.Warn().Err(err).Msg("Cooling loop unavailable")
		} else if monitor != nil {
			manager.RegisterMonitor(monitor)
			manager.RegisterController(controller)

			if cfg.Lighting.Enabled {
				lights := lighting.NewController(cfg.Lighting, log,
					monitor.Vendor(), monitor.Match(), monitor.LiquidAverage)
				manager.RegisterController(lights)
			}
		}
	}

	if len(manager.GetAllStatuses()) == 0 {
		return errFactory.WithMessage(errors.ErrInitFailed, "no devices on the unprivileged host")
	}

	for _, result := range manager.StartAll(ctx) {
		if result.Err != nil {
			log.Warn().Err(result.Err).Msgf("Monitor not started: %s", result.Key)
		}
	}
	defer manager.StopAll()

	server, err := ipc.NewServer(log, cfg.Sockets.User, interval, heartbeat,
		manager.GetAllStatuses,
		func(ctx context.Context, update ipc.SettingUpdate) error {
			return manager.Apply(ctx, update.Key(), update.Property, update.Value)
		})
	if err != nil {
		return err
	}

	log.Info().Str("addr", server.Addr()).Msg("Device host ready")
	server.Serve(ctx)

	return nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
