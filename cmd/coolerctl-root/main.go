// coolerctl-root is the privileged actuator host. It owns the hardware
// surfaces that need root (NVML fan/power control, cpufreq power
// plans), serves telemetry to the gateway and accepts only the
// setting-update instructions the gateway relays for its device
// classes. It never dials out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/cpu"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/gpu"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"codeberg.org/mutker/coolerctl/internal/pid"
)

const role = "root"

// settleDelay holds off the first power-plan decision so boot-time
// churn does not trigger a plan flip.
const settleDelay = time.Minute

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
		logger.Fatal().Err(err).Msg("Another privileged host is already running")
	}

	err := run()
	if removeErr := pid.Remove(role); removeErr != nil {
		logger.Error().Err(removeErr).Msg("Failed to remove PID file")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Privileged host failed")
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

	var (
		gpuVendor      *gpu.Vendor
		gpuControllers []*gpu.Controller
	)
	if cfg.GPU.Enabled {
		vendor, monitors, controllers, err := gpu.Setup(cfg.GPU, log)
		if err != nil {
			log.Warn().Err(err).Msg("GPU support unavailable")
		} else if vendor != nil {
			gpuVendor = vendor
			gpuControllers = controllers
			for _, monitor := range monitors {
				manager.RegisterMonitor(monitor)
			}
			for _, controller := range controllers {
				manager.RegisterController(controller)
			}
		}
	}
	defer func() {
		for _, controller := range gpuControllers {
			if err := controller.Restore(); err != nil {
				log.Error().Err(err).Msgf("Failed to restore GPU defaults: %s", controller.Key())
			}
		}
		if gpuVendor != nil {
			if err := gpuVendor.Shutdown(); err != nil {
				log.Error().Err(err).Msg("NVML shutdown failed")
			}
		}
	}()

	var policy *cpu.Policy
	if cfg.CPU.Enabled {
		plans, err := cpu.NewPlanManager(log, cfg.CPU.SysfsRoot)
		if err != nil {
			log.Warn().Err(err).Msg("CPU power-plan control unavailable")
		} else {
			policy = cpu.NewPolicy(cfg.CPU, log, plans, nil)
			manager.RegisterController(cpu.NewController(log, plans, policy))
		}
	}

	// Neither surface came up: nothing to actuate, nothing to serve.
	if len(manager.GetAllStatuses()) == 0 {
		return errFactory.WithMessage(errors.ErrInitFailed, "no controllable devices on the privileged host")
	}

	for _, result := range manager.StartAll(ctx) {
		if result.Err != nil {
			log.Warn().Err(result.Err).Msgf("Monitor not started: %s", result.Key)
		}
	}
	defer manager.StopAll()

	var wg sync.WaitGroup
	if policy != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			policy.Run(ctx, settleDelay)
		}()
	}

	server, err := ipc.NewServer(log, cfg.Sockets.Root, interval, heartbeat,
		manager.GetAllStatuses,
		func(ctx context.Context, update ipc.SettingUpdate) error {
			return manager.Apply(ctx, update.Key(), update.Property, update.Value)
		})
	if err != nil {
		return err
	}

	log.Info().Str("addr", server.Addr()).Msg("Privileged host ready")
	server.Serve(ctx)

	wg.Wait()

	return nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
