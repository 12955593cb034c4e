// coolerctl-gateway is the routing host. It maintains outbound links to
// the two device hosts, merges their telemetry into one aggregate view,
// serves that view to display clients over a websocket endpoint, routes
// setting-update requests to whichever host owns the device class, and
// persists or exports the telemetry stream when configured to.
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
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/export"
	"codeberg.org/mutker/coolerctl/internal/gateway"
	"codeberg.org/mutker/coolerctl/internal/history"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"codeberg.org/mutker/coolerctl/internal/pid"
)

const role = "gateway"

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
		logger.Fatal().Err(err).Msg("Another gateway is already running")
	}

	err := run()
	if removeErr := pid.Remove(role); removeErr != nil {
		logger.Error().Err(removeErr).Msg("Failed to remove PID file")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Gateway failed")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run() error {
	log := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	interval := time.Duration(cfg.Interval) * time.Second
	heartbeat := time.Duration(cfg.Heartbeat) * time.Second
	backoff := time.Duration(cfg.Backoff) * time.Second

	recorder, err := history.New(history.Config{
		Enabled:      cfg.History.Enabled,
		DBPath:       cfg.History.Database,
		BatchSize:    cfg.History.BatchSize,
		BatchTimeout: cfg.History.BatchTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Error().Err(err).Msg("History close failed")
		}
	}()

	publisher, err := export.New(export.Config{
		Enabled:  cfg.Export.Enabled,
		Broker:   cfg.Export.Broker,
		ClientID: cfg.Export.ClientID,
		Topic:    cfg.Export.Topic,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Export close failed")
		}
	}()

	// Pushes are stamped on arrival; the history batch flushes later.
	persist := func(snapshots []device.Snapshot) {
		at := time.Now()
		if err := recorder.Record(ctx, at, snapshots); err != nil {
			log.Warn().Err(err).Msg("History record failed")
		}
		if err := publisher.Publish(ctx, snapshots); err != nil {
			log.Warn().Err(err).Msg("Telemetry export failed")
		}
	}

	agg := gateway.NewAggregator()

	// The links deliver telemetry only while running, and they start
	// after the router exists, so the late binding below never races.
	var router *gateway.Router
	rootLink := ipc.NewLink(log, gateway.SourceRoot, cfg.Sockets.Root, backoff, heartbeat,
		func(snapshots []device.Snapshot) {
			router.RootTelemetry(snapshots)
			persist(snapshots)
		})
	userLink := ipc.NewLink(log, gateway.SourceUser, cfg.Sockets.User, backoff, heartbeat,
		func(snapshots []device.Snapshot) {
			router.UserTelemetry(snapshots)
			persist(snapshots)
		})
	router = gateway.NewRouter(log, agg, rootLink, userLink)

	hub, err := gateway.NewHub(log, cfg.Sockets.Display, interval, heartbeat, agg.All, router.Route)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rootLink.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		userLink.Run(ctx)
	}()

	log.Info().Str("addr", hub.Addr()).Msg("Gateway ready")
	hub.Serve(ctx)

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
