// coolerctl-status is the display client. By default it follows the
// gateway's aggregate telemetry and prints one status block per
// refresh; with the "set" subcommand it forwards a single
// setting-update request and exits.
//
//	coolerctl-status
//	coolerctl-status set <device_type> <device_id> <property> <value>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/display"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// setTimeout bounds a one-shot "set" invocation: connect, send, exit.
const setTimeout = 10 * time.Second

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
}

func main() {
	var err error
	if args := positional(os.Args[1:]); len(args) > 0 && args[0] == "set" {
		err = runSet(args[1:])
	} else {
		err = runWatch()
	}

	if err != nil {
		logger.Error().Err(err).Msg("Display client failed")
		os.Exit(1)
	}
}

func runWatch() error {
	log := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	backoff := time.Duration(cfg.Backoff) * time.Second
	heartbeat := time.Duration(cfg.Heartbeat) * time.Second

	client := display.NewClient(log, cfg.Sockets.Display, backoff, heartbeat,
		func(snapshots []device.Snapshot) {
			fmt.Println(display.FormatStatus(snapshots))
		})

	client.Run(ctx)

	return nil
}

func runSet(args []string) error {
	errFactory := errors.New()
	log := logger.New()

	if len(args) != 4 {
		return errFactory.WithMessage(errors.ErrInvalidArgument,
			"usage: coolerctl-status set <device_type> <device_id> <property> <value>")
	}

	deviceType, err := device.ParseType(args[0])
	if err != nil {
		return err
	}

	update := ipc.SettingUpdate{
		DeviceType: deviceType,
		DeviceID:   args[1],
		Property:   args[2],
		Value:      parseValue(args[3]),
	}

	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()

	client := display.NewClient(log, cfg.Sockets.Display, time.Second, time.Duration(cfg.Heartbeat)*time.Second, nil)
	go client.Run(ctx)

	for client.State() != ipc.StateStreaming {
		if ctx.Err() != nil {
			return errFactory.WithData(display.ErrNotConnected, cfg.Sockets.Display)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := client.Send(update); err != nil {
		return err
	}

	log.Info().
		Str("device", update.Key().String()).
		Str("property", update.Property).
		Interface("value", update.Value).
		Msg("Setting update sent")

	return nil
}

// parseValue picks the most specific wire type for a literal: duties
// and limits travel as numbers, auto_fan as a bool, colors and plan
// names as strings.
func parseValue(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}

	return s
}

// positional strips flag arguments, leaving the subcommand words.
func positional(args []string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, arg := range args {
		if skip {
			skip = false

			continue
		}
		if len(arg) > 0 && arg[0] == '-' {
			// Flags of the form --name value consume the next word.
			if !hasEquals(arg) && !isBoolFlag(arg) {
				skip = true
			}

			continue
		}
		out = append(out, arg)
	}

	return out
}

func hasEquals(arg string) bool {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return true
		}
	}

	return false
}

func isBoolFlag(arg string) bool {
	switch arg {
	case "--debug", "--verbose":
		return true
	default:
		return false
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	cancel()
}
