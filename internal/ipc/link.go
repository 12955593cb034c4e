package ipc

import (
	"context"
	"net"
	"sync"
	"time"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// State of one link worker.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const dialTimeout = 2 * time.Second

// livenessMultiple scales the heartbeat interval into the read
// deadline. Both peers emit traffic every heartbeat, so three missed
// intervals mean the connection is dead.
const livenessMultiple = 3

// TelemetryHandler consumes snapshots arriving from the peer.
type TelemetryHandler func(snapshots []device.Snapshot)

// Link maintains one outbound connection: Idle, then Connecting,
// Streaming while the peer is up, Backoff after a loss, repeating until
// the context ends in Shutdown. Telemetry received while streaming goes
// to the handler; Send pushes setting updates the other way.
type Link struct {
	log       logger.Logger
	name      string
	addr      string
	backoff   time.Duration
	heartbeat time.Duration
	telemetry TelemetryHandler

	mu    sync.Mutex
	state State
	enc   *Encoder
	conn  net.Conn
}

func NewLink(log logger.Logger, name, addr string, backoff, heartbeat time.Duration, telemetry TelemetryHandler) *Link {
	return &Link{
		log:       log,
		name:      name,
		addr:      addr,
		backoff:   backoff,
		heartbeat: heartbeat,
		telemetry: telemetry,
		state:     StateIdle,
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *Link) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// Send pushes a setting update to the peer. Fails when the link is not
// streaming; the caller decides whether to retry or surface it.
func (l *Link) Send(update SettingUpdate) error {
	errFactory := errors.New()

	l.mu.Lock()
	enc := l.enc
	l.mu.Unlock()

	if enc == nil {
		return errFactory.WithMessage(ErrNotStreaming, l.name)
	}

	return enc.WriteSetting(update)
}

// Run dials and streams until ctx is cancelled. Connection losses never
// return; they back off and retry indefinitely.
func (l *Link) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			l.setState(StateShutdown)

			return
		}

		l.setState(StateConnecting)
		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", l.addr)
		if err != nil {
			l.log.Debug().Err(err).Str("peer", l.name).Msg("Connection failed")
		} else {
			l.stream(ctx, conn)
		}

		if ctx.Err() != nil {
			l.setState(StateShutdown)

			return
		}

		l.setState(StateBackoff)
		if !waitInterruptible(ctx, l.backoff) {
			l.setState(StateShutdown)

			return
		}
	}
}

// stream serves one established connection until it breaks or ctx ends.
func (l *Link) stream(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := NewEncoder(conn)
	l.mu.Lock()
	l.state = StateStreaming
	l.enc = enc
	l.conn = conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.enc = nil
		l.conn = nil
		l.mu.Unlock()
	}()

	l.log.Info().Str("peer", l.name).Str("addr", l.addr).Msg("Link established")

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(l.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				conn.Close()

				return
			case <-done:
				return
			case <-ticker.C:
				if err := enc.WriteHeartbeat(); err != nil {
					conn.Close()

					return
				}
			}
		}
	}()

	dec := NewDecoder(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(livenessMultiple * l.heartbeat))

		env, err := dec.Next()
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn().Err(err).Str("peer", l.name).Msg("Link lost")
			}

			return
		}

		if env.Kind == KindTelemetry && l.telemetry != nil {
			l.telemetry(env.Snapshots)
		}
	}
}

func waitInterruptible(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
