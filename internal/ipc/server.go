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

// SnapshotSource returns the current state of every device on the host.
type SnapshotSource func() []device.Snapshot

// SettingHandler applies a setting update arriving from the peer. A
// returned error is logged and the stream continues.
type SettingHandler func(ctx context.Context, update SettingUpdate) error

// Server is the host side of a link: it accepts one peer at a time,
// pushes telemetry and heartbeats on their intervals, and dispatches
// inbound setting updates. A new connection displaces the previous one,
// so a reconnecting peer never waits on a stale socket.
type Server struct {
	log       logger.Logger
	listener  net.Listener
	interval  time.Duration
	heartbeat time.Duration
	source    SnapshotSource
	handler   SettingHandler

	mu   sync.Mutex
	conn net.Conn
}

func NewServer(log logger.Logger, addr string, interval, heartbeat time.Duration,
	source SnapshotSource, handler SettingHandler,
) (*Server, error) {
	errFactory := errors.New()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errFactory.Wrap(ErrListenFailed, err)
	}

	return &Server{
		log:       log,
		listener:  listener,
		interval:  interval,
		heartbeat: heartbeat,
		source:    source,
		handler:   handler,
	}, nil
}

// Addr returns the bound address, resolved after a ":0" listen.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			wg.Wait()

			return
		}

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		s.log.Info().Str("peer", conn.RemoteAddr().String()).Msg("Peer connected")

		wg.Add(1)

		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle serves one peer connection until it breaks or ctx ends.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := NewEncoder(conn)

	done := make(chan struct{})
	defer close(done)

	go func() {
		push := time.NewTicker(s.interval)
		defer push.Stop()

		beat := time.NewTicker(s.heartbeat)
		defer beat.Stop()

		for {
			select {
			case <-ctx.Done():
				conn.Close()

				return
			case <-done:
				return
			case <-push.C:
				if err := enc.WriteTelemetry(s.source()); err != nil {
					conn.Close()

					return
				}
			case <-beat.C:
				if err := enc.WriteHeartbeat(); err != nil {
					conn.Close()

					return
				}
			}
		}
	}()

	dec := NewDecoder(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(livenessMultiple * s.heartbeat))

		env, err := dec.Next()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("Peer disconnected")
			}

			return
		}

		if env.Kind != KindSetting || env.Setting == nil {
			continue
		}

		if s.handler == nil {
			continue
		}

		if err := s.handler(ctx, *env.Setting); err != nil {
			s.log.Warn().Err(err).
				Str("device", env.Setting.DeviceID).
				Str("property", env.Setting.Property).
				Msg("Setting update rejected")
		}
	}
}
