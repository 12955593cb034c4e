package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

const (
	wsWriteWait = 5 * time.Second
	wsReadLimit = 1 << 20

	// Three missed pings and the client is gone, matching the host
	// link liveness window.
	wsLivenessMultiple = 3
)

// Loopback-only listener.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	done chan struct{}
}

// Hub serves the display boundary: every connected client receives the
// aggregate snapshot set on the telemetry cadence and may send
// setting-update envelopes, which are routed to the owning host.
type Hub struct {
	log       logger.Logger
	interval  time.Duration
	heartbeat time.Duration
	source    ipc.SnapshotSource
	route     func(update ipc.SettingUpdate) error
	server    *http.Server
	listener  net.Listener

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub(log logger.Logger, addr string, interval, heartbeat time.Duration,
	source ipc.SnapshotSource, route func(update ipc.SettingUpdate) error,
) (*Hub, error) {
	errFactory := errors.New()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errFactory.Wrap(ErrListenFailed, err)
	}

	h := &Hub{
		log:       log,
		interval:  interval,
		heartbeat: heartbeat,
		source:    source,
		route:     route,
		listener:  listener,
		clients:   make(map[*wsClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: wsWriteWait,
	}

	return h, nil
}

// Addr returns the bound address, resolved after a ":0" listen.
func (h *Hub) Addr() string {
	return h.listener.Addr().String()
}

// Serve blocks until ctx is cancelled. Websocket connections are
// hijacked out of the http server, so they are closed by hand.
func (h *Hub) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		h.server.Close()

		h.mu.Lock()
		for c := range h.clients {
			c.conn.Close()
		}
		h.mu.Unlock()
	}()

	_ = h.server.Serve(h.listener)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Display upgrade failed")

		return
	}

	c := &wsClient{conn: conn, done: make(chan struct{})}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.log.Info().Str("peer", conn.RemoteAddr().String()).Int("clients", total).Msg("Display connected")

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	delete(h.clients, c)
	total = len(h.clients)
	h.mu.Unlock()

	h.log.Info().Str("peer", conn.RemoteAddr().String()).Int("clients", total).Msg("Display disconnected")
}

// writePump is the connection's only writer. Clients get a snapshot on
// arrival, then on every telemetry tick, with pings in between.
func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()

	push := time.NewTicker(h.interval)
	defer push.Stop()

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	if err := h.pushAggregate(c); err != nil {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case <-push.C:
			if err := h.pushAggregate(c); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pushAggregate(c *wsClient) error {
	env := ipc.Envelope{Kind: ipc.KindTelemetry, Snapshots: h.source()}

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

	return c.conn.WriteJSON(env)
}

// readPump consumes setting-update envelopes until the client drops.
func (h *Hub) readPump(c *wsClient) {
	defer close(c.done)
	defer c.conn.Close()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsLivenessMultiple * h.heartbeat))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsLivenessMultiple * h.heartbeat))
	})

	for {
		var env ipc.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Msg("Display read failed")
			}

			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsLivenessMultiple * h.heartbeat))

		if env.Kind != ipc.KindSetting || env.Setting == nil {
			continue
		}

		if err := h.route(*env.Setting); err != nil {
			h.log.Warn().Err(err).
				Str("device", env.Setting.DeviceID).
				Str("property", env.Setting.Property).
				Msg("Display setting rejected")
		}
	}
}
