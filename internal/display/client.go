// Package display is the client side of the display boundary: it keeps
// a local cache of the latest aggregate snapshot set and republishes
// user setting requests upstream. Rendering is left to the caller.
package display

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

const (
	writeWait = 5 * time.Second

	// Matches the liveness window on the host links.
	livenessMultiple = 3
)

// UpdateFunc is called with each fresh aggregate, after the cache is
// replaced.
type UpdateFunc func(snapshots []device.Snapshot)

// Client follows the same worker states as a host link: Connecting,
// Streaming while the gateway is up, Backoff after a loss, Shutdown
// once the context ends.
type Client struct {
	log       logger.Logger
	url       string
	backoff   time.Duration
	heartbeat time.Duration
	onUpdate  UpdateFunc

	mu        sync.Mutex
	state     ipc.State
	conn      *websocket.Conn
	snapshots []device.Snapshot
}

func NewClient(log logger.Logger, addr string, backoff, heartbeat time.Duration, onUpdate UpdateFunc) *Client {
	return &Client{
		log:       log,
		url:       "ws://" + addr + "/ws",
		backoff:   backoff,
		heartbeat: heartbeat,
		onUpdate:  onUpdate,
		state:     ipc.StateIdle,
	}
}

func (c *Client) State() ipc.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) setState(state ipc.State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Snapshots returns the cached aggregate, latest first received. The
// cache survives a connection loss, so a reconnecting display keeps
// showing the last known state.
func (c *Client) Snapshots() []device.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]device.Snapshot(nil), c.snapshots...)
}

// Send forwards a setting request to the gateway.
func (c *Client) Send(update ipc.SettingUpdate) error {
	errFactory := errors.New()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errFactory.New(ErrNotConnected)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return c.conn.WriteJSON(ipc.Envelope{Kind: ipc.KindSetting, Setting: &update})
}

// Run dials and streams until ctx is cancelled, reconnecting forever.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState(ipc.StateShutdown)

			return
		}

		c.setState(ipc.StateConnecting)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			c.log.Debug().Err(err).Str("url", c.url).Msg("Gateway dial failed")
		} else {
			c.stream(ctx, conn)
		}

		if ctx.Err() != nil {
			c.setState(ipc.StateShutdown)

			return
		}

		c.setState(ipc.StateBackoff)
		if !sleepInterruptible(ctx, c.backoff) {
			c.setState(ipc.StateShutdown)

			return
		}
	}
}

func (c *Client) stream(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	c.mu.Lock()
	c.state = ipc.StateStreaming
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.log.Info().Str("url", c.url).Msg("Gateway connected")

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	deadline := time.Duration(livenessMultiple) * c.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var env ipc.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("Gateway connection lost")
			}

			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		if env.Kind != ipc.KindTelemetry {
			continue
		}

		c.mu.Lock()
		c.snapshots = env.Snapshots
		c.mu.Unlock()

		if c.onUpdate != nil {
			c.onUpdate(env.Snapshots)
		}
	}
}

func sleepInterruptible(ctx context.Context, d time.Duration) bool {
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
