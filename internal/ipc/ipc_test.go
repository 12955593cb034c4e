package ipc_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/ipc"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

func sampleSnapshot() device.Snapshot {
	status := device.NewStatus(
		device.Key{Type: device.TypeCoolingLoop, ID: "kraken"},
		"liquid_temperature", "fan_speed",
	)
	_ = status.UpdateProperty("liquid_temperature", 33.5)
	_ = status.UpdateProperty("fan_speed", 40)

	return status.Snapshot()
}

func startServer(t *testing.T, ctx context.Context, interval, heartbeat time.Duration,
	source ipc.SnapshotSource, handler ipc.SettingHandler,
) *ipc.Server {
	t.Helper()

	srv, err := ipc.NewServer(logger.New(), "127.0.0.1:0", interval, heartbeat, source, handler)
	require.NoError(t, err)

	go srv.Serve(ctx)

	return srv
}

// heartbeatLoop keeps a raw test connection alive from the peer's point
// of view.
func heartbeatLoop(ctx context.Context, conn net.Conn) {
	enc := ipc.NewEncoder(conn)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := enc.WriteHeartbeat(); err != nil {
				return
			}
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	enc := ipc.NewEncoder(&buf)
	require.NoError(t, enc.WriteTelemetry([]device.Snapshot{sampleSnapshot()}))
	require.NoError(t, enc.WriteHeartbeat())
	require.NoError(t, enc.WriteSetting(ipc.SettingUpdate{
		DeviceType: device.TypeGPU,
		DeviceID:   "gpu0",
		Property:   "fan_speed",
		Value:      55,
	}))

	dec := ipc.NewDecoder(&buf)

	env, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ipc.KindTelemetry, env.Kind)
	require.Len(t, env.Snapshots, 1)
	assert.Equal(t, device.TypeCoolingLoop, env.Snapshots[0].Type)
	assert.Equal(t, "kraken", env.Snapshots[0].ID)
	assert.InDelta(t, 33.5, env.Snapshots[0].Properties["liquid_temperature"], 0.001)

	env, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ipc.KindHeartbeat, env.Kind)

	env, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ipc.KindSetting, env.Kind)
	require.NotNil(t, env.Setting)
	assert.Equal(t, device.Key{Type: device.TypeGPU, ID: "gpu0"}, env.Setting.Key())
	assert.InDelta(t, 55, env.Setting.Value, 0.001)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	dec := ipc.NewDecoder(strings.NewReader("\n\n1\n"))

	env, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ipc.KindHeartbeat, env.Kind)
}

func TestDecoderMalformedRecord(t *testing.T) {
	dec := ipc.NewDecoder(strings.NewReader("{broken\n"))

	_, err := dec.Next()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ipc.ErrDecodeFailed))
}

func TestLinkStreamsTelemetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startServer(t, ctx, 20*time.Millisecond, 40*time.Millisecond,
		func() []device.Snapshot { return []device.Snapshot{sampleSnapshot()} }, nil)

	var (
		mu       sync.Mutex
		received []device.Snapshot
	)

	link := ipc.NewLink(logger.New(), "user", srv.Addr(), 30*time.Millisecond, 40*time.Millisecond,
		func(snapshots []device.Snapshot) {
			mu.Lock()
			received = snapshots
			mu.Unlock()
		})

	done := make(chan struct{})

	go func() {
		link.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, ipc.StateStreaming, link.State())

	mu.Lock()
	assert.Equal(t, "kraken", received[0].ID)
	assert.InDelta(t, 33.5, received[0].Properties["liquid_temperature"], 0.001)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("link did not shut down")
	}
	assert.Equal(t, ipc.StateShutdown, link.State())
}

func TestLinkSendDeliversSettingUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		applied []ipc.SettingUpdate
	)

	srv := startServer(t, ctx, 20*time.Millisecond, 40*time.Millisecond,
		func() []device.Snapshot { return nil },
		func(_ context.Context, update ipc.SettingUpdate) error {
			mu.Lock()
			applied = append(applied, update)
			mu.Unlock()

			return nil
		})

	link := ipc.NewLink(logger.New(), "root", srv.Addr(), 30*time.Millisecond, 40*time.Millisecond, nil)
	go link.Run(ctx)

	assert.Eventually(t, func() bool {
		return link.State() == ipc.StateStreaming
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, link.Send(ipc.SettingUpdate{
		DeviceType: device.TypeCPU,
		DeviceID:   "cpu0",
		Property:   "powerplan",
		Value:      "performance",
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(applied) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, device.TypeCPU, applied[0].DeviceType)
	assert.Equal(t, "powerplan", applied[0].Property)
	assert.Equal(t, "performance", applied[0].Value)
	mu.Unlock()
}

func TestLinkSendBeforeConnect(t *testing.T) {
	link := ipc.NewLink(logger.New(), "root", "127.0.0.1:1", 30*time.Millisecond, 40*time.Millisecond, nil)

	err := link.Send(ipc.SettingUpdate{
		DeviceType: device.TypeCPU,
		DeviceID:   "cpu0",
		Property:   "powerplan",
		Value:      "powersave",
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ipc.ErrNotStreaming))
	assert.Equal(t, ipc.StateIdle, link.State())
}

func TestLinkReconnectsAfterPeerRestart(t *testing.T) {
	srvCtx, stopServer := context.WithCancel(context.Background())
	srv := startServer(t, srvCtx, 20*time.Millisecond, 40*time.Millisecond,
		func() []device.Snapshot { return nil }, nil)
	addr := srv.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := ipc.NewLink(logger.New(), "root", addr, 30*time.Millisecond, 40*time.Millisecond, nil)
	go link.Run(ctx)

	assert.Eventually(t, func() bool {
		return link.State() == ipc.StateStreaming
	}, 2*time.Second, 10*time.Millisecond)

	stopServer()

	assert.Eventually(t, func() bool {
		return link.State() != ipc.StateStreaming
	}, 2*time.Second, 10*time.Millisecond)

	// Rebind the same address once the old listener is fully gone.
	srvCtx2, stopServer2 := context.WithCancel(context.Background())
	defer stopServer2()

	var srv2 *ipc.Server
	require.Eventually(t, func() bool {
		next, err := ipc.NewServer(logger.New(), addr, 20*time.Millisecond, 40*time.Millisecond,
			func() []device.Snapshot { return nil }, nil)
		if err != nil {
			return false
		}
		srv2 = next

		return true
	}, 2*time.Second, 20*time.Millisecond)

	go srv2.Serve(srvCtx2)

	assert.Eventually(t, func() bool {
		return link.State() == ipc.StateStreaming
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLinkDropsSilentPeer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	// A peer that accepts and swallows heartbeats but never answers.
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func() {
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := ipc.NewLink(logger.New(), "mute", listener.Addr().String(), 50*time.Millisecond, 30*time.Millisecond, nil)
	go link.Run(ctx)

	assert.Eventually(t, func() bool {
		return link.State() == ipc.StateStreaming
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return link.State() == ipc.StateBackoff
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServerReplacesStalePeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startServer(t, ctx, 10*time.Millisecond, 40*time.Millisecond,
		func() []device.Snapshot { return []device.Snapshot{sampleSnapshot()} }, nil)

	first, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer first.Close()

	go heartbeatLoop(ctx, first)

	firstDec := ipc.NewDecoder(first)
	_, err = firstDec.Next()
	require.NoError(t, err)

	second, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer second.Close()

	go heartbeatLoop(ctx, second)

	// The server hangs up on the displaced peer well before our own
	// read deadline.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for err == nil {
		_, err = firstDec.Next()
	}
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)

	// The replacement keeps receiving telemetry.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	secondDec := ipc.NewDecoder(second)

	var env ipc.Envelope
	for {
		env, err = secondDec.Next()
		require.NoError(t, err)

		if env.Kind == ipc.KindTelemetry {
			break
		}
	}
	require.Len(t, env.Snapshots, 1)
	assert.Equal(t, "kraken", env.Snapshots[0].ID)
}

func TestServerDropsSilentPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startServer(t, ctx, 10*time.Millisecond, 30*time.Millisecond,
		func() []device.Snapshot { return nil }, nil)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// Never heartbeat. The server gives up after three missed
	// intervals, well before our own read deadline.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	dec := ipc.NewDecoder(conn)
	for err == nil {
		_, err = dec.Next()
	}
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", ipc.StateIdle.String())
	assert.Equal(t, "connecting", ipc.StateConnecting.String())
	assert.Equal(t, "streaming", ipc.StateStreaming.String())
	assert.Equal(t, "backoff", ipc.StateBackoff.String())
	assert.Equal(t, "shutdown", ipc.StateShutdown.String())
}
