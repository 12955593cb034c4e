package lighting_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/coolerctl/internal/color"
	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/lighting"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

type colorWrite struct {
	match   string
	channel string
	mode    string
	hex     string
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []colorWrite
	reject map[string]bool
}

func (w *fakeWriter) SetColor(_ context.Context, match, channel, mode, hex string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.writes = append(w.writes, colorWrite{match, channel, mode, hex})
	if w.reject[channel] {
		return assert.AnError
	}

	return nil
}

func (w *fakeWriter) forChannel(channel string) []colorWrite {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []colorWrite
	for _, write := range w.writes {
		if write.channel == channel {
			out = append(out, write)
		}
	}

	return out
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.writes)
}

func lightingConfig() config.Lighting {
	return config.Lighting{
		Enabled:   true,
		DegreeMin: 30,
		DegreeMax: 46,
		Channels:  []string{"ring", "logo"},
	}
}

type fixedSource struct {
	mu     sync.Mutex
	degree float64
	ok     bool
}

func (s *fixedSource) set(degree float64) {
	s.mu.Lock()
	s.degree = degree
	s.ok = true
	s.mu.Unlock()
}

func (s *fixedSource) read() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.degree, s.ok
}

func TestReapplyDerivesColorFromDegree(t *testing.T) {
	writer := &fakeWriter{}
	source := &fixedSource{}
	source.set(38)

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)
	assert.Equal(t, device.Key{Type: device.TypeLighting, ID: "led0"}, ctl.Key())

	require.NoError(t, ctl.Reapply(context.Background()))

	want := color.FromDegree(38, 30, 46).Hex()
	for _, channel := range []string{"ring", "logo"} {
		writes := writer.forChannel(channel)
		require.Len(t, writes, 1)
		assert.Equal(t, "kraken", writes[0].match)
		assert.Equal(t, "fixed", writes[0].mode)
		assert.Equal(t, want, writes[0].hex)
	}

	snap := ctl.Status().Snapshot()
	assert.InDelta(t, 38.0, snap.Properties["degree"], 0.001)
	assert.Equal(t, want, snap.Properties["color"])
}

func TestReapplySkipsUnchangedColor(t *testing.T) {
	writer := &fakeWriter{}
	source := &fixedSource{}
	source.set(38)

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	require.NoError(t, ctl.Reapply(context.Background()))
	require.NoError(t, ctl.Reapply(context.Background()))
	assert.Equal(t, 2, writer.count())
}

func TestReapplyWritesWhenDegreeMoves(t *testing.T) {
	writer := &fakeWriter{}
	source := &fixedSource{}
	source.set(38)

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	require.NoError(t, ctl.Reapply(context.Background()))
	source.set(44)
	require.NoError(t, ctl.Reapply(context.Background()))

	assert.Equal(t, 4, writer.count())
	ring := writer.forChannel("ring")
	require.Len(t, ring, 2)
	assert.NotEqual(t, ring[0].hex, ring[1].hex)
}

func TestReapplyBeforeFirstSample(t *testing.T) {
	writer := &fakeWriter{}
	source := &fixedSource{}

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	require.NoError(t, ctl.Reapply(context.Background()))
	assert.Zero(t, writer.count())

	snap := ctl.Status().Snapshot()
	assert.NotContains(t, snap.Properties, "degree")
}

func TestReapplyForcesRefreshPeriodically(t *testing.T) {
	writer := &fakeWriter{}
	source := &fixedSource{}
	source.set(38)

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	// The color never changes, yet the cache is dropped every 20
	// cycles so buses that lost state get the color again.
	for i := 0; i < 20; i++ {
		require.NoError(t, ctl.Reapply(context.Background()))
	}
	assert.Equal(t, 4, writer.count())
}

func TestApplyManualColor(t *testing.T) {
	writer := &fakeWriter{}
	source := &fixedSource{}

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	require.NoError(t, ctl.Apply(context.Background(), "color", "#ff0000"))
	writes := writer.forChannel("ring")
	require.Len(t, writes, 1)
	assert.Equal(t, "ff0000", writes[0].hex)

	snap := ctl.Status().Snapshot()
	assert.Equal(t, "ff0000", snap.Properties["color"])
}

func TestApplyValidation(t *testing.T) {
	writer := &fakeWriter{}
	source := &fixedSource{}

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	err := ctl.Apply(context.Background(), "color", "not-a-color")
	assert.True(t, errors.HasCode(err, device.ErrInvalidValue))

	err = ctl.Apply(context.Background(), "color", 0xff0000)
	assert.True(t, errors.HasCode(err, device.ErrInvalidValue))

	err = ctl.Apply(context.Background(), "brightness", 50)
	assert.True(t, errors.HasCode(err, device.ErrUnknownProperty))

	assert.Zero(t, writer.count())
}

func TestPartialChannelFailureTolerated(t *testing.T) {
	writer := &fakeWriter{reject: map[string]bool{"logo": true}}
	source := &fixedSource{}
	source.set(38)

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	require.NoError(t, ctl.Reapply(context.Background()))
	snap := ctl.Status().Snapshot()
	assert.Zero(t, snap.ErrorCount)
	assert.Equal(t, color.FromDegree(38, 30, 46).Hex(), snap.Properties["color"])

	// The accepted channel is cached, the rejected one is retried.
	require.NoError(t, ctl.Reapply(context.Background()))
	assert.Len(t, writer.forChannel("ring"), 1)
	assert.Len(t, writer.forChannel("logo"), 2)
}

func TestAllChannelsFailing(t *testing.T) {
	writer := &fakeWriter{reject: map[string]bool{"ring": true, "logo": true}}
	source := &fixedSource{}
	source.set(38)

	ctl := lighting.NewController(lightingConfig(), logger.New(), writer, "kraken", source.read)

	err := ctl.Reapply(context.Background())
	assert.True(t, errors.HasCode(err, lighting.ErrApplyFailed))

	snap := ctl.Status().Snapshot()
	assert.Contains(t, snap.Faults, "apply")
	assert.Equal(t, 1, snap.ErrorCount)

	writer.mu.Lock()
	writer.reject = nil
	writer.mu.Unlock()

	require.NoError(t, ctl.Reapply(context.Background()))
	snap = ctl.Status().Snapshot()
	assert.NotContains(t, snap.Faults, "apply")
}

func TestProfileCorrectionApplied(t *testing.T) {
	cfg := lightingConfig()
	cfg.Profile = "aorus-x470"

	writer := &fakeWriter{}
	source := &fixedSource{}
	source.set(45)

	ctl := lighting.NewController(cfg, logger.New(), writer, "kraken", source.read)

	require.NoError(t, ctl.Reapply(context.Background()))

	raw := color.FromDegree(45, 30, 46)
	want := color.ProfileByName("aorus-x470")(raw).Hex()
	writes := writer.forChannel("ring")
	require.Len(t, writes, 1)
	assert.Equal(t, want, writes[0].hex)
	assert.NotEqual(t, raw.Hex(), want)
}
