package gateway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/gateway"
)

func snapAt(deviceType device.Type, id string, props map[string]any, at time.Time) device.Snapshot {
	updated := make(map[string]time.Time, len(props))
	for name := range props {
		updated[name] = at
	}

	return device.Snapshot{
		Type:       deviceType,
		ID:         id,
		Properties: props,
		Updated:    updated,
	}
}

func TestAggregatorMergesHosts(t *testing.T) {
	agg := gateway.NewAggregator()
	now := time.Now()

	userCPU := snapAt(device.TypeCPU, "cpu0", map[string]any{"temperature": 55.0}, now)
	userCPU.ErrorCount = 2
	rootCPU := snapAt(device.TypeCPU, "cpu0", map[string]any{"powerplan": "powersave"}, now)
	rootCPU.ErrorCount = 1

	agg.Update(gateway.SourceUser, []device.Snapshot{
		snapAt(device.TypeCoolingLoop, "kraken", map[string]any{"liquid_temperature": 33.5}, now),
		userCPU,
	})
	agg.Update(gateway.SourceRoot, []device.Snapshot{
		snapAt(device.TypeGPU, "gpu0", map[string]any{"temperature": 62.0}, now),
		rootCPU,
	})

	all := agg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "kraken", all[0].ID)
	assert.Equal(t, "cpu0", all[1].ID)
	assert.Equal(t, "gpu0", all[2].ID)

	// The CPU is reported by both hosts; the merged view carries both
	// property sets and the combined fault count.
	merged := all[1]
	assert.InDelta(t, 55.0, merged.Properties["temperature"], 0.001)
	assert.Equal(t, "powersave", merged.Properties["powerplan"])
	assert.Equal(t, 3, merged.ErrorCount)
}

func TestAggregatorNewestPropertyWins(t *testing.T) {
	agg := gateway.NewAggregator()
	earlier := time.Now()
	later := earlier.Add(time.Second)

	agg.Update(gateway.SourceUser, []device.Snapshot{
		snapAt(device.TypeCPU, "cpu0", map[string]any{"utilization": 10.0}, later),
	})
	agg.Update(gateway.SourceRoot, []device.Snapshot{
		snapAt(device.TypeCPU, "cpu0", map[string]any{"utilization": 90.0}, earlier),
	})

	snap, ok := agg.Get(device.Key{Type: device.TypeCPU, ID: "cpu0"})
	require.True(t, ok)
	assert.InDelta(t, 10.0, snap.Properties["utilization"], 0.001)
	assert.Equal(t, later, snap.Updated["utilization"])
}

func TestAggregatorReplacesHostSet(t *testing.T) {
	agg := gateway.NewAggregator()
	now := time.Now()

	agg.Update(gateway.SourceUser, []device.Snapshot{
		snapAt(device.TypeCoolingLoop, "kraken", map[string]any{"liquid_temperature": 33.5}, now),
		snapAt(device.TypeLighting, "led0", map[string]any{"color": "ff0000"}, now),
	})
	require.Len(t, agg.All(), 2)

	// The lighting device disappears from the next push; the aggregate
	// follows the host's view.
	agg.Update(gateway.SourceUser, []device.Snapshot{
		snapAt(device.TypeCoolingLoop, "kraken", map[string]any{"liquid_temperature": 34.0}, now.Add(time.Second)),
	})

	all := agg.All()
	require.Len(t, all, 1)
	assert.Equal(t, device.TypeCoolingLoop, all[0].Type)
	assert.InDelta(t, 34.0, all[0].Properties["liquid_temperature"], 0.001)

	_, ok := agg.Get(device.Key{Type: device.TypeLighting, ID: "led0"})
	assert.False(t, ok)
}

func TestAggregatorGetUnknownDevice(t *testing.T) {
	agg := gateway.NewAggregator()

	_, ok := agg.Get(device.Key{Type: device.TypeGPU, ID: "gpu9"})
	assert.False(t, ok)
}
