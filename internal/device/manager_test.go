package device_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	key       device.Key
	status    *device.Status
	failErr   error
	failAfter int
	polls     int
	mu        sync.Mutex
}

func newFakeMonitor(key device.Key) *fakeMonitor {
	return &fakeMonitor{
		key:    key,
		status: device.NewStatus(key, "temperature"),
	}
}

func (f *fakeMonitor) Key() device.Key        { return f.key }
func (f *fakeMonitor) Status() *device.Status { return f.status }

func (f *fakeMonitor) Poll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls++
	if f.failErr != nil && f.polls > f.failAfter {
		return f.failErr
	}

	return f.status.UpdateProperty("temperature", 42.0)
}

func (f *fakeMonitor) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.polls
}

type appliedSetting struct {
	property string
	value    any
}

type fakeController struct {
	key      device.Key
	applyErr error
	applied  []appliedSetting
	mu       sync.Mutex
}

func (f *fakeController) Key() device.Key { return f.key }

func (f *fakeController) Apply(_ context.Context, property string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, appliedSetting{property: property, value: value})

	return nil
}

type fakeReapplier struct {
	fakeController
	reapplies int
}

func (f *fakeReapplier) Reapply(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reapplies++

	return nil
}

func (f *fakeReapplier) reapplyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reapplies
}

type statusController struct {
	fakeController
	status *device.Status
}

func (s *statusController) Status() *device.Status { return s.status }

func testManager() *device.Manager {
	return device.NewManager(logger.New(), 10*time.Millisecond)
}

func TestStartAllPartialFailure(t *testing.T) {
	m := testManager()
	defer m.StopAll()

	good1 := newFakeMonitor(device.Key{Type: device.TypeGPU, ID: "0"})
	good2 := newFakeMonitor(device.Key{Type: device.TypeCPU, ID: "0"})
	bad := newFakeMonitor(device.Key{Type: device.TypeCoolingLoop, ID: "loop0"})
	bad.failErr = errors.New().New(errors.ErrUnavailable)

	m.RegisterMonitor(good1)
	m.RegisterMonitor(good2)
	m.RegisterMonitor(bad)

	results := m.StartAll(context.Background())
	require.Len(t, results, 3)

	failed := 0
	for _, result := range results {
		if result.Err != nil {
			failed++
			assert.Equal(t, bad.Key(), result.Key)
		}
	}
	assert.Equal(t, 1, failed, "Expected exactly one startup failure")

	assert.Eventually(t, func() bool {
		return good1.pollCount() > 1 && good2.pollCount() > 1
	}, time.Second, 5*time.Millisecond, "Expected surviving monitors to keep polling")

	assert.Equal(t, 1, bad.pollCount(), "Expected no polling loop for the failed monitor")
	assert.Equal(t, 1, bad.Status().ErrorCount())
}

func TestRegisterDuplicateStopsPriorLoop(t *testing.T) {
	m := testManager()
	defer m.StopAll()

	key := device.Key{Type: device.TypeGPU, ID: "0"}
	first := newFakeMonitor(key)
	m.RegisterMonitor(first)
	m.StartAll(context.Background())

	assert.Eventually(t, func() bool {
		return first.pollCount() > 1
	}, time.Second, 5*time.Millisecond)

	second := newFakeMonitor(key)
	m.RegisterMonitor(second)

	settled := first.pollCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, first.pollCount(), "Expected the replaced monitor's loop to stop")

	m.StartAll(context.Background())
	assert.Eventually(t, func() bool {
		return second.pollCount() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopAllJoinsLoops(t *testing.T) {
	m := testManager()

	mon := newFakeMonitor(device.Key{Type: device.TypeCPU, ID: "0"})
	m.RegisterMonitor(mon)
	m.StartAll(context.Background())

	assert.Eventually(t, func() bool {
		return mon.pollCount() > 2
	}, time.Second, 5*time.Millisecond)

	m.StopAll()

	settled := mon.pollCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, mon.pollCount(), "Expected no polls after StopAll returned")
}

func TestDeviceRemovedDeregisters(t *testing.T) {
	m := testManager()
	defer m.StopAll()

	key := device.Key{Type: device.TypeGPU, ID: "0"}
	mon := newFakeMonitor(key)
	mon.failAfter = 1
	mon.failErr = errors.New().New(device.ErrRemoved)
	m.RegisterMonitor(mon)

	results := m.StartAll(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err, "Expected the startup probe to succeed")

	assert.Eventually(t, func() bool {
		_, err := m.GetStatus(key)

		return err != nil && errors.HasCode(err, device.ErrUnknownDevice)
	}, time.Second, 5*time.Millisecond, "Expected the removed device to leave the registry")
}

func TestApplyUnknownDevice(t *testing.T) {
	m := testManager()

	err := m.Apply(context.Background(), device.Key{Type: device.TypeGPU, ID: "9"}, "fan_speed_1", 50)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrUnknownDevice))
}

func TestApplyRoutesToController(t *testing.T) {
	m := testManager()

	key := device.Key{Type: device.TypeGPU, ID: "0"}
	ctl := &fakeController{key: key}
	m.RegisterController(ctl)

	require.NoError(t, m.Apply(context.Background(), key, "fan_speed_1", 72))

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	require.Len(t, ctl.applied, 1)
	assert.Equal(t, "fan_speed_1", ctl.applied[0].property)
	assert.Equal(t, 72, ctl.applied[0].value)
}

func TestApplyRemovedEvictsDevice(t *testing.T) {
	m := testManager()

	key := device.Key{Type: device.TypeLighting, ID: "led1"}
	ctl := &fakeController{key: key, applyErr: errors.New().New(device.ErrRemoved)}
	m.RegisterController(ctl)

	err := m.Apply(context.Background(), key, "color", "ff0000")
	require.Error(t, err)

	err = m.Apply(context.Background(), key, "color", "ff0000")
	assert.True(t, errors.HasCode(err, device.ErrUnknownDevice), "Expected eviction after removal")
}

func TestReapplyLoop(t *testing.T) {
	m := testManager()
	defer m.StopAll()

	ctl := &fakeReapplier{
		fakeController: fakeController{key: device.Key{Type: device.TypeLighting, ID: "led1"}},
	}
	m.RegisterController(ctl)
	m.StartAll(context.Background())

	assert.Eventually(t, func() bool {
		return ctl.reapplyCount() > 1
	}, time.Second, 5*time.Millisecond, "Expected periodic re-assertion")
}

func TestGetAllStatusesIncludesControllerOwned(t *testing.T) {
	m := testManager()

	mon := newFakeMonitor(device.Key{Type: device.TypeGPU, ID: "0"})
	require.NoError(t, mon.Poll(context.Background()))
	m.RegisterMonitor(mon)

	ledKey := device.Key{Type: device.TypeLighting, ID: "led1"}
	led := &statusController{
		fakeController: fakeController{key: ledKey},
		status:         device.NewStatus(ledKey, "color"),
	}
	require.NoError(t, led.status.UpdateProperty("color", "00ff00"))
	m.RegisterController(led)

	snaps := m.GetAllStatuses()
	require.Len(t, snaps, 2)
	assert.Equal(t, device.TypeGPU, snaps[0].Type)
	assert.Equal(t, device.TypeLighting, snaps[1].Type)
	assert.Equal(t, "00ff00", snaps[1].Properties["color"])
}
