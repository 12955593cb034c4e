package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// pollFault labels the status fault recorded when a poll cycle fails.
const pollFault = "poll"

// Manager owns the monitor/controller registry and their loops. One
// goroutine runs per started monitor and one per re-asserting
// controller; StopAll cancels and joins them all before returning.
type Manager struct {
	log         logger.Logger
	interval    time.Duration
	monitors    map[Key]*monitorEntry
	controllers map[Key]*controllerEntry
	mu          sync.Mutex
}

// stop cancels the loop and blocks until it has exited. It is nil while
// no loop is running. Callers must not hold the manager mutex when
// invoking it.
type monitorEntry struct {
	monitor Monitor
	stop    func()
}

type controllerEntry struct {
	controller Controller
	stop       func()
}

func NewManager(log logger.Logger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Second
	}

	return &Manager{
		log:         log,
		interval:    interval,
		monitors:    make(map[Key]*monitorEntry),
		controllers: make(map[Key]*controllerEntry),
	}
}

// RegisterMonitor adds a monitor under its key. Registering a duplicate
// key stops the prior entry's loop before replacing it.
func (m *Manager) RegisterMonitor(mon Monitor) {
	key := mon.Key()

	if stop := m.takeMonitorStop(key); stop != nil {
		stop()
		m.log.Debug().Msgf("Replaced monitor: %s", key)
	}

	m.mu.Lock()
	m.monitors[key] = &monitorEntry{monitor: mon}
	m.mu.Unlock()
}

// RegisterController adds a controller under its key, stopping a prior
// entry's re-assertion loop first.
func (m *Manager) RegisterController(ctl Controller) {
	key := ctl.Key()

	if stop := m.takeControllerStop(key); stop != nil {
		stop()
		m.log.Debug().Msgf("Replaced controller: %s", key)
	}

	m.mu.Lock()
	m.controllers[key] = &controllerEntry{controller: ctl}
	m.mu.Unlock()
}

// StartAll probes every idle monitor with one synchronous poll and
// starts a polling loop for each that succeeds. One device's startup
// failure never prevents the others from starting; the outcome for
// every probed device is reported. Controllers implementing Reapplier
// get a re-assertion loop on the same cadence. Safe to call again to
// start monitors registered after a previous StartAll.
func (m *Manager) StartAll(ctx context.Context) []StartResult {
	m.mu.Lock()
	pending := make([]*monitorEntry, 0, len(m.monitors))
	for _, entry := range m.monitors {
		if entry.stop == nil {
			pending = append(pending, entry)
		}
	}
	idle := make([]*controllerEntry, 0, len(m.controllers))
	for _, entry := range m.controllers {
		if entry.stop == nil {
			idle = append(idle, entry)
		}
	}
	m.mu.Unlock()

	results := make([]StartResult, 0, len(pending))
	for _, entry := range pending {
		key := entry.monitor.Key()

		if err := entry.monitor.Poll(ctx); err != nil {
			entry.monitor.Status().MarkError(pollFault, err)
			m.log.Error().Err(err).Msgf("Monitor failed to start: %s", key)
			results = append(results, StartResult{Key: key, Err: err})

			continue
		}

		m.startMonitorLoop(ctx, entry)
		results = append(results, StartResult{Key: key})
	}

	for _, entry := range idle {
		if reapplier, ok := entry.controller.(Reapplier); ok {
			m.startReapplyLoop(ctx, entry, reapplier)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Key.String() < results[j].Key.String()
	})

	return results
}

// StopAll cancels every running loop and blocks until all of them have
// exited, guaranteeing no further status writes afterwards.
// Registrations survive and can be started again.
func (m *Manager) StopAll() {
	m.mu.Lock()
	stops := make([]func(), 0, len(m.monitors)+len(m.controllers))
	for _, entry := range m.monitors {
		if entry.stop != nil {
			stops = append(stops, entry.stop)
			entry.stop = nil
		}
	}
	for _, entry := range m.controllers {
		if entry.stop != nil {
			stops = append(stops, entry.stop)
			entry.stop = nil
		}
	}
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}

	m.log.Debug().Msg("All device loops stopped")
}

// Apply routes an actuation command to the controller registered for
// the key. Unknown devices are rejected before anything reaches
// hardware. A controller reporting the device removed is deregistered
// together with its monitor.
func (m *Manager) Apply(ctx context.Context, key Key, property string, value any) error {
	errFactory := errors.New()

	m.mu.Lock()
	entry := m.controllers[key]
	m.mu.Unlock()

	if entry == nil {
		return errFactory.WithMessage(ErrUnknownDevice, key.String())
	}

	err := entry.controller.Apply(ctx, property, value)
	if err != nil && errors.HasCode(err, ErrRemoved) {
		m.log.Warn().Msgf("Device removed, deregistering: %s", key)
		m.dropDevice(key, true)
	}

	return err
}

// GetStatus returns a snapshot for one device, preferring its monitor's
// status over a controller-owned one.
func (m *Manager) GetStatus(key Key) (Snapshot, error) {
	errFactory := errors.New()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.monitors[key]; ok {
		return entry.monitor.Status().Snapshot(), nil
	}
	if entry, ok := m.controllers[key]; ok {
		if provider, ok := entry.controller.(StatusProvider); ok {
			return provider.Status().Snapshot(), nil
		}
	}

	return Snapshot{}, errFactory.WithMessage(ErrUnknownDevice, key.String())
}

// GetAllStatuses returns a snapshot per registered device, sorted by
// key. The set is a point-in-time approximation, not a transaction.
func (m *Manager) GetAllStatuses() []Snapshot {
	m.mu.Lock()
	snaps := make([]Snapshot, 0, len(m.monitors)+len(m.controllers))
	seen := make(map[Key]struct{}, len(m.monitors))
	for key, entry := range m.monitors {
		snaps = append(snaps, entry.monitor.Status().Snapshot())
		seen[key] = struct{}{}
	}
	for key, entry := range m.controllers {
		if _, ok := seen[key]; ok {
			continue
		}
		if provider, ok := entry.controller.(StatusProvider); ok {
			snaps = append(snaps, provider.Status().Snapshot())
		}
	}
	m.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Key().String() < snaps[j].Key().String()
	})

	return snaps
}

// Deregister stops a device's loops and removes its registrations.
func (m *Manager) Deregister(key Key) {
	m.dropDevice(key, true)
}

func (m *Manager) startMonitorLoop(ctx context.Context, entry *monitorEntry) {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	entry.stop = func() {
		cancel()
		<-done
	}
	m.mu.Unlock()

	go m.runMonitor(loopCtx, entry.monitor, done)
}

func (m *Manager) runMonitor(ctx context.Context, mon Monitor, done chan struct{}) {
	defer close(done)

	key := mon.Key()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := mon.Poll(ctx)
			if err == nil {
				mon.Status().ClearError(pollFault)

				continue
			}

			mon.Status().MarkError(pollFault, err)

			if errors.HasCode(err, ErrRemoved) {
				m.log.Warn().Msgf("Device removed, deregistering: %s", key)
				// This goroutine is the monitor loop, so only the
				// controller side needs stopping.
				m.dropDevice(key, false)

				return
			}

			m.log.Error().Err(err).Msgf("Poll failed: %s", key)
		}
	}
}

func (m *Manager) startReapplyLoop(ctx context.Context, entry *controllerEntry, reapplier Reapplier) {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	entry.stop = func() {
		cancel()
		<-done
	}
	m.mu.Unlock()

	key := entry.controller.Key()

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := reapplier.Reapply(loopCtx); err != nil {
					m.log.Error().Err(err).Msgf("Reapply failed: %s", key)
				}
			}
		}
	}()
}

// dropDevice removes a device's registrations and stops its loops.
// joinMonitor is false when the caller is the monitor loop itself,
// which exits on its own.
func (m *Manager) dropDevice(key Key, joinMonitor bool) {
	m.mu.Lock()
	mon := m.monitors[key]
	ctl := m.controllers[key]
	delete(m.monitors, key)
	delete(m.controllers, key)

	stops := make([]func(), 0, 2)
	if joinMonitor && mon != nil && mon.stop != nil {
		stops = append(stops, mon.stop)
	}
	if ctl != nil && ctl.stop != nil {
		stops = append(stops, ctl.stop)
	}
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func (m *Manager) takeMonitorStop(key Key) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.monitors[key]
	if entry == nil || entry.stop == nil {
		return nil
	}

	stop := entry.stop
	entry.stop = nil

	return stop
}

func (m *Manager) takeControllerStop(key Key) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.controllers[key]
	if entry == nil || entry.stop == nil {
		return nil
	}

	stop := entry.stop
	entry.stop = nil

	return stop
}
