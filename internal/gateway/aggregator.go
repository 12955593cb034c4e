// Package gateway joins the two device hosts into one view: it merges
// their telemetry, serves the aggregate to display clients, and routes
// setting updates back to whichever host owns the device class.
package gateway

import (
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/coolerctl/internal/device"
)

// Aggregator holds the latest telemetry push per host. Each push is
// that host's complete device set, so replacing it wholesale also
// evicts devices the host deregistered.
type Aggregator struct {
	mu      sync.Mutex
	sources map[string]map[device.Key]device.Snapshot
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		sources: make(map[string]map[device.Key]device.Snapshot),
	}
}

// Update replaces one host's device set with its latest push.
func (a *Aggregator) Update(source string, snapshots []device.Snapshot) {
	set := make(map[device.Key]device.Snapshot, len(snapshots))
	for _, snap := range snapshots {
		set[snap.Key()] = snap
	}

	a.mu.Lock()
	a.sources[source] = set
	a.mu.Unlock()
}

// Get returns the merged view of one device.
func (a *Aggregator) Get(key device.Key) (device.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		merged device.Snapshot
		found  bool
	)

	for _, set := range a.sources {
		snap, ok := set[key]
		if !ok {
			continue
		}
		if !found {
			merged = snap
			found = true

			continue
		}
		merged = mergeSnapshots(merged, snap)
	}

	return merged, found
}

// All returns the aggregate sorted by key, same order as a host's own
// status listing. A device reported by both hosts (the CPU: sensors on
// the user host, power plans on the root host) merges per property with
// the newest timestamp winning collisions; fault counts add up since
// each host counts its own failures.
func (a *Aggregator) All() []device.Snapshot {
	a.mu.Lock()
	merged := make(map[device.Key]device.Snapshot)
	for _, set := range a.sources {
		for key, snap := range set {
			if prior, ok := merged[key]; ok {
				merged[key] = mergeSnapshots(prior, snap)
			} else {
				merged[key] = snap
			}
		}
	}
	a.mu.Unlock()

	snaps := make([]device.Snapshot, 0, len(merged))
	for _, snap := range merged {
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Key().String() < snaps[j].Key().String()
	})

	return snaps
}

func mergeSnapshots(base, extra device.Snapshot) device.Snapshot {
	out := device.Snapshot{
		Type:       base.Type,
		ID:         base.ID,
		Properties: make(map[string]any, len(base.Properties)+len(extra.Properties)),
		Updated:    make(map[string]time.Time, len(base.Updated)+len(extra.Updated)),
		ErrorCount: base.ErrorCount + extra.ErrorCount,
	}

	for name, value := range base.Properties {
		out.Properties[name] = value
	}
	for name, at := range base.Updated {
		out.Updated[name] = at
	}

	for name, value := range extra.Properties {
		if at, ok := out.Updated[name]; ok && at.After(extra.Updated[name]) {
			continue
		}
		out.Properties[name] = value
		if at, ok := extra.Updated[name]; ok {
			out.Updated[name] = at
		}
	}

	if len(base.Faults) > 0 || len(extra.Faults) > 0 {
		out.Faults = make(map[string]string, len(base.Faults)+len(extra.Faults))
		for name, msg := range base.Faults {
			out.Faults[name] = msg
		}
		for name, msg := range extra.Faults {
			out.Faults[name] = msg
		}
	}

	return out
}
