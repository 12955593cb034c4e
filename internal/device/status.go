package device

import (
	"sync"
	"time"

	"codeberg.org/mutker/coolerctl/internal/errors"
)

// Status is the current known state record for one device. Properties
// are written only by the device's own monitor (read properties) or
// controller (write/ack properties); reads are safe from any goroutine.
type Status struct {
	key     Key
	schema  map[string]struct{}
	values  map[string]any
	updated map[string]time.Time
	faults  map[string]string
	errors  int
	mu      sync.RWMutex
}

// NewStatus declares the property schema for one device. Writes to
// properties outside the schema are rejected.
func NewStatus(key Key, properties ...string) *Status {
	schema := make(map[string]struct{}, len(properties))
	for _, name := range properties {
		schema[name] = struct{}{}
	}

	return &Status{
		key:     key,
		schema:  schema,
		values:  make(map[string]any),
		updated: make(map[string]time.Time),
		faults:  make(map[string]string),
	}
}

func (s *Status) Key() Key {
	return s.key
}

// UpdateProperty records a fresh value with its timestamp and clears
// any prior fault for that property.
func (s *Status) UpdateProperty(name string, value any) error {
	errFactory := errors.New()

	if _, ok := s.schema[name]; !ok {
		return errFactory.WithMessage(ErrUnknownProperty, s.key.String()+": "+name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[name] = value
	s.updated[name] = time.Now()
	delete(s.faults, name)

	return nil
}

// MarkError records a fault without discarding the last good value, so
// consumers keep a correct (if stale) view. The name may be a property
// or an operation label such as "poll".
func (s *Status) MarkError(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults[name] = err.Error()
	s.errors++
}

// ClearError drops the fault recorded under name, if any.
func (s *Status) ClearError(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.faults, name)
}

// Property returns the last recorded value for a property.
func (s *Status) Property(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[name]

	return value, ok
}

// ErrorCount returns the number of faults recorded since creation.
func (s *Status) ErrorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.errors
}

// Snapshot copies the current state into a detached value object safe
// to marshal and share across process boundaries.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Type:       s.key.Type,
		ID:         s.key.ID,
		Properties: make(map[string]any, len(s.values)),
		Updated:    make(map[string]time.Time, len(s.updated)),
		ErrorCount: s.errors,
	}

	for name, value := range s.values {
		snap.Properties[name] = value
	}
	for name, at := range s.updated {
		snap.Updated[name] = at
	}
	if len(s.faults) > 0 {
		snap.Faults = make(map[string]string, len(s.faults))
		for name, msg := range s.faults {
			snap.Faults[name] = msg
		}
	}

	return snap
}
