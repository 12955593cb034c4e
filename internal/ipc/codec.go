// Package ipc carries telemetry and setting updates between the
// cooperating processes over persistent local TCP streams. Records are
// newline-delimited JSON envelopes; a bare "1" line is the heartbeat
// byte that lets a peer detect a dead connection faster than the OS
// timeout.
package ipc

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
)

// Record kinds on the wire.
const (
	KindTelemetry = "telemetry"
	KindSetting   = "setting-update"
	KindHeartbeat = "heartbeat"
)

// heartbeatLine is what a heartbeat looks like on the wire.
const heartbeatLine = "1"

// maxRecordSize bounds one wire record. Telemetry for a full device set
// stays well under this.
const maxRecordSize = 1 << 20

// Envelope is one wire record.
type Envelope struct {
	Kind      string            `json:"kind"`
	Snapshots []device.Snapshot `json:"snapshots,omitempty"`
	Setting   *SettingUpdate    `json:"setting,omitempty"`
}

// SettingUpdate asks the process authorized for the device class to
// apply one property change.
type SettingUpdate struct {
	DeviceType device.Type `json:"device_type"`
	DeviceID   string      `json:"device_id"`
	Property   string      `json:"property"`
	Value      any         `json:"value"`
}

// Key returns the device key the update addresses.
func (u SettingUpdate) Key() device.Key {
	return device.Key{Type: u.DeviceType, ID: u.DeviceID}
}

// Encoder frames envelopes onto a stream. Safe for concurrent use; the
// telemetry pusher and the heartbeat ticker share one connection.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) WriteTelemetry(snapshots []device.Snapshot) error {
	return e.write(Envelope{Kind: KindTelemetry, Snapshots: snapshots})
}

func (e *Encoder) WriteSetting(update SettingUpdate) error {
	return e.write(Envelope{Kind: KindSetting, Setting: &update})
}

// WriteHeartbeat sends the bare heartbeat byte and its record
// delimiter.
func (e *Encoder) WriteHeartbeat() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.WriteString(heartbeatLine + "\n"); err != nil {
		return err
	}

	return e.w.Flush()
}

func (e *Encoder) write(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(append(raw, '\n')); err != nil {
		return err
	}

	return e.w.Flush()
}

// Decoder reads envelopes off a stream. Heartbeat lines come back as
// KindHeartbeat envelopes so readers can reset their liveness window on
// any traffic.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	return &Decoder{scanner: scanner}
}

// Next blocks until one record arrives. Returns io.EOF once the stream
// is done.
func (d *Decoder) Next() (Envelope, error) {
	errFactory := errors.New()

	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if string(line) == heartbeatLine {
			return Envelope{Kind: KindHeartbeat}, nil
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, errFactory.Wrap(ErrDecodeFailed, err)
		}

		return env, nil
	}

	if err := d.scanner.Err(); err != nil {
		return Envelope{}, err
	}

	return Envelope{}, io.EOF
}
