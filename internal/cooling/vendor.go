package cooling

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/coolerctl/internal/errors"
)

// Runner executes one vendor CLI invocation and returns its stdout.
// Injecting it keeps the cooling and lighting surfaces testable without
// hardware.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	binary  string
	timeout time.Duration
}

// NewRunner returns a Runner that shells out to the liquidctl CLI with
// a bounded per-call timeout.
func NewRunner(timeout time.Duration) Runner {
	return &execRunner{binary: "liquidctl", timeout: timeout}
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	errFactory := errors.New()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, errFactory.Wrap(errors.ErrTimeout, runCtx.Err())
		}

		appErr := errFactory.Wrap(ErrCommandFailed, err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			appErr = appErr.WithData(msg)
		}

		return nil, appErr
	}

	return stdout.Bytes(), nil
}

// StatusEntry is one row of a device's reported status.
type StatusEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

// Report is the parsed status output for one device.
type Report struct {
	Description string        `json:"description"`
	Status      []StatusEntry `json:"status"`
}

// Device identifies one discovered cooling device.
type Device struct {
	Description  string `json:"description"`
	SerialNumber string `json:"serial_number"`
}

// LiquidTemperature extracts the coolant temperature, if reported.
func (r Report) LiquidTemperature() (float64, bool) {
	for _, entry := range r.Status {
		key := strings.ToLower(entry.Key)
		if strings.Contains(key, "liquid") && strings.Contains(key, "temp") {
			return numeric(entry.Value)
		}
	}

	return 0, false
}

// FanRPM extracts the fan speed in RPM, if reported.
func (r Report) FanRPM() (int, bool) {
	return r.intEntry("fan", "rpm")
}

// FanDuty extracts the fan duty percentage, if reported.
func (r Report) FanDuty() (int, bool) {
	return r.intEntry("fan", "%")
}

// PumpRPM extracts the pump speed in RPM, if reported.
func (r Report) PumpRPM() (int, bool) {
	return r.intEntry("pump", "rpm")
}

// PumpDuty extracts the pump duty percentage, if reported.
func (r Report) PumpDuty() (int, bool) {
	return r.intEntry("pump", "%")
}

func (r Report) intEntry(component, unit string) (int, bool) {
	for _, entry := range r.Status {
		key := strings.ToLower(entry.Key)
		if !strings.Contains(key, component) {
			continue
		}
		if strings.EqualFold(entry.Unit, unit) ||
			(unit == "%" && (strings.Contains(key, "duty") || strings.Contains(key, "percent"))) ||
			(unit == "rpm" && strings.Contains(key, "speed")) {
			if value, ok := numeric(entry.Value); ok {
				return int(value), true
			}
		}
	}

	return 0, false
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// Vendor wraps the liquidctl CLI surface: discover, initialize, status,
// speed and color writes. All calls run in JSON mode where the CLI
// supports it.
type Vendor struct {
	runner Runner
}

func NewVendor(runner Runner) *Vendor {
	return &Vendor{runner: runner}
}

// Discover lists compatible devices, narrowed by a description
// substring when match is non-empty. Lighting-only controllers are
// filtered out; zero devices is not an error.
func (v *Vendor) Discover(ctx context.Context, match string) ([]Device, error) {
	errFactory := errors.New()

	out, err := v.runner.Run(ctx, "list", "--json")
	if err != nil {
		return nil, err
	}

	var all []Device
	if err := json.Unmarshal(out, &all); err != nil {
		return nil, errFactory.Wrap(ErrParseFailed, err)
	}

	devices := make([]Device, 0, len(all))
	for _, d := range all {
		if strings.Contains(d.Description, "LED") {
			continue
		}
		if match != "" && !strings.Contains(strings.ToLower(d.Description), strings.ToLower(match)) {
			continue
		}
		devices = append(devices, d)
	}

	return devices, nil
}

// Initialize prepares matched devices for status reads and writes.
func (v *Vendor) Initialize(ctx context.Context, match string) error {
	if match == "" {
		_, err := v.runner.Run(ctx, "initialize", "all")

		return err
	}

	_, err := v.runner.Run(ctx, "--match", match, "initialize")

	return err
}

// Status reads the current report for matched devices.
func (v *Vendor) Status(ctx context.Context, match string) ([]Report, error) {
	errFactory := errors.New()

	args := []string{"status", "--json"}
	if match != "" {
		args = append([]string{"--match", match}, args...)
	}

	out, err := v.runner.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var reports []Report
	if err := json.Unmarshal(out, &reports); err != nil {
		return nil, errFactory.Wrap(ErrParseFailed, err)
	}

	return reports, nil
}

// SetSpeed writes a fixed duty percentage to one speed channel.
func (v *Vendor) SetSpeed(ctx context.Context, match, channel string, percent int) error {
	_, err := v.runner.Run(ctx, "--match", match, "set", channel, "speed", strconv.Itoa(percent))

	return err
}

// SetColor writes a fixed color to one lighting channel. The color is
// a bare hex triplet such as ff2800.
func (v *Vendor) SetColor(ctx context.Context, match, channel, mode, hex string) error {
	_, err := v.runner.Run(ctx, "--match", match, "set", channel, "color", mode, hex)

	return err
}
