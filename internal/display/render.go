package display

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/coolerctl/internal/device"
)

// FormatStatus renders one compact line per device: the device key,
// properties in name order, and a fault marker when the device is
// reporting errors.
func FormatStatus(snapshots []device.Snapshot) string {
	lines := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		lines = append(lines, formatDevice(snap))
	}

	return strings.Join(lines, "\n")
}

func formatDevice(snap device.Snapshot) string {
	names := make([]string, 0, len(snap.Properties))
	for name := range snap.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(snap.Key().String())
	for _, name := range names {
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(formatValue(snap.Properties[name]))
	}
	if len(snap.Faults) > 0 {
		b.WriteString(" [faults:")
		b.WriteString(strconv.Itoa(len(snap.Faults)))
		b.WriteString("]")
	}

	return b.String()
}

// formatValue keeps numbers short; telemetry arrives as float64 after
// the JSON roundtrip.
func formatValue(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', 1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', 1, 32)
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
