package cellmonitor

import (
	"fmt"
	"strings"
)

const reportTimeFormat = "2006-01-02 15:04:05"

// Report renders the current cell data as text.
func (m *Monitor) Report() string {
	d := m.CellData("")
	var sb strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&sb, format, args...)
		sb.WriteByte('\n')
	}

	line("=== Cell Voltage Report ===")
	line("Generated: %s", d.Timestamp.Format(reportTimeFormat))
	line("")
	line("Overall Statistics:")
	if d.Overall.Valid {
		line("  Min Voltage: %.3fV", d.Overall.Min)
		line("  Max Voltage: %.3fV", d.Overall.Max)
		line("  Avg Voltage: %.3fV", d.Overall.Avg)
		line("  Max Spread: %.3fV", d.Overall.MaxSpread)
	} else {
		line("  No valid data available")
	}
	line("")

	for _, id := range m.BatteryIDs() {
		b, ok := d.Batteries[id]
		if !ok {
			continue
		}
		line("Battery: %s", id)
		line("  Cell Count: %d", b.CellCount)
		if !b.Valid {
			line("  No valid cell data available")
			line("")
			continue
		}
		line("  Min Voltage: %.3fV", b.Min)
		line("  Max Voltage: %.3fV", b.Max)
		line("  Avg Voltage: %.3fV", b.Avg)
		line("  Voltage Spread: %.3fV", b.Spread)
		line("  Cell Voltages:")
		header, volts, bal := "  Cell |", "  Volt |", "  Bal  |"
		for i, c := range b.Cells {
			header += fmt.Sprintf(" C%02d |", i+1)
			if c.Valid {
				volts += fmt.Sprintf(" %.3f|", c.Voltage)
			} else {
				volts += " ---- |"
			}
			if c.Balancing {
				bal += " Yes |"
			} else {
				bal += "  No |"
			}
		}
		line("%s", header)
		line("%s", volts)
		line("%s", bal)
		line("")
	}

	if len(d.RecentAlerts) > 0 {
		line("Recent Alerts:")
		for _, a := range d.RecentAlerts {
			line("  %s - %s", a.Timestamp.Format(reportTimeFormat), a)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
