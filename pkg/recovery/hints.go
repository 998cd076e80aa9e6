package recovery

import (
	"fmt"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

var categoryHints = map[Category][]string{
	CategoryTimeout: {
		"Check system load",
		"Verify hardware connectivity",
		"Review timeout configuration",
	},
	CategoryResourceExhaustion: {
		"Check memory usage",
		"Verify resource limits",
		"Review allocation patterns",
	},
	CategoryHardware: {
		"Check hardware connections",
		"Verify power supply",
		"Review hardware specifications",
	},
	CategoryProtocolViolation: {
		"Check firmware version",
		"Capture bus traffic for the device",
		"Review driver protocol handling",
	},
	CategoryUnknown: {
		"Inspect device trace log",
	},
}

var classHints = map[device.Class][]string{
	device.ClassHub:     {"USB hub: reset the upstream port", "USB hub: power cycle the hub", "USB hub: reload the hub driver"},
	device.ClassNetwork: {"Network adapter: reset the device", "Network adapter: reload the driver"},
	device.ClassStorage: {"Storage controller: reload the driver before resetting", "Storage controller: check for pending I/O"},
}

// historyWindow is how far back ContextualHints looks for repeat faults.
const historyWindow = 10 * time.Minute

// ContextualHints returns advisory text for a record from its category,
// device class, the learned pattern and recent device history.
func (m *Manager) ContextualHints(rec Record) []string {
	var hints []string
	hints = append(hints, categoryHints[rec.Category]...)
	hints = append(hints, classHints[rec.Class]...)

	if p, ok := m.Pattern(PatternKey{Category: rec.Category, Class: rec.Class}); ok {
		if best, st := p.Best(); st.Attempts > 0 {
			hints = append(hints, fmt.Sprintf("Most effective strategy for %s: %s (p=%.2f over %d attempts)",
				p.Key, best, st.Probability, st.Attempts))
		}
		if p.RetryBudget == 0 {
			hints = append(hints, "Retries are exhausted for this fault pattern")
		}
	}

	if n := len(m.DeviceHistory(rec.DeviceID, m.now().Add(-historyWindow))); n > 1 {
		hints = append(hints, fmt.Sprintf("Device %s reported %d faults in the last %s", rec.DeviceID, n, historyWindow))
	}
	if rec.Status == StatusFatal {
		hints = append(hints, fmt.Sprintf("Device %s is isolated; reinstate it after inspection", rec.DeviceID))
	}
	return hints
}
