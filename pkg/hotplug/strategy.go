package hotplug

import (
	"fmt"
	"strings"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// Strategy is a per-bus detection strategy.
type Strategy uint8

const (
	// StrategyAuto takes the default strategy of the bus kind.
	StrategyAuto Strategy = iota

	// StrategyPolling rescans at a fixed interval.
	StrategyPolling

	// StrategyInterrupt rescans when the bus signals a change.
	StrategyInterrupt

	// StrategyEventDriven rescans when an external source calls Notify.
	StrategyEventDriven

	// StrategyAdaptive polls until the bus proves change notification, then
	// switches to interrupt mode. Repeated failures fall back to polling with
	// a growing interval.
	StrategyAdaptive
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "AUTO"
	case StrategyPolling:
		return "POLLING"
	case StrategyInterrupt:
		return "INTERRUPT"
	case StrategyEventDriven:
		return "EVENT_DRIVEN"
	case StrategyAdaptive:
		return "ADAPTIVE"
	default:
		return "UNKNOWN"
	}
}

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "", "auto":
		return StrategyAuto, nil
	case "polling", "poll":
		return StrategyPolling, nil
	case "interrupt":
		return StrategyInterrupt, nil
	case "event-driven", "event", "eventdriven":
		return StrategyEventDriven, nil
	case "adaptive":
		return StrategyAdaptive, nil
	}
	return 0, fmt.Errorf("unknown detection strategy %q", s)
}

// Capabilities describes what detection a bus kind supports.
type Capabilities struct {
	SupportsInterrupt bool
	MaxDevices        int
	DefaultStrategy   Strategy
	PollInterval      time.Duration
	ScanTimeout       time.Duration
}

var capabilities = map[device.BusKind]Capabilities{
	device.BusUSB: {
		SupportsInterrupt: true,
		MaxDevices:        127,
		DefaultStrategy:   StrategyEventDriven,
		PollInterval:      time.Second,
		ScanTimeout:       5 * time.Second,
	},
	device.BusPCI: {
		SupportsInterrupt: true,
		MaxDevices:        256,
		DefaultStrategy:   StrategyInterrupt,
		PollInterval:      time.Second,
		ScanTimeout:       3 * time.Second,
	},
	device.BusI2C: {
		MaxDevices:      112,
		DefaultStrategy: StrategyPolling,
		PollInterval:    500 * time.Millisecond,
		ScanTimeout:     2 * time.Second,
	},
	device.BusSPI: {
		MaxDevices:      4,
		DefaultStrategy: StrategyPolling,
		PollInterval:    time.Second,
		ScanTimeout:     2 * time.Second,
	},
	device.BusPort: {
		MaxDevices:      64,
		DefaultStrategy: StrategyPolling,
		PollInterval:    time.Second,
		ScanTimeout:     2 * time.Second,
	},
	device.BusMMIO: {
		MaxDevices:      64,
		DefaultStrategy: StrategyPolling,
		PollInterval:    2 * time.Second,
		ScanTimeout:     2 * time.Second,
	},
}

// CapabilitiesOf returns the detection capabilities of a bus kind.
func CapabilitiesOf(kind device.BusKind) Capabilities {
	if c, ok := capabilities[kind]; ok {
		return c
	}
	return Capabilities{
		MaxDevices:      16,
		DefaultStrategy: StrategyPolling,
		PollInterval:    2 * time.Second,
		ScanTimeout:     2 * time.Second,
	}
}
