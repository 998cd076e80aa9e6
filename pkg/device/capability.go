package device

import (
	"fmt"
	"math/bits"
	"strings"
)

// Capability is a bitmask of functions a device offers. Buses populate it
// during scanning; driver match predicates test against it.
type Capability uint64

const (
	CapBlock Capability = 1 << iota
	CapNetwork
	CapInput
	CapAudio
	CapDisplay
	CapSerial
	CapSensor
	CapHub
	CapDMA
	CapInterrupt
	CapHotPlug
	CapPowerManaged
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapBlock, "block"},
	{CapNetwork, "network"},
	{CapInput, "input"},
	{CapAudio, "audio"},
	{CapDisplay, "display"},
	{CapSerial, "serial"},
	{CapSensor, "sensor"},
	{CapHub, "hub"},
	{CapDMA, "dma"},
	{CapInterrupt, "interrupt"},
	{CapHotPlug, "hotplug"},
	{CapPowerManaged, "power-managed"},
}

// Has reports whether every bit of mask is set.
func (c Capability) Has(mask Capability) bool {
	return c&mask == mask
}

// Any reports whether at least one bit of mask is set.
func (c Capability) Any(mask Capability) bool {
	return c&mask != 0
}

// Count returns the number of capabilities set.
func (c Capability) Count() int {
	return bits.OnesCount64(uint64(c))
}

// String returns the capability names joined by '|'.
func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	rest := c
	for _, cn := range capabilityNames {
		if c&cn.cap != 0 {
			names = append(names, cn.name)
			rest &^= cn.cap
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint64(rest)))
	}
	return strings.Join(names, "|")
}

// ParseCapabilities builds a mask from capability names.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		found := false
		for _, cn := range capabilityNames {
			if strings.EqualFold(strings.TrimSpace(n), cn.name) {
				c |= cn.cap
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return c, nil
}

// Class is a coarse device classification derived from capabilities. It is
// the device half of a recovery pattern signature.
type Class string

const (
	ClassStorage Class = "storage"
	ClassNetwork Class = "network"
	ClassInput   Class = "input"
	ClassAudio   Class = "audio"
	ClassDisplay Class = "display"
	ClassSerial  Class = "serial"
	ClassSensor  Class = "sensor"
	ClassHub     Class = "hub"
	ClassGeneric Class = "generic"
)

// classOrder lists the functional bits in precedence order; the first one
// present decides the class.
var classOrder = []struct {
	cap   Capability
	class Class
}{
	{CapBlock, ClassStorage},
	{CapNetwork, ClassNetwork},
	{CapDisplay, ClassDisplay},
	{CapAudio, ClassAudio},
	{CapInput, ClassInput},
	{CapSerial, ClassSerial},
	{CapSensor, ClassSensor},
	{CapHub, ClassHub},
}

// ClassOf returns the class for a capability mask.
func ClassOf(c Capability) Class {
	for _, co := range classOrder {
		if c&co.cap != 0 {
			return co.class
		}
	}
	return ClassGeneric
}
