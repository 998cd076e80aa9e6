package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Address errors.
var (
	ErrInvalidAddress = errors.New("invalid hardware address")
	ErrUnknownBus     = errors.New("unknown bus kind")
)

// BusKind identifies the bus a device is attached to.
type BusKind uint8

const (
	// BusUnknown is the zero value and never a valid bus.
	BusUnknown BusKind = iota

	// BusPort is legacy port-mapped I/O.
	BusPort

	// BusMMIO is a memory-mapped platform device.
	BusMMIO

	// BusPCI is PCI / PCI Express.
	BusPCI

	// BusUSB is the Universal Serial Bus.
	BusUSB

	// BusI2C is an I2C / SMBus adapter.
	BusI2C

	// BusSPI is a SPI controller.
	BusSPI
)

// String returns the bus name used as address prefix.
func (k BusKind) String() string {
	switch k {
	case BusPort:
		return "port"
	case BusMMIO:
		return "mmio"
	case BusPCI:
		return "pci"
	case BusUSB:
		return "usb"
	case BusI2C:
		return "i2c"
	case BusSPI:
		return "spi"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the supported bus kinds.
func (k BusKind) Valid() bool {
	return k >= BusPort && k <= BusSPI
}

// MarshalText implements encoding.TextMarshaler.
func (k BusKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBus, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *BusKind) UnmarshalText(text []byte) error {
	parsed, err := ParseBusKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseBusKind parses a bus name ("pci", "usb", ...).
func ParseBusKind(s string) (BusKind, error) {
	for _, k := range KnownBusKinds() {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return BusUnknown, fmt.Errorf("%w: %q", ErrUnknownBus, s)
}

// KnownBusKinds returns all supported bus kinds in declaration order.
func KnownBusKinds() []BusKind {
	return []BusKind{BusPort, BusMMIO, BusPCI, BusUSB, BusI2C, BusSPI}
}

// Address is a hardware address. The set of implementations is closed;
// every implementation is a comparable value type.
type Address interface {
	// Bus returns the bus kind the address belongs to.
	Bus() BusKind

	// String returns the canonical textual form, which doubles as device ID.
	String() string

	isAddress()
}

// PortAddress is a port-mapped I/O range. A non-zero Count is part of the
// textual form ("port:0x3f8+0x8").
type PortAddress struct {
	Base  uint16
	Count uint16
}

func (PortAddress) Bus() BusKind { return BusPort }
func (a PortAddress) String() string {
	if a.Count == 0 {
		return fmt.Sprintf("port:0x%x", a.Base)
	}
	return fmt.Sprintf("port:0x%x+0x%x", a.Base, a.Count)
}
func (PortAddress) isAddress() {}

// MMIOAddress is a memory-mapped register window. A non-zero Size is part
// of the textual form ("mmio:0xfed00000+0x400").
type MMIOAddress struct {
	Base uint64
	Size uint64
}

func (MMIOAddress) Bus() BusKind { return BusMMIO }
func (a MMIOAddress) String() string {
	if a.Size == 0 {
		return fmt.Sprintf("mmio:0x%x", a.Base)
	}
	return fmt.Sprintf("mmio:0x%x+0x%x", a.Base, a.Size)
}
func (MMIOAddress) isAddress() {}

// PCIAddress is a PCI segment/bus/device/function tuple.
type PCIAddress struct {
	Segment   uint16
	BusNumber uint8
	Device    uint8
	Function  uint8
}

func (PCIAddress) Bus() BusKind { return BusPCI }
func (a PCIAddress) String() string {
	return fmt.Sprintf("pci:%04x:%02x:%02x.%x", a.Segment, a.BusNumber, a.Device, a.Function)
}
func (PCIAddress) isAddress() {}

// USBAddress is a USB root bus number and port chain ("2" or "2.4.1").
type USBAddress struct {
	RootBus uint8
	Ports   string
}

func (USBAddress) Bus() BusKind { return BusUSB }
func (a USBAddress) String() string {
	return fmt.Sprintf("usb:%d-%s", a.RootBus, a.Ports)
}
func (USBAddress) isAddress() {}

// I2CAddress is a 7- or 10-bit target address on an adapter.
type I2CAddress struct {
	Adapter uint8
	Target  uint16
}

func (I2CAddress) Bus() BusKind { return BusI2C }
func (a I2CAddress) String() string {
	return fmt.Sprintf("i2c:%d-0x%02x", a.Adapter, a.Target)
}
func (I2CAddress) isAddress() {}

// SPIAddress is a controller and chip-select line.
type SPIAddress struct {
	Controller uint8
	ChipSelect uint8
}

func (SPIAddress) Bus() BusKind { return BusSPI }
func (a SPIAddress) String() string {
	return fmt.Sprintf("spi:%d.%d", a.Controller, a.ChipSelect)
}
func (SPIAddress) isAddress() {}

// AddressEqual reports whether two addresses name the same hardware endpoint.
func AddressEqual(a, b Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// ParseAddress parses the canonical textual form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	kind, err := ParseBusKind(prefix)
	if err != nil {
		return nil, err
	}

	bad := func() (Address, error) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	switch kind {
	case BusPort:
		base, count, err := parseRange(rest, 16)
		if err != nil {
			return bad()
		}
		return PortAddress{Base: uint16(base), Count: uint16(count)}, nil

	case BusMMIO:
		base, size, err := parseRange(rest, 64)
		if err != nil {
			return bad()
		}
		return MMIOAddress{Base: base, Size: size}, nil

	case BusPCI:
		// ssss:bb:dd.f
		parts := strings.Split(rest, ":")
		if len(parts) != 3 {
			return bad()
		}
		devFn := strings.Split(parts[2], ".")
		if len(devFn) != 2 {
			return bad()
		}
		seg, err1 := strconv.ParseUint(parts[0], 16, 16)
		bus, err2 := strconv.ParseUint(parts[1], 16, 8)
		dev, err3 := strconv.ParseUint(devFn[0], 16, 8)
		fn, err4 := strconv.ParseUint(devFn[1], 16, 8)
		if err := errors.Join(err1, err2, err3, err4); err != nil || dev > 31 || fn > 7 {
			return bad()
		}
		return PCIAddress{Segment: uint16(seg), BusNumber: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil

	case BusUSB:
		root, ports, ok := strings.Cut(rest, "-")
		if !ok || ports == "" {
			return bad()
		}
		r, err := strconv.ParseUint(root, 10, 8)
		if err != nil {
			return bad()
		}
		for _, p := range strings.Split(ports, ".") {
			if _, err := strconv.ParseUint(p, 10, 8); err != nil {
				return bad()
			}
		}
		return USBAddress{RootBus: uint8(r), Ports: ports}, nil

	case BusI2C:
		adapter, target, ok := strings.Cut(rest, "-")
		if !ok {
			return bad()
		}
		a, err1 := strconv.ParseUint(adapter, 10, 8)
		t, err2 := strconv.ParseUint(target, 0, 16)
		if err1 != nil || err2 != nil || t > 0x3ff {
			return bad()
		}
		return I2CAddress{Adapter: uint8(a), Target: uint16(t)}, nil

	case BusSPI:
		ctrl, cs, ok := strings.Cut(rest, ".")
		if !ok {
			return bad()
		}
		c, err1 := strconv.ParseUint(ctrl, 10, 8)
		sel, err2 := strconv.ParseUint(cs, 10, 8)
		if err1 != nil || err2 != nil {
			return bad()
		}
		return SPIAddress{Controller: uint8(c), ChipSelect: uint8(sel)}, nil
	}

	return bad()
}

// parseRange parses "base" or "base+extent". An explicit extent must be
// non-zero so each range has a single textual form.
func parseRange(s string, bits int) (base, extent uint64, err error) {
	b, e, hasExtent := strings.Cut(s, "+")
	base, err = strconv.ParseUint(b, 0, bits)
	if err != nil || !hasExtent {
		return base, 0, err
	}
	extent, err = strconv.ParseUint(e, 0, bits)
	if err == nil && extent == 0 {
		err = strconv.ErrRange
	}
	return base, extent, err
}
