// Package simbus provides simulated buses, drivers and a module backend for
// exercising the driver manager without hardware.
//
// A Bus holds a mutable device population and signals changes, so the
// hot-plug manager can run it interrupt-driven. A Driver binds to any
// device it is offered, registers the resources its Behavior lists and
// fails on demand. A Backend links modules in memory and can be told to
// fail link or init for a module.
//
// Scenarios describe a whole simulated machine in YAML:
//
//	buses:
//	  - kind: usb
//	    devices:
//	      - address: "usb:1-2"
//	        capabilities: [input, hotplug]
//	        vendor: 0x046d
//	        description: keyboard
//	modules:
//	  - id: usbhid
//	    version: v1.0.0
//	    drivers:
//	      - id: hid-generic
//	        capabilities: [input]
//	drivers:
//	  hid-generic:
//	    allocations:
//	      - {kind: dma_buffer, size: 4096, label: report ring}
//	steps:
//	  - {action: load, target: usbhid}
//	  - {action: activate, target: usbhid}
//	  - {action: discover}
//	  - {action: fault, target: "usb:1-2", kind: timeout, repeat: 3}
//	  - {action: unplug, target: "usb:1-2"}
//
// Build wires a scenario into core options; Run plays its steps against a
// manager.
package simbus
