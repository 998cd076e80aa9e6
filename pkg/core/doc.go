// Package core is the driver manager: it owns the device table and wires
// the bus model, driver binder, resource manager, hot-plug detection,
// module loader and error recovery into one service.
//
// Operations on one device are serialized; operations on different devices
// run concurrently. Every registry keeps its own lock and no operation holds
// two of them at once. Faults never halt the manager: a device whose
// recovery is exhausted is isolated and the rest keeps running.
//
// Typical use:
//
//	m, err := core.Initialize(cfg, core.WithBuses(usb, pci), core.WithBackend(backend))
//	if err != nil {
//		return err
//	}
//	defer m.Shutdown(context.Background())
//
//	m.DiscoverAllDevices(ctx)
//	return m.Run(ctx)
package core
