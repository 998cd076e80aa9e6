package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scan errors.
var (
	ErrUnsupportedBus = errors.New("unsupported bus kind")
	ErrScanTimeout    = errors.New("bus scan timed out")
)

// Bus enumerates the devices currently present on one bus.
//
// Scan must return devices with Capabilities populated and honor ctx.
type Bus interface {
	Kind() BusKind
	Scan(ctx context.Context) ([]Device, error)
}

// ChangeNotifier is implemented by buses that raise a signal when their
// device population changes (interrupt-driven detection). The channel is
// never closed while the bus is alive.
type ChangeNotifier interface {
	Changes() <-chan struct{}
}

// ScanWarning reports a bus whose scan failed. Other buses still contribute
// to the result.
type ScanWarning struct {
	Bus BusKind
	Err error
}

func (w *ScanWarning) Error() string {
	return fmt.Sprintf("scan %s: %v", w.Bus, w.Err)
}

func (w *ScanWarning) Unwrap() error {
	return w.Err
}

// ScanBus runs one bus scan bounded by timeout (0 = only ctx). A bus that
// ignores cancellation does not block the caller past the deadline; its
// late result is discarded.
//
// Returned devices are normalized: ID derived from the address, state set
// to Discovered and DiscoveredAt stamped. Devices without an address or with
// an address from a different bus are dropped.
func ScanBus(ctx context.Context, bus Bus, timeout time.Duration) ([]Device, error) {
	if !bus.Kind().Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBus, bus.Kind())
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		devices []Device
		err     error
	}
	done := make(chan result, 1)
	go func() {
		devs, err := bus.Scan(ctx)
		done <- result{devs, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrScanTimeout
		}
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	now := time.Now()
	out := make([]Device, 0, len(res.devices))
	for _, d := range res.devices {
		if d.Address == nil || d.Address.Bus() != bus.Kind() {
			continue
		}
		d.ID = d.Address.String()
		d.State = StateDiscovered
		d.DriverID = ""
		if d.DiscoveredAt.IsZero() {
			d.DiscoveredAt = now
		}
		out = append(out, d)
	}
	return out, nil
}

// ScanAll enumerates all buses concurrently. Results keep the order of
// buses; failing buses produce warnings instead of aborting the scan.
func ScanAll(ctx context.Context, timeout time.Duration, buses ...Bus) ([]Device, []ScanWarning) {
	perBus := make([][]Device, len(buses))
	var (
		mu       sync.Mutex
		warnings []ScanWarning
	)

	// Goroutines never return an error so one failure cannot cancel the rest.
	var g errgroup.Group
	for i, bus := range buses {
		g.Go(func() error {
			devs, err := ScanBus(ctx, bus, timeout)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, ScanWarning{Bus: bus.Kind(), Err: err})
				mu.Unlock()
				return nil
			}
			perBus[i] = devs
			return nil
		})
	}
	_ = g.Wait()

	var all []Device
	for _, devs := range perBus {
		all = append(all, devs...)
	}
	return all, warnings
}
