package hotplug

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// Run starts one detector per bus and blocks until ctx is done. Each
// detector scans once on start to establish the device set, then waits for
// its strategy's trigger. Notify forces a rescan under any strategy.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range m.Buses() {
		g.Go(func() error {
			m.runBus(gctx, kind)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (m *Manager) runBus(ctx context.Context, kind device.BusKind) {
	m.mu.Lock()
	bs := m.buses[kind]
	m.mu.Unlock()

	m.logger.Debug("hot-plug detector started", "bus", kind.String(), "strategy", bs.cfg.Strategy.String())
	defer m.logger.Debug("hot-plug detector stopped", "bus", kind.String())

	r := m.scan(ctx, kind, false)
	m.dispatch(ctx, r.Events)

	for {
		m.mu.Lock()
		effective := bs.effective
		interval := bs.interval
		m.mu.Unlock()

		var (
			trigger <-chan struct{}
			tick    <-chan time.Time
			timer   *time.Timer
		)
		switch effective {
		case StrategyInterrupt:
			if n, ok := bs.cfg.Bus.(device.ChangeNotifier); ok {
				trigger = n.Changes()
			}
		case StrategyEventDriven:
		default:
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		polled := false
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-trigger:
		case <-bs.notify:
		case <-tick:
			polled = true
		}
		if timer != nil {
			timer.Stop()
		}

		r := m.scan(ctx, kind, polled)
		m.dispatch(ctx, r.Events)
	}
}
