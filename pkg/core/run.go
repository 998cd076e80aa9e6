package core

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drvkit/drvkit-go/pkg/log"
	"github.com/drvkit/drvkit-go/pkg/recovery"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// MaintenanceResult reports one maintenance pass.
type MaintenanceResult struct {
	// Closed lists error records closed by the pass.
	Closed []recovery.Record

	// Cleanup is the outcome of running pending resource cleanups.
	Cleanup resource.CleanupStats

	// Leaks lists suspected leaks. They are reported, not freed.
	Leaks []resource.Leak
}

// Maintain runs one maintenance pass: settled error records are closed,
// pending resource cleanups run and leaks are detected.
func (m *Manager) Maintain(ctx context.Context) MaintenanceResult {
	now := m.now()
	res := MaintenanceResult{
		Closed:  m.recovery.Sweep(now),
		Cleanup: m.resources.ExecuteCleanup(ctx),
		Leaks:   m.resources.DetectLeaks(now),
	}
	m.metrics.Cleanup(res.Cleanup)
	m.metrics.Resources(m.resources.Stats(), len(res.Leaks))

	if len(res.Leaks) > 0 || res.Cleanup.Cleaned > 0 || res.Cleanup.Failures > 0 {
		m.trace.Log(log.Event{
			Component: log.ComponentResource,
			Category:  log.CategoryResource,
			Resource: &log.ResourceEvent{
				Cleaned:        res.Cleanup.Cleaned,
				BytesReclaimed: res.Cleanup.BytesReclaimed,
				Failures:       res.Cleanup.Failures,
				Leaks:          len(res.Leaks),
			},
		})
	}
	for _, l := range res.Leaks {
		m.logger.Warn("resource leak suspected",
			"resource", l.Record.ID,
			"owner", l.Record.Owner.String(),
			"kind", l.Record.Kind.String(),
			"reason", l.Reason.String(),
			"age", l.Age)
	}
	return res
}

// Run runs hot-plug detection, the event bridge and periodic maintenance
// until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.isClosed() {
		return ErrShutdown
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCancel(m.hotplug.Run(gctx))
	})
	if m.bridge != nil {
		g.Go(func() error {
			return ignoreCancel(m.bridge.Run(gctx))
		})
	}
	g.Go(func() error {
		m.maintenanceLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	sweep := time.NewTicker(m.recovery.EscalationWindow())
	defer sweep.Stop()

	var leakTick, saveTick <-chan time.Time
	if d := m.cfg.Resources.LeakCheckInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		leakTick = t.C
	}
	if d := m.cfg.State.SaveInterval; d > 0 && m.store != nil {
		t := time.NewTicker(d)
		defer t.Stop()
		saveTick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			m.recovery.Sweep(m.now())
			m.resources.ExecuteCleanup(ctx)
		case <-leakTick:
			m.Maintain(ctx)
		case <-saveTick:
			if err := m.SaveState(ctx); err != nil {
				m.logger.Warn("periodic state save failed", "error", err)
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
