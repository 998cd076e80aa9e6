package log

import (
	"context"
	"log/slog"
	"strings"
)

// SlogAdapter writes trace events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("component", event.Component.String()),
		slog.String("category", event.Category.String()),
	}

	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}
	if event.DriverID != "" {
		attrs = append(attrs, slog.String("driver_id", event.DriverID))
	}
	if event.ModuleID != "" {
		attrs = append(attrs, slog.String("module_id", event.ModuleID))
	}

	switch {
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Operation != nil:
		attrs = append(attrs,
			slog.String("op", event.Operation.Name),
			slog.Bool("success", event.Operation.Success),
		)
		if event.Operation.Duration > 0 {
			attrs = append(attrs, slog.Duration("duration", event.Operation.Duration))
		}
		for k, v := range event.Operation.Detail {
			attrs = append(attrs, slog.String(k, v))
		}
	case event.Hotplug != nil:
		attrs = append(attrs,
			slog.String("bus", event.Hotplug.Bus),
			slog.String("kind", event.Hotplug.Kind.String()),
		)
	case event.Resource != nil:
		attrs = append(attrs,
			slog.Int("cleaned", event.Resource.Cleaned),
			slog.Uint64("bytes_reclaimed", event.Resource.BytesReclaimed),
			slog.Int("failures", event.Resource.Failures),
		)
		if event.Resource.Leaks > 0 {
			attrs = append(attrs, slog.Int("leaks", event.Resource.Leaks))
		}
	case event.Error != nil:
		attrs = append(attrs, slog.String("error_msg", event.Error.Message))
		if event.Error.Class != "" {
			attrs = append(attrs, slog.String("error_class", event.Error.Class))
		}
		if event.Error.ErrorID != "" {
			attrs = append(attrs, slog.String("error_id", event.Error.ErrorID))
		}
		if len(event.Error.Hints) > 0 {
			attrs = append(attrs, slog.String("hints", strings.Join(event.Error.Hints, "; ")))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "trace", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
