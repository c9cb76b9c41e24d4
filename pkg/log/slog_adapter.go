package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.CarID != "" {
		attrs = append(attrs, slog.String("car_id", event.CarID))
	}

	// Add type-specific attributes
	switch {
	case event.Message != nil:
		attrs = append(attrs,
			slog.Uint64("operation", uint64(event.Message.Operation)),
			slog.Int("size", event.Message.Size),
			slog.Bool("encrypted", event.Message.Encrypted),
		)
		if event.Message.Recipient != "" {
			attrs = append(attrs, slog.String("recipient", event.Message.Recipient))
		}
		if event.Message.QueryID != nil {
			attrs = append(attrs, slog.Int64("query_id", int64(*event.Message.QueryID)))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Scan != nil:
		attrs = append(attrs,
			slog.String("peripheral", event.Scan.PeripheralID),
			slog.Int("rssi", event.Scan.RSSI),
		)
		if event.Scan.Name != "" {
			attrs = append(attrs, slog.String("name", event.Scan.Name))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
