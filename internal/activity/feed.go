package activity

import "log/slog"

// Feed is the injectable activity sink: durable log, live fan-out, and
// best-effort dashboard forwarding for settled payments. Any part may
// be nil.
type Feed struct {
	log      *Log
	hub      *Hub
	notifier *Notifier
	logger   *slog.Logger
}

// NewFeed wires a feed from its parts.
func NewFeed(log *Log, hub *Hub, notifier *Notifier, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{log: log, hub: hub, notifier: notifier, logger: logger}
}

// Emit records the event durably, broadcasts it, and forwards payment
// events to the dashboard. Failures never propagate to the caller.
func (f *Feed) Emit(e Event) {
	if f.log != nil {
		if err := f.log.Record(e); err != nil {
			f.logger.Warn("activity log write failed", "kind", e.Kind, "error", err)
		}
	}
	if f.hub != nil {
		f.hub.Broadcast(e)
	}
	if f.notifier != nil && e.Kind == KindPayment {
		f.notifier.Notify(e)
	}
}

// Close closes the durable log.
func (f *Feed) Close() error {
	if f.log != nil {
		return f.log.Close()
	}
	return nil
}
