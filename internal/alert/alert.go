// Package alert fans operational escalations out to configured sinks.
// Delivery is fire-and-forget: a broken sink is logged, never propagated
// into the path that raised the alert.
package alert

import (
	"context"

	"github.com/synapse-ops/synapse/internal/logger"
)

// Severity levels carried on every alert.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Sink delivers one alert to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, severity, message string) error
}

// Multi fans alerts out to every sink. It satisfies the Notifier
// interfaces of the scheduler, health detector and resilient store.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out over the given sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Notify delivers to all sinks, logging failures.
func (m *Multi) Notify(ctx context.Context, severity, message string) {
	for _, sink := range m.sinks {
		if err := sink.Send(ctx, severity, message); err != nil {
			logger.Error(ctx, "alert delivery failed",
				"sink", sink.Name(), "severity", severity, "err", err)
		}
	}
}
