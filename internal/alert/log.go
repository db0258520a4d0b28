package alert

import (
	"context"

	"github.com/synapse-ops/synapse/internal/logger"
)

// LogSink writes alerts to the structured log. Always configured, so an
// alert is never silently lost even with no external sink set up.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(ctx context.Context, severity, message string) error {
	switch severity {
	case SeverityCritical:
		logger.Error(ctx, "ALERT", "severity", severity, "message", message)
	case SeverityWarning:
		logger.Warn(ctx, "ALERT", "severity", severity, "message", message)
	default:
		logger.Info(ctx, "ALERT", "severity", severity, "message", message)
	}
	return nil
}
