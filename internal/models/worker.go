package models

import (
	"fmt"
	"time"
)

// WorkerStatus is the health verdict for a monitored worker.
type WorkerStatus int

const (
	WorkerHealthy WorkerStatus = iota
	WorkerDegraded
	WorkerFailedOver
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerHealthy:
		return "healthy"
	case WorkerDegraded:
		return "degraded"
	case WorkerFailedOver:
		return "failed_over"
	default:
		return "unknown"
	}
}

// ParseWorkerStatus converts a stored status string back to the enum.
func ParseWorkerStatus(s string) (WorkerStatus, error) {
	switch s {
	case "healthy":
		return WorkerHealthy, nil
	case "degraded":
		return WorkerDegraded, nil
	case "failed_over":
		return WorkerFailedOver, nil
	default:
		return 0, fmt.Errorf("unknown worker status: %q", s)
	}
}

// Worker is a logical agent/process under health observation. Never deleted,
// only marked failed_over.
type Worker struct {
	ID string `json:"id"`
	// InfraHeartbeat is the last liveness write from the supervising sidecar.
	// It proves the runtime is alive, not that the worker is productive.
	InfraHeartbeat time.Time `json:"infraHeartbeat"`
	// FunctionalHeartbeat is written only as a side effect of real work
	// completing.
	FunctionalHeartbeat time.Time    `json:"functionalHeartbeat"`
	Status              WorkerStatus `json:"status"`
	// Standby receives the worker's pending jobs on failover.
	Standby string `json:"standby,omitempty"`
	// FailedOverAt records when failover was declared; recovery requires a
	// functional heartbeat newer than this.
	FailedOverAt *time.Time `json:"failedOverAt,omitempty"`
}
