package models

import "time"

// Cycle is the append-only record of one scheduler cycle.
type Cycle struct {
	Number         uint64    `json:"number"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	JobsRun        int       `json:"jobsRun"`
	JobsSucceeded  int       `json:"jobsSucceeded"`
	JobsFailed     int       `json:"jobsFailed"`
	BudgetConsumed int       `json:"budgetConsumed"`
}
