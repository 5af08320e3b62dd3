package models

import "time"

// Status is the final state of one directive.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
	StatusError   Status = "Error"
)

// OperationOutcome records what happened to one directive. It is never mutated after creation.
type OperationOutcome struct {
	Directive Directive `json:"directive"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the result of one reconciliation run.
type Report struct {
	RunID            string             `json:"runId"`
	StartedAt        time.Time          `json:"startedAt"`
	FinishedAt       time.Time          `json:"finishedAt"`
	Outcomes         []OperationOutcome `json:"outcomes"`
	Invited          int                `json:"invited"`
	PendingProcessed int                `json:"pendingProcessed"`
	PendingRemaining int                `json:"pendingRemaining"`
	Cancelled        bool               `json:"cancelled"`
}

// Totals aggregates outcome counts.
type Totals struct {
	Total     int     `json:"total"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Errored   int     `json:"errored"`
	Rate      float64 `json:"successRate"`
}

// Totals counts outcomes by status. Rate is a percentage rounded to two decimals.
func (r *Report) Totals() Totals {
	var t Totals
	for _, o := range r.Outcomes {
		t.Total++
		switch o.Status {
		case StatusSuccess:
			t.Succeeded++
		case StatusFailed:
			t.Failed++
		case StatusError:
			t.Errored++
		}
	}
	if t.Total > 0 {
		t.Rate = float64(int(float64(t.Succeeded)/float64(t.Total)*10000+0.5)) / 100
	}
	return t
}

// TeamSummary counts outcome statuses per team name.
func (r *Report) TeamSummary() map[string]map[Status]int {
	summary := make(map[string]map[Status]int)
	for _, o := range r.Outcomes {
		byStatus, ok := summary[o.Directive.TeamName]
		if !ok {
			byStatus = make(map[Status]int)
			summary[o.Directive.TeamName] = byStatus
		}
		byStatus[o.Status]++
	}
	return summary
}
