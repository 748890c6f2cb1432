package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// Result is the outcome of one step.
type Result struct {
	Operation string        `json:"operation"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Detail    string        `json:"detail"`
	Duration  time.Duration `json:"duration"`
}

// Report aggregates a session.
type Report struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DryRun       bool      `json:"dry_run"`
	Steps        []Result  `json:"steps"`
	SuccessRatio float64   `json:"success_ratio"`
	Threshold    float64   `json:"threshold"`
	Success      bool      `json:"success"`
	Reason       string    `json:"reason,omitempty"`
}

// counted returns the number of steps that ran and how many succeeded.
func (r *Report) counted() (enabled, succeeded int) {
	for _, s := range r.Steps {
		if s.Skipped {
			continue
		}
		enabled++
		if s.Success {
			succeeded++
		}
	}
	return enabled, succeeded
}

// Summary renders the report for logs and the CLI.
func (r *Report) Summary() string {
	var b strings.Builder
	enabled, succeeded := r.counted()
	status := "FAILED"
	if r.Success {
		status = "OK"
	}
	fmt.Fprintf(&b, "session %s %s: %d/%d steps succeeded (%.0f%%, threshold %.0f%%)",
		r.ID, status, succeeded, enabled, r.SuccessRatio*100, r.Threshold*100)
	if r.DryRun {
		b.WriteString(" [dry-run]")
	}
	for _, s := range r.Steps {
		mark := "ok"
		switch {
		case s.Skipped:
			mark = "skipped"
		case !s.Success:
			mark = "failed"
		}
		fmt.Fprintf(&b, "\n  %-12s %-8s %s", s.Operation, mark, s.Detail)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, "\n  reason: %s", r.Reason)
	}
	return b.String()
}
