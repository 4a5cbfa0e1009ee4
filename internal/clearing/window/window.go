// Package window implements the clearing window state machine: scheduled,
// graced, checkpoint-driven windows with atomic commit/rollback of
// window-wide operations handled upstream by the atomic operation
// controller. A window is the time box obligations are collected into for
// joint netting.
package window

import (
	"time"

	"settlerail/internal/clearing/money"
)

// Status is one state in the window lifecycle. Closing is the graced
// late-acceptance phase; Processing, Settling, Completed and Failed are
// driven by explicit orchestrator calls, never advanced by wall time alone.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosing    Status = "closing"
	StatusProcessing Status = "processing"
	StatusSettling   Status = "settling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusOpen:       {StatusClosing, StatusFailed},
	StatusClosing:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSettling, StatusFailed},
	StatusSettling:   {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Counters tracks the running totals the window accumulates as obligations
// are assigned and netted. Efficiency is derived from Gross/Net at close and
// stored alongside them.
type Counters struct {
	TransactionCount int
	ObligationCount  int
	Gross            money.Amount
	Net              money.Amount
	Saved            money.Amount
	Efficiency       float64
}

// Window is the time box obligations are collected into for joint netting.
// Name is derived from Region and Start at creation (e.g. "UAE-2026-07-31T08:00:00Z").
type Window struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Region      string    `db:"region" json:"region"`
	Start       time.Time `db:"start" json:"start"`
	End         time.Time `db:"end_at" json:"end"`
	Cutoff      time.Time `db:"cutoff" json:"cutoff"`
	GracePeriod time.Duration `db:"grace_period" json:"grace_period"`
	Status      Status    `db:"status" json:"status"`
	Counters    Counters  `db:"-" json:"counters"`

	ClosedAt    *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	// GraceStartedAt is set once, when the window enters Closing, so a
	// restarted process can recompute graceExpiry from persisted state
	// instead of losing the clock on restart.
	GraceStartedAt time.Time `db:"grace_started_at" json:"grace_started_at,omitempty"`
}

// graceExpiry returns the instant the grace period lapses. Unset until the
// window actually enters Closing.
func (w Window) graceExpiry() time.Time {
	return w.GraceStartedAt.Add(w.GracePeriod)
}

// NewWindow constructs an Open window for region, starting at start and
// running for duration, with grace appended after the nominal end.
func NewWindow(id int64, region string, start time.Time, duration, grace time.Duration) Window {
	end := start.Add(duration)
	return Window{
		ID:          id,
		Name:        region + "-" + start.UTC().Format(time.RFC3339),
		Region:      region,
		Start:       start,
		End:         end,
		Cutoff:      end.Add(-grace),
		GracePeriod: grace,
		Status:      StatusOpen,
	}
}

// ScheduleEntry pairs a region with the cron-like schedule that drives when
// a new window opens for it. The expression itself is interpreted by the
// caller (e.g. robfig/cron-style); window.go only cares about the resolved
// tick time.
type ScheduleEntry struct {
	Region   string
	Expr     string
	Duration time.Duration
	Grace    time.Duration
}
