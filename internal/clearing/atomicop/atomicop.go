// Package atomicop implements the checkpointed-transaction controller:
// a named sequence of checkpoints spanning multiple
// stores, committed or rolled back as a unit, with best-effort
// type-specific rollback handlers run in reverse order.
package atomicop

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of one atomic operation.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
)

// Type names the kind of cross-store operation, used to pick handlers at
// rollback time (e.g. "window.close", "netting.settle").
type Type string

// Checkpoint is one named, ordered step of an operation. Data is the
// forward payload already applied; Rollback is what a handler needs to
// undo it (a pre-change balance, a lock id, a settlement id). It is optional,
// since some checkpoints are naturally idempotent and need no undo.
type Checkpoint struct {
	Order    int             `db:"order_index" json:"order"`
	Name     string          `db:"name" json:"name"`
	Data     json.RawMessage `db:"data_json" json:"data"`
	Rollback json.RawMessage `db:"rollback_json" json:"rollback,omitempty"`
}

// Operation is the persisted record of one atomic transaction.
type Operation struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	Type          Type         `db:"type" json:"type"`
	WindowID      *int64       `db:"window_id" json:"window_id,omitempty"`
	State         State        `db:"state" json:"state"`
	Checkpoints   []Checkpoint `db:"-" json:"checkpoints"`
	StartedAt     time.Time    `db:"started" json:"started_at"`
	CompletedAt   *time.Time   `db:"completed" json:"completed_at,omitempty"`
	RolledBackAt  *time.Time   `db:"rolled_back" json:"rolled_back_at,omitempty"`
	RollbackReason string      `db:"reason" json:"rollback_reason,omitempty"`
}
