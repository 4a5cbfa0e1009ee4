package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"settlerail/internal/clearing/atomicop"
	clearingerrors "settlerail/pkg/errors"
)

// AtomicOpRepository persists checkpointed atomic operations and their
// ordered checkpoint list, one row per checkpoint keyed by (op_id, order)
// so replay/rollback can read them back in the order they were appended.
type AtomicOpRepository struct {
	db *sqlx.DB
}

func NewAtomicOpRepository(db *sqlx.DB) *AtomicOpRepository {
	return &AtomicOpRepository{db: db}
}

type operationRow struct {
	ID             uuid.UUID     `db:"id"`
	Type           string        `db:"type"`
	WindowID       sql.NullInt64 `db:"window_id"`
	State          string        `db:"state"`
	StartedAt      sql.NullTime  `db:"started_at"`
	CompletedAt    sql.NullTime  `db:"completed_at"`
	RolledBackAt   sql.NullTime  `db:"rolled_back_at"`
	RollbackReason string        `db:"rollback_reason"`
}

type checkpointRow struct {
	OpID     uuid.UUID `db:"op_id"`
	Ord      int       `db:"ord"`
	Name     string    `db:"name"`
	Data     []byte    `db:"data"`
	Rollback []byte    `db:"rollback"`
}

func (r *AtomicOpRepository) SaveOperation(ctx context.Context, op atomicop.Operation) error {
	row := operationRow{
		ID:             op.ID,
		Type:           string(op.Type),
		State:          string(op.State),
		StartedAt:      sql.NullTime{Time: op.StartedAt, Valid: !op.StartedAt.IsZero()},
		RollbackReason: op.RollbackReason,
	}
	if op.WindowID != nil {
		row.WindowID = sql.NullInt64{Int64: *op.WindowID, Valid: true}
	}
	if op.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *op.CompletedAt, Valid: true}
	}
	if op.RolledBackAt != nil {
		row.RolledBackAt = sql.NullTime{Time: *op.RolledBackAt, Valid: true}
	}

	const opQ = `
		INSERT INTO clearing.atomic_operation (
			id, type, window_id, state, started_at, completed_at, rolled_back_at, rollback_reason
		) VALUES (
			:id, :type, :window_id, :state, :started_at, :completed_at, :rolled_back_at, :rollback_reason
		)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			completed_at = EXCLUDED.completed_at,
			rolled_back_at = EXCLUDED.rolled_back_at,
			rollback_reason = EXCLUDED.rollback_reason`
	if _, err := r.db.NamedExecContext(ctx, opQ, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "saving atomic operation: "+err.Error())
	}

	for _, cp := range op.Checkpoints {
		if err := r.AppendCheckpoint(ctx, op.ID, cp); err != nil {
			return err
		}
	}
	return nil
}

func (r *AtomicOpRepository) AppendCheckpoint(ctx context.Context, opID uuid.UUID, cp atomicop.Checkpoint) error {
	row := checkpointRow{OpID: opID, Ord: cp.Order, Name: cp.Name, Data: cp.Data, Rollback: cp.Rollback}
	const q = `
		INSERT INTO clearing.atomic_checkpoint (op_id, ord, name, data, rollback)
		VALUES (:op_id, :ord, :name, :data, :rollback)
		ON CONFLICT (op_id, ord) DO UPDATE SET name = EXCLUDED.name, data = EXCLUDED.data, rollback = EXCLUDED.rollback`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "appending checkpoint: "+err.Error())
	}
	return nil
}

func (r *AtomicOpRepository) GetOperation(ctx context.Context, id uuid.UUID) (atomicop.Operation, error) {
	var row operationRow
	const q = `SELECT * FROM clearing.atomic_operation WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return atomicop.Operation{}, clearingerrors.ErrNotFound
		}
		return atomicop.Operation{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading atomic operation: "+err.Error())
	}

	var cpRows []checkpointRow
	const cpQ = `SELECT * FROM clearing.atomic_checkpoint WHERE op_id = $1 ORDER BY ord ASC`
	if err := r.db.SelectContext(ctx, &cpRows, cpQ, id); err != nil {
		return atomicop.Operation{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading checkpoints: "+err.Error())
	}

	op := atomicop.Operation{
		ID:             row.ID,
		Type:           atomicop.Type(row.Type),
		State:          atomicop.State(row.State),
		StartedAt:      row.StartedAt.Time,
		RollbackReason: row.RollbackReason,
	}
	if row.WindowID.Valid {
		w := row.WindowID.Int64
		op.WindowID = &w
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		op.CompletedAt = &t
	}
	if row.RolledBackAt.Valid {
		t := row.RolledBackAt.Time
		op.RolledBackAt = &t
	}
	for _, cpr := range cpRows {
		op.Checkpoints = append(op.Checkpoints, atomicop.Checkpoint{
			Order: cpr.Ord, Name: cpr.Name, Data: cpr.Data, Rollback: cpr.Rollback,
		})
	}
	return op, nil
}
