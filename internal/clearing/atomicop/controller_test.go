package atomicop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"settlerail/internal/clearing/idgen"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

type memRepo struct {
	ops map[uuid.UUID]Operation
}

func newMemRepo() *memRepo { return &memRepo{ops: make(map[uuid.UUID]Operation)} }

func (m *memRepo) SaveOperation(ctx context.Context, op Operation) error {
	if existing, ok := m.ops[op.ID]; ok {
		op.Checkpoints = existing.Checkpoints
	}
	m.ops[op.ID] = op
	return nil
}

func (m *memRepo) AppendCheckpoint(ctx context.Context, opID uuid.UUID, cp Checkpoint) error {
	op, ok := m.ops[opID]
	if !ok {
		return clearingerrors.ErrNotFound
	}
	op.Checkpoints = append(op.Checkpoints, cp)
	m.ops[opID] = op
	return nil
}

func (m *memRepo) GetOperation(ctx context.Context, id uuid.UUID) (Operation, error) {
	op, ok := m.ops[id]
	if !ok {
		return Operation{}, clearingerrors.ErrNotFound
	}
	return op, nil
}

func TestCommit_HappyPath(t *testing.T) {
	repo := newMemRepo()
	ctrl := NewController(repo, idgen.Sequential("op"), logger.NewNop())
	ctx := context.Background()

	op, err := ctrl.Begin(ctx, "window.close", nil)
	assert.NoError(t, err)
	assert.NoError(t, ctrl.Checkpoint(ctx, op.ID, "debit", map[string]string{"acct": "a"}, map[string]string{"undo": "credit-a"}))
	assert.NoError(t, ctrl.Commit(ctx, op.ID))

	got, err := repo.GetOperation(ctx, op.ID)
	assert.NoError(t, err)
	assert.Equal(t, StateCommitted, got.State)
	assert.NotNil(t, got.CompletedAt)
}

func TestRollback_InvokesHandlersInReverseOrder_BestEffort(t *testing.T) {
	repo := newMemRepo()
	ctrl := NewController(repo, idgen.Sequential("op"), logger.NewNop())

	var order []string
	ctrl.RegisterHandler("debit", func(ctx context.Context, data json.RawMessage) error {
		order = append(order, "debit")
		return nil
	})
	ctrl.RegisterHandler("credit", func(ctx context.Context, data json.RawMessage) error {
		order = append(order, "credit")
		return assert.AnError // a failing handler must not block the rest
	})

	ctx := context.Background()
	op, err := ctrl.Begin(ctx, "netting.settle", nil)
	assert.NoError(t, err)
	assert.NoError(t, ctrl.Checkpoint(ctx, op.ID, "debit", "d", "d-rollback"))
	assert.NoError(t, ctrl.Checkpoint(ctx, op.ID, "credit", "c", "c-rollback"))
	assert.NoError(t, ctrl.Checkpoint(ctx, op.ID, "unknown-step", "u", "u-rollback"))

	assert.NoError(t, ctrl.Rollback(ctx, op.ID, "test rollback"))

	assert.Equal(t, []string{"credit", "debit"}, order)

	got, err := repo.GetOperation(ctx, op.ID)
	assert.NoError(t, err)
	assert.Equal(t, StateRolledBack, got.State)
	assert.NotNil(t, got.RolledBackAt)
	assert.Equal(t, "test rollback", got.RollbackReason)
}

func TestCheckpoint_AfterTerminal_Fails(t *testing.T) {
	repo := newMemRepo()
	ctrl := NewController(repo, idgen.Sequential("op"), logger.NewNop())
	ctx := context.Background()

	op, err := ctrl.Begin(ctx, "window.close", nil)
	assert.NoError(t, err)
	assert.NoError(t, ctrl.Commit(ctx, op.ID))

	err = ctrl.Checkpoint(ctx, op.ID, "late", "x", nil)
	assert.ErrorIs(t, err, clearingerrors.ErrInvalidStateTransition)
}
