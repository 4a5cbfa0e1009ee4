package atomicop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/idgen"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// RollbackHandler undoes one checkpoint's effect given its rollback
// payload. Handlers are registered by checkpoint name; an unknown name is
// logged and skipped rather than aborting the whole rollback; rollback
// stays best-effort.
type RollbackHandler func(ctx context.Context, rollbackData json.RawMessage) error

// Repository persists operations and their checkpoints.
type Repository interface {
	SaveOperation(ctx context.Context, op Operation) error
	AppendCheckpoint(ctx context.Context, opID uuid.UUID, cp Checkpoint) error
	GetOperation(ctx context.Context, id uuid.UUID) (Operation, error)
}

// Controller drives the begin/checkpoint/commit-or-rollback lifecycle. A
// per-operation lock guards its own checkpoint list; checkpoints of
// distinct operations never contend.
type Controller struct {
	repo     Repository
	ids      idgen.Source
	log      logger.Logger
	handlers map[string]RollbackHandler

	locks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewController(repo Repository, ids idgen.Source, log logger.Logger) *Controller {
	return &Controller{repo: repo, ids: ids, log: log, handlers: make(map[string]RollbackHandler)}
}

// RegisterHandler binds a rollback handler to a checkpoint name. Call
// during wiring, before any operation using that checkpoint name begins.
func (c *Controller) RegisterHandler(checkpointName string, h RollbackHandler) {
	c.handlers[checkpointName] = h
}

func (c *Controller) lockFor(id uuid.UUID) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Begin starts a new operation in InProgress state.
func (c *Controller) Begin(ctx context.Context, opType Type, windowID *int64) (*Operation, error) {
	op := Operation{
		ID:        c.ids(),
		Type:      opType,
		WindowID:  windowID,
		State:     StateInProgress,
		StartedAt: time.Now().UTC(),
	}
	if err := c.repo.SaveOperation(ctx, op); err != nil {
		return nil, clearingerrors.Wrap(err, "beginning atomic operation")
	}
	c.log.Info("atomic operation started", map[string]interface{}{"op_id": op.ID.String(), "type": string(opType)})
	return &op, nil
}

// Checkpoint persists one named step. Order is assigned here as the step's
// position in the operation's checkpoint list, so steps are numbered in the
// order they are appended.
// Failure after some checkpoints have already been persisted leaves the
// operation InProgress; the caller must retry Checkpoint or call Rollback.
func (c *Controller) Checkpoint(ctx context.Context, opID uuid.UUID, name string, data, rollback interface{}) error {
	mu := c.lockFor(opID)
	mu.Lock()
	defer mu.Unlock()

	op, err := c.repo.GetOperation(ctx, opID)
	if err != nil {
		return clearingerrors.Wrap(err, "loading operation")
	}
	if op.State != StateInProgress {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition, "operation not in progress")
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "marshaling checkpoint data")
	}
	var rollbackJSON json.RawMessage
	if rollback != nil {
		rollbackJSON, err = json.Marshal(rollback)
		if err != nil {
			return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "marshaling rollback data")
		}
	}
	cp := Checkpoint{Order: len(op.Checkpoints), Name: name, Data: dataJSON, Rollback: rollbackJSON}
	if err := c.repo.AppendCheckpoint(ctx, opID, cp); err != nil {
		return clearingerrors.Wrap(err, "persisting checkpoint")
	}
	return nil
}

// Commit marks the operation Committed and records the completion time.
func (c *Controller) Commit(ctx context.Context, opID uuid.UUID) error {
	mu := c.lockFor(opID)
	mu.Lock()
	defer mu.Unlock()

	op, err := c.repo.GetOperation(ctx, opID)
	if err != nil {
		return clearingerrors.Wrap(err, "loading operation")
	}
	if op.State != StateInProgress {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition, "operation not in progress")
	}
	now := time.Now().UTC()
	op.State = StateCommitted
	op.CompletedAt = &now
	if err := c.repo.SaveOperation(ctx, op); err != nil {
		return clearingerrors.Wrap(err, "committing operation")
	}
	c.log.Info("atomic operation committed", map[string]interface{}{"op_id": opID.String()})
	return nil
}

// Rollback marks the operation RolledBack and invokes each persisted
// checkpoint's rollback handler in reverse order. A handler failure is
// logged and does not abort the rest; the completion timestamp is always
// recorded so operators can audit a partial rollback.
func (c *Controller) Rollback(ctx context.Context, opID uuid.UUID, reason string) error {
	mu := c.lockFor(opID)
	mu.Lock()
	defer mu.Unlock()

	op, err := c.repo.GetOperation(ctx, opID)
	if err != nil {
		return clearingerrors.Wrap(err, "loading operation")
	}
	if op.State != StateInProgress {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition, "operation not in progress")
	}

	for i := len(op.Checkpoints) - 1; i >= 0; i-- {
		cp := op.Checkpoints[i]
		handler, ok := c.handlers[cp.Name]
		if !ok {
			c.log.Warn("no rollback handler registered, skipping", map[string]interface{}{
				"op_id": opID.String(), "checkpoint": cp.Name,
			})
			continue
		}
		if err := handler(ctx, cp.Rollback); err != nil {
			c.log.Error("rollback handler failed", map[string]interface{}{
				"op_id": opID.String(), "checkpoint": cp.Name, "error": err.Error(),
			})
		}
	}

	now := time.Now().UTC()
	op.State = StateRolledBack
	op.CompletedAt = &now
	op.RolledBackAt = &now
	op.RollbackReason = reason
	if err := c.repo.SaveOperation(ctx, op); err != nil {
		return clearingerrors.Wrap(err, "persisting rollback")
	}
	c.log.Warn("atomic operation rolled back", map[string]interface{}{"op_id": opID.String(), "reason": reason})
	return nil
}
