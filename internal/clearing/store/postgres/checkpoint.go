package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"settlerail/internal/clearing/checkpoint"
	clearingerrors "settlerail/pkg/errors"
)

// CheckpointRepository persists checkpoints and their per-validator
// signature set, one row per (checkpoint_id, validator_id) pair so a
// restarted manager can rebuild quorum state without replaying events.
type CheckpointRepository struct {
	db *sqlx.DB
}

func NewCheckpointRepository(db *sqlx.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

type checkpointDBRow struct {
	ID               string       `db:"id"`
	Height           int64        `db:"height"`
	PrevCheckpointID string       `db:"prev_checkpoint_id"`
	AppHash          string       `db:"app_hash"`
	MerkleRoot       string       `db:"merkle_root"`
	NetworkID        string       `db:"network_id"`
	ProtocolVersion  string       `db:"protocol_version"`
	BlockID          uuid.UUID    `db:"block_id"`
	FromSeq          int64        `db:"from_seq"`
	ToSeq            int64        `db:"to_seq"`
	Stats            []byte       `db:"summary_stats"`
	HSMSig           []byte       `db:"hsm_signature"`
	HSMPublicKey     []byte       `db:"hsm_public_key"`
	Finalized        bool         `db:"finalized"`
	CreatedAt        sql.NullTime `db:"created_at"`
	FinalizedAt      sql.NullTime `db:"finalized_at"`
}

type signatureRow struct {
	CheckpointID string `db:"checkpoint_id"`
	ValidatorID  string `db:"validator_id"`
	Signature    []byte `db:"signature"`
}

func (r *CheckpointRepository) SaveCheckpoint(ctx context.Context, c checkpoint.Checkpoint) error {
	stats, err := json.Marshal(c.Stats)
	if err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "marshaling checkpoint summary stats: "+err.Error())
	}
	row := checkpointDBRow{
		ID:               c.ID,
		Height:           c.Height,
		PrevCheckpointID: c.PrevCheckpointID,
		AppHash:          c.AppHash,
		MerkleRoot:       c.MerkleRoot,
		NetworkID:        c.NetworkID,
		ProtocolVersion:  c.ProtocolVersion,
		BlockID:          c.BlockID,
		FromSeq:          c.FromSeq,
		ToSeq:            c.ToSeq,
		Stats:            stats,
		HSMSig:           c.HSMSig,
		HSMPublicKey:     c.HSMPublicKey,
		Finalized:        c.Finalized,
		CreatedAt:        sql.NullTime{Time: c.CreatedAt, Valid: !c.CreatedAt.IsZero()},
		FinalizedAt:      sql.NullTime{Time: c.FinalizedAt, Valid: !c.FinalizedAt.IsZero()},
	}
	const q = `
		INSERT INTO clearing.checkpoint (
			id, height, prev_checkpoint_id, app_hash, merkle_root, network_id, protocol_version,
			block_id, from_seq, to_seq, summary_stats, hsm_signature, hsm_public_key, finalized,
			created_at, finalized_at
		) VALUES (
			:id, :height, :prev_checkpoint_id, :app_hash, :merkle_root, :network_id, :protocol_version,
			:block_id, :from_seq, :to_seq, :summary_stats, :hsm_signature, :hsm_public_key, :finalized,
			:created_at, :finalized_at
		)
		ON CONFLICT (id) DO UPDATE SET
			hsm_signature = EXCLUDED.hsm_signature,
			finalized = EXCLUDED.finalized,
			finalized_at = EXCLUDED.finalized_at`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "saving checkpoint: "+err.Error())
	}
	return nil
}

func (r *CheckpointRepository) SaveSignature(ctx context.Context, checkpointID string, validatorID string, sig []byte) error {
	row := signatureRow{CheckpointID: checkpointID, ValidatorID: validatorID, Signature: sig}
	const q = `
		INSERT INTO clearing.checkpoint_signature (checkpoint_id, validator_id, signature)
		VALUES (:checkpoint_id, :validator_id, :signature)
		ON CONFLICT (checkpoint_id, validator_id) DO UPDATE SET signature = EXCLUDED.signature`
	if _, err := r.db.NamedExecContext(ctx, q, row); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrStorageError, "saving checkpoint signature: "+err.Error())
	}
	return nil
}

func (r *CheckpointRepository) GetCheckpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	var row checkpointDBRow
	const q = `SELECT * FROM clearing.checkpoint WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Checkpoint{}, clearingerrors.ErrNotFound
		}
		return checkpoint.Checkpoint{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading checkpoint: "+err.Error())
	}
	return rowToCheckpoint(ctx, r.db, row)
}

func (r *CheckpointRepository) LastCheckpoint(ctx context.Context) (checkpoint.Checkpoint, bool, error) {
	var row checkpointDBRow
	const q = `SELECT * FROM clearing.checkpoint ORDER BY height DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &row, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Checkpoint{}, false, nil
		}
		return checkpoint.Checkpoint{}, false, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading last checkpoint: "+err.Error())
	}
	c, err := rowToCheckpoint(ctx, r.db, row)
	return c, true, err
}

func rowToCheckpoint(ctx context.Context, db *sqlx.DB, row checkpointDBRow) (checkpoint.Checkpoint, error) {
	var sigRows []signatureRow
	const sigQ = `SELECT * FROM clearing.checkpoint_signature WHERE checkpoint_id = $1`
	if err := db.SelectContext(ctx, &sigRows, sigQ, row.ID); err != nil {
		return checkpoint.Checkpoint{}, clearingerrors.Wrap(clearingerrors.ErrStorageError, "loading checkpoint signatures: "+err.Error())
	}

	var stats checkpoint.SummaryStats
	if len(row.Stats) > 0 {
		if err := json.Unmarshal(row.Stats, &stats); err != nil {
			return checkpoint.Checkpoint{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "unmarshaling checkpoint summary stats: "+err.Error())
		}
	}

	c := checkpoint.Checkpoint{
		ID:               row.ID,
		Height:           row.Height,
		PrevCheckpointID: row.PrevCheckpointID,
		AppHash:          row.AppHash,
		MerkleRoot:       row.MerkleRoot,
		NetworkID:        row.NetworkID,
		ProtocolVersion:  row.ProtocolVersion,
		BlockID:          row.BlockID,
		FromSeq:          row.FromSeq,
		ToSeq:            row.ToSeq,
		Stats:            stats,
		Signatures:       make(map[string][]byte, len(sigRows)),
		HSMSig:           row.HSMSig,
		HSMPublicKey:     row.HSMPublicKey,
		Finalized:        row.Finalized,
		CreatedAt:        row.CreatedAt.Time,
		FinalizedAt:      row.FinalizedAt.Time,
	}
	for _, sr := range sigRows {
		c.Signatures[sr.ValidatorID] = sr.Signature
	}
	return c, nil
}
