package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/google/uuid"

	"settlerail/internal/clearing/hsm"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// zeroCheckpointID is the seed prev_checkpoint_id at height 0
const zeroCheckpointID = "0000000000000000000000000000000000000000000000000000000000000000"

// SummaryStats is the free-form per-interval summary a checkpoint carries:
// counts and totals a reader can sanity-check without replaying the ledger.
type SummaryStats struct {
	EventCount      int    `json:"event_count"`
	ObligationCount int    `json:"obligation_count"`
	NetPositionSum  string `json:"net_position_sum,omitempty"`
}

// Checkpoint is a BFT- and HSM-signed commitment over one block height. Its
// id is never assigned by the caller: it is the hash of the canonical fields
// (everything except the signatures, the HSM public key and the finalization
// fields), computed by canonicalBytes/recomputeID, so any mutation of those
// fields after the fact is self-evidently detectable.
type Checkpoint struct {
	ID               string            `db:"id" json:"id"`
	Height           int64             `db:"height" json:"height"`
	PrevCheckpointID string            `db:"prev_checkpoint_id" json:"prev_checkpoint_id"`
	AppHash          string            `db:"app_hash" json:"app_hash"`
	MerkleRoot       string            `db:"merkle_root" json:"merkle_root"`
	NetworkID        string            `db:"network_id" json:"network_id"`
	ProtocolVersion  string            `db:"protocol_version" json:"protocol_version"`
	BlockID          uuid.UUID         `db:"block_id" json:"block_id"`
	FromSeq          int64             `db:"from_seq" json:"from_seq"`
	ToSeq            int64             `db:"to_seq" json:"to_seq"`
	Stats            SummaryStats      `db:"-" json:"summary_stats"`
	Signatures       map[string][]byte `db:"-" json:"signatures"`
	HSMSig           []byte            `db:"hsm_signature" json:"hsm_signature,omitempty"`
	HSMPublicKey     []byte            `db:"hsm_public_key" json:"hsm_public_key,omitempty"`
	Finalized        bool              `db:"finalized" json:"finalized"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	FinalizedAt      time.Time         `db:"finalized_at" json:"finalized_at,omitempty"`
}

// Repository persists checkpoints and their validator signatures.
type Repository interface {
	SaveCheckpoint(ctx context.Context, c Checkpoint) error
	SaveSignature(ctx context.Context, checkpointID string, validatorID string, sig []byte) error
	GetCheckpoint(ctx context.Context, id string) (Checkpoint, error)
	LastCheckpoint(ctx context.Context) (Checkpoint, bool, error)
}

// canonicalBytes is the exact byte sequence both the HSM signature and the
// recomputed id cover. It deliberately omits ID, Signatures, HSMSig,
// HSMPublicKey, Finalized and FinalizedAt: those are either the thing being computed or
// added only after the canonical form already exists.
func canonicalBytes(c Checkpoint) []byte {
	stats, _ := json.Marshal(c.Stats)
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(c.Height, 10)))
	h.Write([]byte(c.PrevCheckpointID))
	h.Write([]byte(c.AppHash))
	h.Write([]byte(c.MerkleRoot))
	h.Write([]byte(c.NetworkID))
	h.Write([]byte(c.ProtocolVersion))
	h.Write(c.BlockID[:])
	h.Write([]byte(strconv.FormatInt(c.FromSeq, 10)))
	h.Write([]byte(strconv.FormatInt(c.ToSeq, 10)))
	h.Write(stats)
	h.Write([]byte(c.CreatedAt.UTC().Format(time.RFC3339Nano)))
	return h.Sum(nil)
}

func recomputeID(c Checkpoint) string {
	return hex.EncodeToString(canonicalBytes(c))
}

// signingMessage is what every validator, and the HSM, sign over a pending
// checkpoint: the canonical bytes, binding a signature to this exact height,
// app hash, merkle root and block range so it cannot be replayed elsewhere.
func signingMessage(c Checkpoint) []byte {
	return canonicalBytes(c)
}

// Manager tracks the checkpoint chain's tip and emits a new checkpoint only
// on a height/interval boundary, collecting validator signatures and an HSM
// endorsement before finalizing it.
type Manager struct {
	mu         sync.Mutex
	repo       Repository
	validators *ValidatorSet
	hsmHandle  hsm.Handle
	log        logger.Logger

	networkID       string
	protocolVersion string
	interval        int64

	lastCheckpointID       string
	lastCheckpointedHeight int64
	lastOpenedHeight       int64

	pending map[string]*Checkpoint
}

func NewManager(repo Repository, validators *ValidatorSet, hsmHandle hsm.Handle, networkID, protocolVersion string, interval int64, log logger.Logger) (*Manager, error) {
	m := &Manager{
		repo:                   repo,
		validators:             validators,
		hsmHandle:              hsmHandle,
		networkID:              networkID,
		protocolVersion:        protocolVersion,
		interval:               interval,
		lastCheckpointID:       zeroCheckpointID,
		lastCheckpointedHeight: -1,
		lastOpenedHeight:       -1,
		log:                    log,
		pending:                make(map[string]*Checkpoint),
	}
	last, ok, err := repo.LastCheckpoint(context.Background())
	if err != nil {
		return nil, clearingerrors.Wrap(err, "loading last checkpoint")
	}
	if ok {
		m.lastCheckpointID = last.ID
		m.lastCheckpointedHeight = last.Height
		m.lastOpenedHeight = last.Height
	}
	return m, nil
}

// MaybeCheckpoint is the height-interval gate: it opens a new pending
// checkpoint only when height is a positive multiple of the configured
// interval, and is idempotent: a repeat call at a height already opened or
// checkpointed returns nil with ok == false, not a duplicate.
func (m *Manager) MaybeCheckpoint(ctx context.Context, height int64, blockID uuid.UUID, appHash, merkleRoot string, fromSeq, toSeq int64, stats SummaryStats) (*Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height <= 0 || height%m.interval != 0 {
		return nil, false, nil
	}
	// Repeat calls at an already-checkpointed or already-opened height are
	// no-ops, whether or not the earlier one has collected its quorum yet.
	if height <= m.lastCheckpointedHeight || height <= m.lastOpenedHeight {
		return nil, false, nil
	}

	c := &Checkpoint{
		Height:           height,
		PrevCheckpointID: m.lastCheckpointID,
		AppHash:          appHash,
		MerkleRoot:       merkleRoot,
		NetworkID:        m.networkID,
		ProtocolVersion:  m.protocolVersion,
		BlockID:          blockID,
		FromSeq:          fromSeq,
		ToSeq:            toSeq,
		Stats:            stats,
		Signatures:       make(map[string][]byte),
		HSMPublicKey:     m.hsmHandle.PublicKey(),
		CreatedAt:        time.Now().UTC(),
	}
	c.ID = recomputeID(*c)
	if err := m.repo.SaveCheckpoint(ctx, *c); err != nil {
		return nil, false, clearingerrors.Wrap(err, "saving checkpoint")
	}
	m.pending[c.ID] = c
	m.lastOpenedHeight = height
	m.log.Info("checkpoint opened", map[string]interface{}{"checkpoint_id": c.ID, "height": height})
	return c, true, nil
}

// SubmitSignature records one validator's signature over the checkpoint's
// canonical bytes, rejecting signatures that don't verify.
func (m *Manager) SubmitSignature(ctx context.Context, checkpointID string, validatorID string, sig []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[checkpointID]
	if !ok {
		return clearingerrors.Wrap(clearingerrors.ErrNotFound, "checkpoint not pending")
	}
	v, ok := m.validators.Get(validatorID)
	if !ok {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "unknown validator "+validatorID)
	}
	if !v.PublicKey.VerifySignature(signingMessage(*c), sig) {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "signature verification failed for "+validatorID)
	}
	c.Signatures[validatorID] = sig
	return m.repo.SaveSignature(ctx, checkpointID, validatorID, sig)
}

// TryFinalize endorses the checkpoint with the HSM and marks it final once
// BFT quorum has been reached. Returns ErrQuorumNotMet if not yet ready;
// callers poll this after each SubmitSignature.
func (m *Manager) TryFinalize(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[checkpointID]
	if !ok {
		return nil, clearingerrors.Wrap(clearingerrors.ErrNotFound, "checkpoint not pending")
	}
	if c.Finalized {
		return c, nil
	}
	if len(c.Signatures) < m.validators.QuorumSize() {
		return nil, clearingerrors.Wrap(clearingerrors.ErrQuorumNotMet,
			"have "+strconv.Itoa(len(c.Signatures))+" of "+strconv.Itoa(m.validators.QuorumSize())+" required signatures")
	}
	sig, err := m.hsmHandle.Sign(signingMessage(*c))
	if err != nil {
		return nil, clearingerrors.Wrap(err, "HSM endorsement failed")
	}
	c.HSMSig = sig
	c.Finalized = true
	c.FinalizedAt = time.Now().UTC()
	if err := m.repo.SaveCheckpoint(ctx, *c); err != nil {
		return nil, clearingerrors.Wrap(err, "persisting finalized checkpoint")
	}
	delete(m.pending, checkpointID)
	m.lastCheckpointID = c.ID
	m.lastCheckpointedHeight = c.Height
	m.log.Info("checkpoint finalized", map[string]interface{}{
		"checkpoint_id": c.ID,
		"height":        c.Height,
		"signers":       len(c.Signatures),
	})
	return c, nil
}

// Verify runs the four checks in order, failing fast on the first violation.
// hsmPub is the HSM public key embedded in the checkpoint itself (c.HSMPublicKey
// as recorded at emission time), not a live handle; verification must work
// against an archived checkpoint long after the signing process has exited.
func Verify(c Checkpoint, validators *ValidatorSet) error {
	if recomputeID(c) != c.ID {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition, "checkpoint id does not match recomputed canonical hash")
	}
	hsmPub := ed25519.PubKey(c.HSMPublicKey)
	if !hsmPub.VerifySignature(signingMessage(c), c.HSMSig) {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "HSM signature verification failed")
	}
	if len(c.Signatures) < validators.QuorumSize() {
		return clearingerrors.Wrap(clearingerrors.ErrQuorumNotMet,
			"have "+strconv.Itoa(len(c.Signatures))+" of "+strconv.Itoa(validators.QuorumSize())+" required validator signatures")
	}
	msg := signingMessage(c)
	for id, sig := range c.Signatures {
		v, ok := validators.Get(id)
		if !ok {
			return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "signature from unknown validator "+id)
		}
		if !v.PublicKey.VerifySignature(msg, sig) {
			return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "validator signature verification failed for "+id)
		}
	}
	return nil
}

// VerifyChain additionally confirms ckpts[i].prev_checkpoint_id ==
// ckpts[i-1].checkpoint_id for every consecutive pair.
func VerifyChain(ckpts []Checkpoint, validators *ValidatorSet) error {
	for i, c := range ckpts {
		if err := Verify(c, validators); err != nil {
			return clearingerrors.Wrap(err, "checkpoint at height "+strconv.FormatInt(c.Height, 10)+" failed verification")
		}
		if i > 0 && c.PrevCheckpointID != ckpts[i-1].ID {
			return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition,
				"broken checkpoint chain link at height "+strconv.FormatInt(c.Height, 10))
		}
	}
	return nil
}
