package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Block anchors a contiguous range of events under a single Merkle root,
// chained to its predecessor by hash the way the event log itself no
// longer is (events chain per-payment via PreviousEventID, not globally).
// The checkpoint manager collects validator attestations
// over this same (block_id, merkle_root, from_seq, to_seq) tuple via
// checkpoint.Checkpoint.Signatures; Block does not keep a second copy of
// that signature set, only the proposer's own.
type Block struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Height            int64     `db:"height" json:"height"`
	FromSeq           int64     `db:"from_seq" json:"from_seq"`
	ToSeq             int64     `db:"to_seq" json:"to_seq"`
	EventCount        int       `db:"event_count" json:"event_count"`
	MerkleRoot        string    `db:"merkle_root" json:"merkle_root"`
	PrevBlockHash     string    `db:"prev_block_hash" json:"prev_block_hash"`
	BlockHash         string    `db:"block_hash" json:"block_hash"`
	ProposerSignature []byte    `db:"proposer_signature" json:"proposer_signature,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// computeBlockHash implements the block-hash binding:
// own_hash = H(height ‖ merkle_root ‖ previous_block_hash ‖ event_count ‖ creation_timestamp)
func computeBlockHash(height int64, merkleRoot, prevBlockHash string, eventCount int, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(height, 10)))
	h.Write([]byte(merkleRoot))
	h.Write([]byte(prevBlockHash))
	h.Write([]byte(strconv.Itoa(eventCount)))
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildBlock anchors events (already ordered by sequence, covering
// [fromSeq, toSeq]) into the next Block after a chain whose tip hash is
// prevBlockHash, at the given height, signing the result with sign (the
// ledger's own proposer key, distinct from the per-event signature). A
// zero-length event set is valid: its Merkle root is the 32-zero string.
func BuildBlock(idGenFn func() uuid.UUID, height int64, prevBlockHash string, fromSeq, toSeq int64, events []Event, sign func([]byte) ([]byte, error)) (Block, *MerkleTree, error) {
	leaves := make([]string, len(events))
	for i, e := range events {
		leaves[i] = hex.EncodeToString(e.digest())
	}
	tree, err := BuildMerkleTree(leaves)
	if err != nil {
		return Block{}, nil, err
	}

	createdAt := time.Now().UTC()
	eventCount := len(events)
	merkleRoot := tree.Root()
	blockHash := computeBlockHash(height, merkleRoot, prevBlockHash, eventCount, createdAt)

	sig, err := sign([]byte(blockHash))
	if err != nil {
		return Block{}, nil, err
	}

	return Block{
		ID:                idGenFn(),
		Height:            height,
		FromSeq:           fromSeq,
		ToSeq:             toSeq,
		EventCount:        eventCount,
		MerkleRoot:        merkleRoot,
		PrevBlockHash:     prevBlockHash,
		BlockHash:         blockHash,
		ProposerSignature: sig,
		CreatedAt:         createdAt,
	}, tree, nil
}
