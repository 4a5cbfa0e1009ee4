package ledger

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlerail/internal/clearing/hsm"
	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/money"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/config"
	"settlerail/pkg/logger"
)

type memRepo struct {
	events []Event
	blocks []Block
}

func (r *memRepo) AppendEvent(ctx context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return nil
}
func (r *memRepo) LastEvent(ctx context.Context) (Event, bool, error) {
	if len(r.events) == 0 {
		return Event{}, false, nil
	}
	return r.events[len(r.events)-1], true, nil
}
func (r *memRepo) GetEvent(ctx context.Context, id uuid.UUID) (Event, bool, error) {
	for _, e := range r.events {
		if e.ID == id {
			return e, true, nil
		}
	}
	return Event{}, false, nil
}
func (r *memRepo) LastEventForPayment(ctx context.Context, paymentID uuid.UUID) (Event, bool, error) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].PaymentID == paymentID {
			return r.events[i], true, nil
		}
	}
	return Event{}, false, nil
}
func (r *memRepo) EventsForPayment(ctx context.Context, paymentID uuid.UUID) ([]Event, error) {
	var out []Event
	for _, e := range r.events {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}
func (r *memRepo) EventsInRange(ctx context.Context, fromSeq, toSeq int64) ([]Event, error) {
	var out []Event
	for _, e := range r.events {
		if e.Sequence >= fromSeq && e.Sequence <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}
func (r *memRepo) SaveBlock(ctx context.Context, b Block) error {
	r.blocks = append(r.blocks, b)
	return nil
}
func (r *memRepo) LastBlock(ctx context.Context) (Block, bool, error) {
	if len(r.blocks) == 0 {
		return Block{}, false, nil
	}
	return r.blocks[len(r.blocks)-1], true, nil
}
func (r *memRepo) BlocksInRange(ctx context.Context, fromHeight, toHeight int64) ([]Block, error) {
	var out []Block
	for _, b := range r.blocks {
		if b.Height >= fromHeight && b.Height <= toHeight {
			out = append(out, b)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	handle, err := hsm.Init(config.HSMConfig{Provider: "mock"})
	require.NoError(t, err)
	repo := &memRepo{}
	svc, err := NewService(repo, handle, idgen.Sequential("evt"), logger.NewNop())
	require.NoError(t, err)
	return svc, repo
}

func usd(t *testing.T, v string) money.Amount {
	t.Helper()
	amt, err := money.ParseAmount(v, "USD")
	require.NoError(t, err)
	return amt
}

func TestAppend_SequencesAndChainsPerPayment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	paymentID := uuid.New()

	e1, err := svc.Append(ctx, paymentID, KindInitiated, usd(t, "100.00"), "CHASUS33", "CITIUS33", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, uuid.Nil, e1.PreviousEventID)

	e2, err := svc.Append(ctx, paymentID, KindQueued, usd(t, "100.00"), "CHASUS33", "CITIUS33", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e2.Sequence)
	assert.Equal(t, e1.ID, e2.PreviousEventID)

	// A different payment starts its own chain.
	other, err := svc.Append(ctx, uuid.New(), KindInitiated, usd(t, "5.00"), "CHASUS33", "CITIUS33", nil)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, other.PreviousEventID)
}

func TestVerifyEvent_RejectsTamperAndCrossPaymentChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	paymentID := uuid.New()

	e1, err := svc.Append(ctx, paymentID, KindInitiated, usd(t, "100.00"), "CHASUS33", "CITIUS33", nil)
	require.NoError(t, err)
	assert.NoError(t, svc.VerifyEvent(ctx, e1))

	tampered := e1
	tampered.Creditor = "EVILGB2L"
	assert.ErrorIs(t, svc.VerifyEvent(ctx, tampered), clearingerrors.ErrSignatureInvalid)

	// A correctly signed event whose PreviousEventID resolves to another
	// payment's event must still be rejected.
	cross, err := newEvent(idgen.Sequential("cross"), 99, uuid.New(), KindInitiated,
		usd(t, "7.00"), "CHASUS33", "CITIUS33", e1.ID, svc.signer.Sign, nil)
	require.NoError(t, err)
	err = svc.VerifyEvent(ctx, cross)
	assert.ErrorIs(t, err, clearingerrors.ErrInvalidInput)
}

func TestPaymentState_FoldsLatestKind(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	paymentID := uuid.New()

	_, err := svc.Append(ctx, paymentID, KindInitiated, usd(t, "10.00"), "A", "B", nil)
	require.NoError(t, err)
	_, err = svc.Append(ctx, paymentID, KindQueued, usd(t, "10.00"), "A", "B", nil)
	require.NoError(t, err)

	st, err := svc.PaymentState(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, string(KindQueued), st.Status)
	assert.Equal(t, int64(2), st.LastSeq)

	_, err = svc.PaymentState(ctx, uuid.New())
	assert.ErrorIs(t, err, clearingerrors.ErrNotFound)
}

func TestCheckMoneyConservation_FlagsAmountDrift(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	paymentID := uuid.New()

	_, err := svc.Append(ctx, paymentID, KindInitiated, usd(t, "100.00"), "A", "B", nil)
	require.NoError(t, err)
	_, err = svc.Append(ctx, paymentID, KindSettlementCompleted, usd(t, "100.00"), "A", "B", nil)
	require.NoError(t, err)

	ok, err := svc.CheckMoneyConservation(ctx, paymentID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Rewrite an amount behind the service's back: the audit must notice.
	repo.events[1].Amount = usd(t, "90.00")
	ok, err = svc.CheckMoneyConservation(ctx, paymentID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinalizeBlock_ChainsByPrevHash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Append(ctx, uuid.New(), KindInitiated, usd(t, "10.00"), "A", "B", nil)
		require.NoError(t, err)
	}

	b0, err := svc.FinalizeBlock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b0.Height)
	assert.Equal(t, zeroBlockHash, b0.PrevBlockHash)
	assert.Equal(t, 2, b0.EventCount)
	assert.NotEmpty(t, b0.MerkleRoot)

	b1, err := svc.FinalizeBlock(ctx, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b1.Height)
	assert.Equal(t, b0.BlockHash, b1.PrevBlockHash)

	assert.NoError(t, svc.VerifyBlockChain(ctx, 0, 1))
}

func TestVerifyBlockChain_DetectsTamper(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, uuid.New(), KindInitiated, usd(t, "10.00"), "A", "B", nil)
	require.NoError(t, err)
	_, err = svc.FinalizeBlock(ctx, 1, 1)
	require.NoError(t, err)

	repo.blocks[0].MerkleRoot = "tampered"
	assert.Error(t, svc.VerifyBlockChain(ctx, 0, 0))
}

func TestFinalizeBlock_EmptyRangeYieldsZeroMerkleRoot(t *testing.T) {
	svc, _ := newTestService(t)

	block, err := svc.FinalizeBlock(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, block.EventCount)
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000000", block.MerkleRoot)
	assert.Equal(t, int64(0), block.Height)
	assert.NoError(t, svc.VerifyBlockChain(context.Background(), 0, 0))
}

func TestMerkleTree_ProofRoundTrip(t *testing.T) {
	cases := map[string]int{"single": 1, "pair": 2, "odd": 3, "larger": 7}
	for name, n := range cases {
		t.Run(name, func(t *testing.T) {
			leaves := make([]string, n)
			for i := range leaves {
				leaves[i] = hex.EncodeToString([]byte{byte(i + 1), 0xAB, 0xCD})
			}
			tree, err := BuildMerkleTree(leaves)
			require.NoError(t, err)

			for i := range leaves {
				siblings, isRight, err := tree.Proof(i)
				require.NoError(t, err)
				assert.True(t, VerifyProof(tree.leaves[i], siblings, isRight, tree.root))
			}
		})
	}
}

func TestMerkleTree_SingleLeafRootIsLeaf(t *testing.T) {
	leaf := hex.EncodeToString([]byte("only-leaf"))
	tree, err := BuildMerkleTree([]string{leaf})
	require.NoError(t, err)
	assert.Equal(t, leaf, tree.Root())

	siblings, isRight, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, siblings)
	assert.Empty(t, isRight)
}

func TestMerkleTree_EmptyRootIsZeroBytes(t *testing.T) {
	tree, err := BuildMerkleTree(nil)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000000", tree.Root())
}
