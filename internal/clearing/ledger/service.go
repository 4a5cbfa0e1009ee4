package ledger

import (
	"context"
	"strconv"
	"sync"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/google/uuid"

	"settlerail/internal/clearing/hsm"
	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/money"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// Repository persists events and blocks. The Postgres implementation
// (internal/clearing/store/postgres) appends under a serializable
// transaction so Sequence stays gap-free even under concurrent writers.
type Repository interface {
	AppendEvent(ctx context.Context, ev Event) error
	LastEvent(ctx context.Context) (Event, bool, error)
	GetEvent(ctx context.Context, id uuid.UUID) (Event, bool, error)
	LastEventForPayment(ctx context.Context, paymentID uuid.UUID) (Event, bool, error)
	EventsForPayment(ctx context.Context, paymentID uuid.UUID) ([]Event, error)
	EventsInRange(ctx context.Context, fromSeq, toSeq int64) ([]Event, error)
	SaveBlock(ctx context.Context, b Block) error
	LastBlock(ctx context.Context) (Block, bool, error)
	BlocksInRange(ctx context.Context, fromHeight, toHeight int64) ([]Block, error)
}

// Service is the append-only log described by the clearing engine's ledger
// component. It serializes appends with a mutex (mirroring the single
// writer-lock pattern the reconciled Postgres repository relies on for its
// own row locking) so Sequence/Height never race. signer is the same HSM
// handle the checkpoint manager endorses blocks with, reused here for both
// per-event and per-block proposer signatures, which verify against that
// handle's public key.
type Service struct {
	mu     sync.Mutex
	repo   Repository
	ids    idgen.Source
	signer hsm.Handle
	log    logger.Logger

	lastSeq       int64
	lastHeight    int64
	lastBlockHash string

	proj     *Projection
	onAppend func(Event)
}

// OnAppend registers a hook invoked after every successfully persisted
// event. Wiring uses it to announce ledger.event_appended on the event bus
// without the ledger depending on the bus package.
func (s *Service) OnAppend(fn func(Event)) {
	s.onAppend = fn
}

// zeroBlockHash seeds the chain: height 0's prev_block_hash is 32 zero
// bytes, hex encoded, the same seed the checkpoint chain uses.
const zeroBlockHash = "0000000000000000000000000000000000000000000000000000000000000000"

func NewService(repo Repository, signer hsm.Handle, ids idgen.Source, log logger.Logger) (*Service, error) {
	s := &Service{repo: repo, ids: ids, signer: signer, log: log, lastHeight: -1, lastBlockHash: zeroBlockHash, proj: NewProjection(0)}
	ctx := context.Background()

	last, ok, err := repo.LastEvent(ctx)
	if err != nil {
		return nil, clearingerrors.Wrap(err, "loading last ledger event")
	}
	if ok {
		s.lastSeq = last.Sequence
	}

	lastBlock, ok, err := repo.LastBlock(ctx)
	if err != nil {
		return nil, clearingerrors.Wrap(err, "loading last ledger block")
	}
	if ok {
		s.lastHeight = lastBlock.Height
		s.lastBlockHash = lastBlock.BlockHash
	}
	return s, nil
}

// LastSequence returns the sequence number of the most recently appended
// event, or 0 if the chain is empty. Used by callers that batch events
// into blocks on a fixed-size boundary rather than a wall-clock tick.
func (s *Service) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Height returns the height of the most recently finalized block, or -1
// before any block has been finalized.
func (s *Service) Height() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeight
}

// Append records a new fact about paymentID and returns the persisted,
// signed event. The event's PreviousEventID is taken from the payment's
// last persisted event (LastEventForPayment, below); callers do not supply
// it.
func (s *Service) Append(ctx context.Context, paymentID uuid.UUID, kind Kind, amount money.Amount, debtor, creditor string, metadata interface{}) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hasPrev, err := s.repo.LastEventForPayment(ctx, paymentID)
	if err != nil {
		return Event{}, clearingerrors.Wrap(err, "loading previous event for payment")
	}
	var prevID uuid.UUID
	if hasPrev {
		prevID = prev.ID
	}

	ev, err := newEvent(s.ids, s.lastSeq+1, paymentID, kind, amount, debtor, creditor, prevID, s.signer.Sign, metadata)
	if err != nil {
		return Event{}, clearingerrors.Wrap(err, "building ledger event")
	}
	if err := s.verifySignature(ev); err != nil {
		return Event{}, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "freshly signed event failed its own verification: "+err.Error())
	}
	if err := s.repo.AppendEvent(ctx, ev); err != nil {
		return Event{}, clearingerrors.Wrap(err, "persisting ledger event")
	}
	s.lastSeq = ev.Sequence
	s.proj.Apply(paymentID, string(kind), ev.Sequence)
	s.log.Info("ledger event appended", map[string]interface{}{
		"payment_id": paymentID.String(), "kind": string(kind), "sequence": ev.Sequence,
	})
	if s.onAppend != nil {
		s.onAppend(ev)
	}
	return ev, nil
}

// VerifyEvent re-checks a stored event's signature and, when it chains to a
// previous event, confirms that event belongs to the same payment: the
// signature must verify against a known public key, and previous-event-id,
// if present, must resolve to an event with the same payment id.
func (s *Service) VerifyEvent(ctx context.Context, ev Event) error {
	if err := s.verifySignature(ev); err != nil {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, err.Error())
	}
	if ev.PreviousEventID == uuid.Nil {
		return nil
	}
	prev, ok, err := s.repo.GetEvent(ctx, ev.PreviousEventID)
	if err != nil {
		return clearingerrors.Wrap(err, "loading previous event")
	}
	if !ok {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "previous_event_id does not resolve to a stored event")
	}
	if prev.PaymentID != ev.PaymentID {
		return clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "previous_event_id resolves to a different payment")
	}
	return nil
}

func (s *Service) verifySignature(ev Event) error {
	msg := signingBytes(ev.PaymentID, ev.Kind, ev.Amount, ev.Debtor, ev.Creditor, ev.Timestamp, ev.PreviousEventID)
	pub := ed25519.PubKey(s.signer.PublicKey())
	if !pub.VerifySignature(msg, ev.Signature) {
		return clearingerrors.Wrap(clearingerrors.ErrSignatureInvalid, "ledger event signature verification failed")
	}
	return nil
}

// PaymentState returns paymentID's projected status: the cached fold when
// still fresh, otherwise recomputed from the event log. The cache is never
// authoritative; a miss always re-reads the events.
func (s *Service) PaymentState(ctx context.Context, paymentID uuid.UUID) (PaymentState, error) {
	if st, ok := s.proj.Get(paymentID); ok {
		return st, nil
	}
	events, err := s.repo.EventsForPayment(ctx, paymentID)
	if err != nil {
		return PaymentState{}, clearingerrors.Wrap(err, "loading events for payment state")
	}
	if len(events) == 0 {
		return PaymentState{}, clearingerrors.Wrap(clearingerrors.ErrNotFound, "no events for payment "+paymentID.String())
	}
	last := events[len(events)-1]
	s.proj.Apply(paymentID, string(last.Kind), last.Sequence)
	return PaymentState{ObligationID: paymentID, Status: string(last.Kind), LastSeq: last.Sequence}, nil
}

// CheckMoneyConservation is the advisory money-conservation audit: for
// paymentID, every pair of recorded events sharing a currency must agree
// on amount. It is advisory, not a write-time gate; a caller that finds
// ok == false decides whether to flag the discrepancy on the event bus,
// not to block anything on this call.
func (s *Service) CheckMoneyConservation(ctx context.Context, paymentID uuid.UUID) (ok bool, err error) {
	events, err := s.repo.EventsForPayment(ctx, paymentID)
	if err != nil {
		return false, clearingerrors.Wrap(err, "loading events for money conservation check")
	}
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			a, b := events[i], events[j]
			if a.Amount.Currency.Code == "" || b.Amount.Currency.Code == "" {
				continue
			}
			if a.Amount.Currency.Code != b.Amount.Currency.Code {
				continue
			}
			if !a.Amount.Value.Equal(b.Amount.Value) {
				return false, nil
			}
		}
	}
	return true, nil
}

// VerifyBlockChain recomputes every block's own hash across [fromHeight,
// toHeight] and confirms each links to its predecessor through previous_block_hash.
func (s *Service) VerifyBlockChain(ctx context.Context, fromHeight, toHeight int64) error {
	blocks, err := s.repo.BlocksInRange(ctx, fromHeight, toHeight)
	if err != nil {
		return clearingerrors.Wrap(err, "loading blocks for chain verification")
	}
	for i, b := range blocks {
		want := computeBlockHash(b.Height, b.MerkleRoot, b.PrevBlockHash, b.EventCount, b.CreatedAt)
		if want != b.BlockHash {
			return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition,
				"block hash mismatch at height "+strconv.FormatInt(b.Height, 10))
		}
		if i > 0 && b.PrevBlockHash != blocks[i-1].BlockHash {
			return clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition,
				"broken block chain link at height "+strconv.FormatInt(b.Height, 10))
		}
	}
	return nil
}

// FinalizeBlock anchors [fromSeq, toSeq] into the next Block in the chain,
// for the checkpoint manager to collect validator attestations over. Called
// on the block-size boundary tracked by the orchestrator.
func (s *Service) FinalizeBlock(ctx context.Context, fromSeq, toSeq int64) (Block, error) {
	events, err := s.repo.EventsInRange(ctx, fromSeq, toSeq)
	if err != nil {
		return Block{}, clearingerrors.Wrap(err, "loading events for block finalization")
	}

	s.mu.Lock()
	height := s.lastHeight + 1
	prevHash := s.lastBlockHash
	s.mu.Unlock()

	block, _, err := BuildBlock(func() uuid.UUID { return s.ids() }, height, prevHash, fromSeq, toSeq, events, s.signer.Sign)
	if err != nil {
		return Block{}, err
	}
	if err := s.repo.SaveBlock(ctx, block); err != nil {
		return Block{}, clearingerrors.Wrap(err, "saving block")
	}

	s.mu.Lock()
	s.lastHeight = block.Height
	s.lastBlockHash = block.BlockHash
	s.mu.Unlock()

	return block, nil
}
