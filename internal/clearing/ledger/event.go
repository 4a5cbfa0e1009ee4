// Package ledger implements the append-only settlement log: a signed
// sequence of per-payment events, periodically anchored into height-chained
// Merkle-rooted blocks for checkpointing, plus a projection of current
// payment state.
package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/money"
)

// Kind is one of the closed set of payment-lifecycle facts the ledger
// records. It is not a general-purpose topic vocabulary: system facts that
// aren't scoped to a single payment (a window opening, a checkpoint being
// created) travel over the event bus instead, see eventbus.Topic.
type Kind string

const (
	KindInitiated           Kind = "initiated"
	KindValidationPassed    Kind = "validation_passed"
	KindValidationFailed    Kind = "validation_failed"
	KindSanctionsCleared    Kind = "sanctions_cleared"
	KindSanctionsHit        Kind = "sanctions_hit"
	KindRiskApproved        Kind = "risk_approved"
	KindRiskRejected        Kind = "risk_rejected"
	KindQueued              Kind = "queued"
	KindSettlementStarted   Kind = "settlement_started"
	KindSettlementCompleted Kind = "settlement_completed"
	KindCompleted           Kind = "completed"
	KindRejected            Kind = "rejected"
	KindFailed              Kind = "failed"
)

// Event is one entry in the log: one fact about one payment. Sequence is a
// storage-ordering convenience used to chunk events into blocks; the
// per-payment causal order is PreviousEventID, which, when set, resolves to
// an earlier event carrying the same PaymentID. Signature covers PaymentID,
// Kind, Amount, Debtor, Creditor, Timestamp and PreviousEventID via
// signingBytes; ID, Sequence, BlockID and Metadata are not covered.
type Event struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Sequence        int64           `db:"sequence" json:"sequence"`
	PaymentID       uuid.UUID       `db:"payment_id" json:"payment_id"`
	Kind            Kind            `db:"kind" json:"kind"`
	Amount          money.Amount    `db:"-" json:"amount"`
	Debtor          string          `db:"debtor" json:"debtor,omitempty"`
	Creditor        string          `db:"creditor" json:"creditor,omitempty"`
	Timestamp       time.Time       `db:"timestamp" json:"timestamp"`
	BlockID         uuid.UUID       `db:"-" json:"block_id,omitempty"`
	PreviousEventID uuid.UUID       `db:"-" json:"previous_event_id,omitempty"`
	Signature       []byte          `db:"signature" json:"signature,omitempty"`
	Metadata        json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

// signingBytes is the canonical serialization an event's signature covers.
// BlockID is deliberately excluded: it is assigned after the fact, when the
// event is anchored into a block, and must not invalidate a signature taken
// at append time.
func signingBytes(paymentID uuid.UUID, kind Kind, amount money.Amount, debtor, creditor string, ts time.Time, previousEventID uuid.UUID) []byte {
	h := sha256.New()
	h.Write(paymentID[:])
	h.Write([]byte(kind))
	h.Write([]byte(amount.Value.String()))
	h.Write([]byte(amount.Currency.Code))
	h.Write([]byte(debtor))
	h.Write([]byte(creditor))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write(previousEventID[:])
	return h.Sum(nil)
}

// digest is the Merkle-leaf representation of an already-signed event,
// binding the leaf to both its content and its signature so a block's
// Merkle root changes if either is altered after the fact.
func (ev Event) digest() []byte {
	h := sha256.New()
	h.Write(ev.ID[:])
	h.Write(signingBytes(ev.PaymentID, ev.Kind, ev.Amount, ev.Debtor, ev.Creditor, ev.Timestamp, ev.PreviousEventID))
	h.Write(ev.Signature)
	return h.Sum(nil)
}

// newEvent builds and signs the next event for paymentID. previousEventID
// is uuid.Nil when this is the payment's first recorded fact.
func newEvent(idGen idgen.Source, seq int64, paymentID uuid.UUID, kind Kind, amount money.Amount, debtor, creditor string, previousEventID uuid.UUID, sign func([]byte) ([]byte, error), metadata interface{}) (Event, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return Event{}, err
	}
	ts := time.Now().UTC()
	sig, err := sign(signingBytes(paymentID, kind, amount, debtor, creditor, ts, previousEventID))
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:              idGen(),
		Sequence:        seq,
		PaymentID:       paymentID,
		Kind:            kind,
		Amount:          amount,
		Debtor:          debtor,
		Creditor:        creditor,
		Timestamp:       ts,
		PreviousEventID: previousEventID,
		Signature:       sig,
		Metadata:        raw,
	}, nil
}
