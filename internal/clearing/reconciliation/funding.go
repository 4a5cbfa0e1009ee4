package reconciliation

import (
	"time"

	"github.com/google/uuid"

	"settlerail/internal/clearing/money"
)

// FundingKind distinguishes a credit notification from a debit one; only
// the sign of the balance update differs.
type FundingKind string

const (
	FundingCredit FundingKind = "credit"
	FundingDebit  FundingKind = "debit"
)

// signedDelta returns amount, negated for a debit.
func (k FundingKind) signedDelta(amount money.Amount) money.Amount {
	if k == FundingDebit {
		return amount.Neg()
	}
	return amount
}

// Confidence labels how strongly a Tier-1 match was established, per the
// match-precedence order: end-to-end reference exact,
// then bank reference plus a ±1% amount window, then amount plus a
// ±30-minute time window ranked by absolute distance. Anything below
// Medium is held for manual review rather than auto-matched.
type Confidence string

const (
	ConfidenceExact  Confidence = "exact"
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

func (c Confidence) autoMatchable() bool {
	switch c {
	case ConfidenceExact, ConfidenceHigh, ConfidenceMedium:
		return true
	default:
		return false
	}
}

// FundingEvent is a bank-reported credit or debit notification (camt.054)
// that may correspond to one open obligation.
type FundingEvent struct {
	ID            uuid.UUID
	Account       string // the internal funding account identifier
	Kind          FundingKind
	EndToEndRef   string
	BankReference string
	Amount        money.Amount
	ReceivedAt    time.Time
	Matched       bool
	MatchTier     int // 1, 2, or 3
	Confidence    Confidence
}

// StatementEntry is one line of a daily camt.053 statement, consumed by
// Tier 3. Matching precedence is end-to-end reference first, bank
// reference second; anything left over is recorded for manual review
// without rolling back internal state.
type StatementEntry struct {
	EndToEndRef   string
	BankReference string
	Amount        money.Amount
	PostedAt      time.Time
}
