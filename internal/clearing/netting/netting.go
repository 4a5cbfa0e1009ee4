// Package netting implements the multilateral netting engine:
// bilateral aggregation, optional cycle elimination via strongly connected
// components, greedy settlement-path generation, and partial-settlement
// decomposition when some participants have failed.
package netting

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlerail/internal/clearing/money"
)

// Direction is the sign of a bilateral net position.
type Direction string

const (
	DirectionAtoB     Direction = "a_to_b"
	DirectionBtoA     Direction = "b_to_a"
	DirectionBalanced Direction = "balanced"
)

// Obligation is the minimal view the netting engine needs of a pending
// obligation; the registry's full Obligation carries more fields the
// engine doesn't consume.
type Obligation struct {
	ID       uuid.UUID
	Debtor   string
	Creditor string
	Amount   money.Amount
}

// NetPosition is the per ordered-bank-pair, per-currency result of
// bilateral aggregation.
type NetPosition struct {
	BankA        string
	BankB        string
	Currency     string
	GrossDebit   decimal.Decimal // sum A->B
	GrossCredit  decimal.Decimal // sum B->A
	NetAmount    decimal.Decimal // |GrossDebit - GrossCredit|
	Direction    Direction
	ObligationCount int
	SavedAmount  decimal.Decimal
	Ratio        float64 // NetAmount / (GrossDebit+GrossCredit), 0 when both zero
}

// NetTransfer is one bank-to-bank, single-currency payment emitted by
// settlement-path generation.
type NetTransfer struct {
	From     string
	To       string
	Amount   decimal.Decimal
	Currency string
}

// AtomicComponent is one weakly connected group of the bilateral
// net-position graph (edge direction ignored): a subset of banks and
// transfers that must settle together or not at all. BlockedReason is set
// only when the component is blocked by a failed bank; Engine.Run never sets
// RequeuedToWindow, so it stays nil.
type AtomicComponent struct {
	ID               int
	BankIDs          []string
	Transfers        []NetTransfer
	TotalAmount      decimal.Decimal
	Currency         string
	Finalized        bool
	Blocked          bool
	BlockedReason    string
	RequeuedToWindow *int64
}

// Result is everything one netting run for a (window, currency) pair
// produces.
type Result struct {
	Positions  []NetPosition
	Transfers  []NetTransfer
	Components []AtomicComponent
	Gross      decimal.Decimal
	Net        decimal.Decimal
	Efficiency float64
}
